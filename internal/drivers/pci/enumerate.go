// Package pci enumerates an ECAM PCI segment: it sizes and assigns
// endpoint BARs from a per-slot cursor, opens fixed windows on bridges,
// enables MSI-X vector 0 towards the hart's machine-level interrupt file
// and records storage controllers for later drivers.
package pci

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/rvaia/internal/mmio"
)

// ErrUnknownHeader is returned for a header type other than 0 or 1.
var ErrUnknownHeader = errors.New("pci: unknown header type")

const (
	// DefaultLastBus is the highest bus number of the default platform.
	DefaultLastBus = 4

	slotWindow   = 1 << 16
	bridgeWindow = 1 << 20
)

// Progress receives one tick per visited slot. *progressbar.ProgressBar
// satisfies it.
type Progress interface {
	Add(n int) error
}

// A Progress that also implements sizedProgress is told the slot count
// before the scan starts.
type sizedProgress interface {
	ChangeMax(n int)
}

// Config describes the segment and where interrupts should land.
type Config struct {
	ECAMBase uint64
	BARBase  uint64
	LastBus  int
	// MSI is written into vector 0 of every MSI-X capable function.
	MSI      Message
	Registry *Registry
	Progress Progress
}

// Function is one configured function.
type Function struct {
	Location Location
	Kind     HeaderKind
	VendorID uint16
	DeviceID uint16
	BARs     []Assignment
	MSIX     *MSIX
	// Window is the memory range forwarded by a bridge.
	Window *Window
}

// Enumerator owns the configuration space window.
type Enumerator struct {
	acc         mmio.Accessor
	cfg         Config
	initialized atomic.Bool
}

// New claims the ECAM window described by cfg.
func New(acc mmio.Accessor, cfg Config) (*Enumerator, error) {
	if cfg.LastBus < 0 || cfg.LastBus > MaxBus {
		panic(fmt.Sprintf("pci: last bus %d out of range", cfg.LastBus))
	}
	size := uint64(cfg.LastBus+1) << 20
	if err := mmio.Claim(acc, cfg.ECAMBase, size, "pci ecam"); err != nil {
		return nil, fmt.Errorf("pci: %w", err)
	}
	return &Enumerator{acc: acc, cfg: cfg}, nil
}

// Initialized reports whether an enumeration has completed.
func (e *Enumerator) Initialized() bool {
	return e.initialized.Load()
}

// Header returns the tagged view of the function at loc, or ok == false
// when the slot is empty.
func (e *Enumerator) Header(loc Location) (h Header, ok bool, err error) {
	h = Header{acc: e.acc, base: e.cfg.ECAMBase + ConfigOffset(loc), loc: loc}
	vendor, err := h.read16(regVendorID)
	if err != nil {
		return Header{}, false, err
	}
	if vendor == vendorAbsent {
		return Header{}, false, nil
	}
	t, err := h.read8(regHeaderType)
	if err != nil {
		return Header{}, false, err
	}
	h.kind = HeaderKind(t &^ 0x80)
	return h, true, nil
}

// Enumerate visits every slot of buses 0 through LastBus except the root
// at 00:00 and configures what it finds. Assignments depend only on the
// location, so running it again over the same topology gives the same
// addresses.
func (e *Enumerator) Enumerate() ([]Function, error) {
	if p, ok := e.cfg.Progress.(sizedProgress); ok {
		p.ChangeMax(e.Slots())
	}
	var found []Function
	for bus := 0; bus <= e.cfg.LastBus; bus++ {
		for slot := 0; slot <= MaxSlot; slot++ {
			if e.cfg.Progress != nil {
				_ = e.cfg.Progress.Add(1)
			}
			if bus == 0 && slot == 0 {
				continue
			}
			fn, ok, err := e.visit(Location{Bus: bus, Slot: slot})
			if err != nil {
				return found, err
			}
			if ok {
				found = append(found, fn)
			}
		}
	}
	e.initialized.Store(true)
	slog.Info("pci: enumeration complete", "functions", len(found))
	return found, nil
}

// Slots returns the number of slots Enumerate visits, for sizing progress.
func (e *Enumerator) Slots() int {
	return (e.cfg.LastBus + 1) * (MaxSlot + 1)
}

func (e *Enumerator) visit(loc Location) (Function, bool, error) {
	h, ok, err := e.Header(loc)
	if err != nil || !ok {
		return Function{}, false, err
	}
	vendor, device, err := h.IDs()
	if err != nil {
		return Function{}, false, err
	}
	fn := Function{Location: loc, Kind: h.kind, VendorID: vendor, DeviceID: device}
	slog.Info("pci: found function",
		"location", loc,
		"type", h.kind,
		"vendor", fmt.Sprintf("%#04x", vendor),
		"device", fmt.Sprintf("%#04x", device),
	)

	switch h.kind {
	case EndpointHeader:
		err = e.setupEndpoint(h.Endpoint(), &fn)
	case BridgeHeader:
		err = e.setupBridge(h.Bridge(), &fn)
	default:
		err = fmt.Errorf("%w %d at %s", ErrUnknownHeader, uint8(h.kind), loc)
	}
	if err != nil {
		return Function{}, false, err
	}
	return fn, true, nil
}

// slotBase is the first address of the BAR range reserved for loc.
func (e *Enumerator) slotBase(loc Location) uint64 {
	return e.cfg.BARBase | uint64(loc.Bus)<<20 | uint64(loc.Slot)<<16
}

func (e *Enumerator) setupEndpoint(ep Endpoint, fn *Function) error {
	if err := ep.SetCommand(0); err != nil {
		return err
	}

	start := e.slotBase(fn.Location)
	cursor := start
	for i := 0; i < barCount; {
		p, err := probeBAR(ep, i)
		if err != nil {
			return err
		}
		if !p.present {
			i++
			continue
		}
		addr := alignUp(cursor, p.size)
		if addr+p.size > start+slotWindow {
			slog.Warn("pci: BAR does not fit the slot window",
				"location", fn.Location, "bar", i, "size", fmt.Sprintf("%#x", p.size))
			if err := ep.SetBAR(i, 0); err != nil {
				return err
			}
		} else {
			if err := ep.SetBAR(i, uint32(addr)); err != nil {
				return err
			}
			if p.is64 {
				if err := ep.SetBAR(i+1, uint32(addr>>32)); err != nil {
					return err
				}
			}
			cursor = addr + p.size
			fn.BARs = append(fn.BARs, Assignment{Index: i, Address: addr, Size: p.size, Is64: p.is64})
			slog.Debug("pci: assigned BAR",
				"location", fn.Location, "bar", i,
				"address", fmt.Sprintf("%#x", addr), "size", fmt.Sprintf("%#x", p.size), "64bit", p.is64)
		}
		if p.is64 {
			i += 2
		} else {
			i++
		}
	}

	if err := ep.SetCommand(CommandMemory | CommandBusMaster); err != nil {
		return err
	}

	err := Capabilities(ep.Header, func(off, id uint8) error {
		if id != CapMSIX {
			return nil
		}
		m, err := programMSIX(ep, off, e.cfg.MSI)
		if err != nil {
			return err
		}
		fn.MSIX = &m
		slog.Debug("pci: MSI-X enabled",
			"location", fn.Location, "vectors", m.TableSize,
			"table", fmt.Sprintf("%#x", m.Table), "pba", fmt.Sprintf("%#x", m.PBA))
		return nil
	})
	if err != nil {
		return err
	}

	if fn.VendorID == StorageVendor && fn.DeviceID == StorageDevice && e.cfg.Registry != nil {
		bar0, err := assignedBAR(ep, 0)
		if err != nil {
			return err
		}
		d := Device{Location: fn.Location, VendorID: fn.VendorID, DeviceID: fn.DeviceID, BAR0: bar0}
		if err := e.cfg.Registry.Add(d); err != nil {
			slog.Warn("pci: storage controller not registered", "location", fn.Location, "err", err)
		}
	}
	return nil
}

func (e *Enumerator) setupBridge(br Bridge, fn *Function) error {
	w := Window{Base: e.cfg.BARBase + uint64(fn.Location.Slot)<<20, Size: bridgeWindow}
	slot := uint8(fn.Location.Slot)
	if err := br.SetBusNumbers(uint8(fn.Location.Bus), slot, slot); err != nil {
		return err
	}
	if err := br.SetMemoryWindow(w); err != nil {
		return err
	}
	if err := br.SetPrefetchWindow(w); err != nil {
		return err
	}
	if err := br.SetCommand(CommandMemory); err != nil {
		return err
	}
	fn.Window = &w
	slog.Debug("pci: bridge window",
		"location", fn.Location, "secondary", slot,
		"base", fmt.Sprintf("%#x", w.Base), "size", fmt.Sprintf("%#x", w.Size))
	return nil
}

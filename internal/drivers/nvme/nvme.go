// Package nvme is the first consumer of the PCI device registry: it
// identifies each registered NVMe controller from its BAR0 registers.
package nvme

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/rvaia/internal/drivers/pci"
	"github.com/tinyrange/rvaia/internal/mmio"
)

var (
	ErrAlreadyInitialized = errors.New("nvme: already initialized")
	ErrBusNotReady        = errors.New("nvme: PCI has not been enumerated")
)

const (
	regCAP = 0x00
	regVS  = 0x08
)

// BusState reports whether PCI enumeration has completed.
type BusState interface {
	Initialized() bool
}

// Controller is an identified NVMe controller.
type Controller struct {
	Device pci.Device
	CAP    uint64
	VS     uint32
}

// MaxQueueEntries decodes CAP.MQES.
func (c Controller) MaxQueueEntries() int {
	return int(c.CAP&0xFFFF) + 1
}

// DoorbellStride decodes CAP.DSTRD in bytes.
func (c Controller) DoorbellStride() int {
	return 4 << ((c.CAP >> 32) & 0xF)
}

// Version formats VS as major.minor.tertiary.
func (c Controller) Version() string {
	return fmt.Sprintf("%d.%d.%d", c.VS>>16, (c.VS>>8)&0xFF, c.VS&0xFF)
}

// Driver initializes the controllers found by enumeration once.
type Driver struct {
	acc         mmio.Accessor
	bus         BusState
	registry    *pci.Registry
	initialized atomic.Bool
	controllers []Controller
}

// New returns a driver reading controllers from registry once bus is
// initialized.
func New(acc mmio.Accessor, bus BusState, registry *pci.Registry) *Driver {
	return &Driver{acc: acc, bus: bus, registry: registry}
}

// Init identifies every registered controller. It may succeed only once
// and only after PCI enumeration.
func (d *Driver) Init() error {
	if d.initialized.Load() {
		return ErrAlreadyInitialized
	}
	if !d.bus.Initialized() {
		return ErrBusNotReady
	}
	var found []Controller
	for _, dev := range d.registry.Devices() {
		capReg, err := d.acc.Read64(dev.BAR0 + regCAP)
		if err != nil {
			return fmt.Errorf("nvme %s: read CAP: %w", dev.Location, err)
		}
		vs, err := d.acc.Read32(dev.BAR0 + regVS)
		if err != nil {
			return fmt.Errorf("nvme %s: read VS: %w", dev.Location, err)
		}
		c := Controller{Device: dev, CAP: capReg, VS: vs}
		found = append(found, c)
		slog.Info("nvme: controller",
			"location", dev.Location,
			"bar0", fmt.Sprintf("%#x", dev.BAR0),
			"version", c.Version(),
			"max_queue_entries", c.MaxQueueEntries(),
		)
	}
	d.controllers = found
	d.initialized.Store(true)
	return nil
}

// Controllers returns the controllers found by Init.
func (d *Driver) Controllers() []Controller {
	return append([]Controller(nil), d.controllers...)
}

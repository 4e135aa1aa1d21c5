// Package aplic simulates APLIC interrupt domains: wired inputs enter the
// root, follow delegation down to the domain that owns them, and leave
// either as MSI writes on the bus or as per-hart wires through the IDCs.
package aplic

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tinyrange/rvaia/internal/csr"
)

// Register offsets within a domain.
const (
	regDomainCfg     = 0x0000
	regSourceCfg     = 0x0004
	regMMSIAddrCfg   = 0x1BC0
	regMMSIAddrCfgH  = 0x1BC4
	regSMSIAddrCfg   = 0x1BC8
	regSMSIAddrCfgH  = 0x1BCC
	regSetIP         = 0x1C00
	regSetIPNum      = 0x1CDC
	regInClrIP       = 0x1D00
	regClrIPNum      = 0x1DDC
	regSetIE         = 0x1E00
	regSetIENum      = 0x1EDC
	regClrIE         = 0x1F00
	regClrIENum      = 0x1FDC
	regSetIPNumLE    = 0x2000
	regSetIPNumBE    = 0x2004
	regGenMSI        = 0x3000
	regTarget        = 0x3004
	regIDC           = 0x4000
	idcStride        = 0x20
	idcDelivery      = 0x00
	idcForce         = 0x04
	idcThreshold     = 0x08
	idcTopI          = 0x18
	idcClaimI        = 0x1C
	sourceCount      = 1024
	sourceWords      = sourceCount / 32
	domainCfgEnable  = 1 << 8
	domainCfgMSI     = 1 << 2
	domainCfgBE      = 1 << 0
	domainCfgReadOne = 0x80 << 24
	sourceDelegate   = 1 << 10
	childMask        = 1<<10 - 1
	modeMask         = 0x7
)

const (
	modeInactive    = 0
	modeDetached    = 1
	modeRisingEdge  = 4
	modeFallingEdge = 5
	modeLevelHigh   = 6
	modeLevelLow    = 7
)

// MSIWriter carries MSI writes out of the controller, normally the bus.
type MSIWriter interface {
	Write32(addr uint64, value uint32) error
}

type idc struct {
	delivery  uint32
	force     uint32
	threshold uint32
	asserted  bool
}

type msi struct {
	addr uint64
	data uint32
}

// Domain is one simulated interrupt domain.
type Domain struct {
	name     string
	level    csr.Level
	root     *Domain
	children []*Domain
	msi      MSIWriter
	harts    int

	mu        sync.Mutex
	domaincfg uint32
	sourcecfg [sourceCount]uint32
	target    [sourceCount]uint32
	pending   [sourceWords]uint32
	enabled   [sourceWords]uint32
	input     [sourceWords]uint32

	// Only meaningful on the root.
	mmsiaddr, mmsiaddrh uint32
	smsiaddr, smsiaddrh uint32

	idcs  []idc
	onIRQ func(hart int, level bool)
}

// NewRoot builds the machine-level root domain.
func NewRoot(name string, out MSIWriter, harts int) *Domain {
	d := &Domain{name: name, level: csr.Machine, msi: out, harts: harts, idcs: make([]idc, harts)}
	d.root = d
	return d
}

// AddChild appends a child domain at level. Its child index is the number
// of children added before it.
func (d *Domain) AddChild(name string, level csr.Level) *Domain {
	c := &Domain{name: name, level: level, root: d.root, msi: d.msi, harts: d.harts, idcs: make([]idc, d.harts)}
	d.mu.Lock()
	d.children = append(d.children, c)
	d.mu.Unlock()
	return c
}

// OnIRQ installs the per-hart wire used in direct delivery mode.
func (d *Domain) OnIRQ(fn func(hart int, level bool)) {
	d.mu.Lock()
	d.onIRQ = fn
	d.mu.Unlock()
}

// Size implements mmio.Device.
func (d *Domain) Size() uint64 {
	return regIDC + uint64(d.harts)*idcStride
}

// SetIRQ drives wired input id. Wires always enter at the root.
func (d *Domain) SetIRQ(id uint32, level bool) {
	if id == 0 || id >= sourceCount {
		return
	}
	d.mu.Lock()
	cfg := d.sourcecfg[id]
	if cfg&sourceDelegate != 0 {
		child := d.child(cfg)
		d.mu.Unlock()
		if child != nil {
			child.SetIRQ(id, level)
		}
		return
	}

	word, bit := id/32, uint32(1)<<(id%32)
	old := d.input[word]&bit != 0
	if level {
		d.input[word] |= bit
	} else {
		d.input[word] &^= bit
	}

	var pend bool
	switch cfg & modeMask {
	case modeRisingEdge:
		pend = !old && level
	case modeFallingEdge:
		pend = old && !level
	case modeLevelHigh:
		pend = level
	case modeLevelLow:
		pend = !level
	}
	if pend {
		d.pending[word] |= bit
	}
	out := d.collect()
	d.mu.Unlock()
	d.emit(out)
}

// child must be called with mu held.
func (d *Domain) child(cfg uint32) *Domain {
	idx := int(cfg & childMask)
	if idx >= len(d.children) {
		return nil
	}
	return d.children[idx]
}

func (d *Domain) active(id uint32) bool {
	cfg := d.sourcecfg[id]
	return cfg&sourceDelegate == 0 && cfg&modeMask != modeInactive
}

// collect must be called with mu held. In MSI mode it drains every pending
// and enabled source into MSIs; in direct mode it recomputes the IDC wires.
func (d *Domain) collect() []msi {
	if d.domaincfg&domainCfgEnable == 0 {
		return nil
	}
	if d.domaincfg&domainCfgMSI == 0 {
		d.updateIDCs()
		return nil
	}
	var out []msi
	for w := 0; w < sourceWords; w++ {
		ready := d.pending[w] & d.enabled[w]
		for ready != 0 {
			b := bits.TrailingZeros32(ready)
			ready &^= 1 << b
			id := uint32(w*32 + b)
			d.pending[w] &^= 1 << b
			t := d.target[id]
			out = append(out, msi{addr: d.msiAddress(t>>18, (t>>12)&0x3f), data: t & 0x7ff})
		}
	}
	return out
}

// msiAddress must be called with mu held on d; it reads the root's
// address registers, which only change during boot.
func (d *Domain) msiAddress(hart, guest uint32) uint64 {
	lo, hi := d.root.mmsiaddr, d.root.mmsiaddrh
	if d.level == csr.Supervisor {
		lo, hi = d.root.smsiaddr, d.root.smsiaddrh
	}
	ppn := uint64(hi&0xfff)<<32 | uint64(lo)
	lhxs := (hi >> 20) & 0x7
	ppn += uint64(hart)<<lhxs + uint64(guest)
	return ppn << 12
}

func (d *Domain) emit(out []msi) {
	for _, m := range out {
		if d.msi == nil {
			continue
		}
		if err := d.msi.Write32(m.addr, m.data); err != nil {
			slog.Error("aplic: msi write failed", "domain", d.name, "addr", fmt.Sprintf("%#x", m.addr), "data", m.data, "err", err)
		}
	}
}

// updateIDCs must be called with mu held.
func (d *Domain) updateIDCs() {
	if d.onIRQ == nil {
		return
	}
	for h := range d.idcs {
		c := &d.idcs[h]
		id, _ := d.topFor(h)
		level := c.delivery&1 != 0 && (id != 0 || c.force&1 != 0)
		if level != c.asserted {
			c.asserted = level
			d.onIRQ(h, level)
		}
	}
}

// topFor must be called with mu held.
func (d *Domain) topFor(hart int) (uint32, uint32) {
	c := &d.idcs[hart]
	var bestID, bestPrio uint32
	for w := 0; w < sourceWords; w++ {
		ready := d.pending[w] & d.enabled[w]
		for ready != 0 {
			b := bits.TrailingZeros32(ready)
			ready &^= 1 << b
			id := uint32(w*32 + b)
			t := d.target[id]
			if int(t>>18) != hart {
				continue
			}
			prio := t & 0xff
			if c.threshold != 0 && prio >= c.threshold {
				continue
			}
			if bestID == 0 || prio < bestPrio {
				bestID, bestPrio = id, prio
			}
		}
	}
	return bestID, bestPrio
}

// Read implements mmio.Device.
func (d *Domain) Read(offset uint64, size int) (uint64, error) {
	if size != 4 || offset%4 != 0 {
		return 0, fmt.Errorf("aplic %s: unsupported read of %d bytes at %#x", d.name, size, offset)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case offset == regDomainCfg:
		return uint64(d.domaincfg | domainCfgReadOne), nil
	case offset >= regSourceCfg && offset < regSourceCfg+4*(sourceCount-1):
		return uint64(d.sourcecfg[(offset-regSourceCfg)/4+1]), nil
	case offset == regMMSIAddrCfg:
		return uint64(d.mmsiaddr), nil
	case offset == regMMSIAddrCfgH:
		return uint64(d.mmsiaddrh), nil
	case offset == regSMSIAddrCfg:
		return uint64(d.smsiaddr), nil
	case offset == regSMSIAddrCfgH:
		return uint64(d.smsiaddrh), nil
	case offset >= regSetIP && offset < regSetIP+4*sourceWords:
		return uint64(d.pending[(offset-regSetIP)/4]), nil
	case offset >= regInClrIP && offset < regInClrIP+4*sourceWords:
		return uint64(d.input[(offset-regInClrIP)/4]), nil
	case offset >= regSetIE && offset < regSetIE+4*sourceWords:
		return uint64(d.enabled[(offset-regSetIE)/4]), nil
	case offset >= regTarget && offset < regTarget+4*(sourceCount-1):
		return uint64(d.target[(offset-regTarget)/4+1]), nil
	case offset >= regIDC && offset < d.Size():
		return uint64(d.readIDC(int((offset-regIDC)/idcStride), (offset-regIDC)%idcStride)), nil
	}
	return 0, nil
}

// readIDC must be called with mu held.
func (d *Domain) readIDC(hart int, reg uint64) uint32 {
	c := &d.idcs[hart]
	switch reg {
	case idcDelivery:
		return c.delivery
	case idcForce:
		return c.force
	case idcThreshold:
		return c.threshold
	case idcTopI:
		id, prio := d.topFor(hart)
		return id<<16 | prio
	case idcClaimI:
		id, prio := d.topFor(hart)
		if id == 0 {
			c.force = 0
		} else {
			d.pending[id/32] &^= 1 << (id % 32)
		}
		d.updateIDCs()
		return id<<16 | prio
	}
	return 0
}

// Write implements mmio.Device.
func (d *Domain) Write(offset uint64, size int, value uint64) error {
	if size != 4 || offset%4 != 0 {
		return fmt.Errorf("aplic %s: unsupported write of %d bytes at %#x", d.name, size, offset)
	}
	v := uint32(value)
	d.mu.Lock()

	switch {
	case offset == regDomainCfg:
		d.domaincfg = v & (domainCfgEnable | domainCfgMSI | domainCfgBE)
	case offset >= regSourceCfg && offset < regSourceCfg+4*(sourceCount-1):
		d.writeSourceCfg(uint32((offset-regSourceCfg)/4+1), v)
	case d.root == d && offset == regMMSIAddrCfg:
		d.mmsiaddr = v
	case d.root == d && offset == regMMSIAddrCfgH:
		d.mmsiaddrh = v
	case d.root == d && offset == regSMSIAddrCfg:
		d.smsiaddr = v
	case d.root == d && offset == regSMSIAddrCfgH:
		d.smsiaddrh = v
	case offset >= regSetIP && offset < regSetIP+4*sourceWords:
		d.setBits(&d.pending, uint32((offset-regSetIP)/4), v)
	case offset == regSetIPNum, offset == regSetIPNumLE:
		d.setNum(&d.pending, v)
	case offset == regSetIPNumBE:
		d.setNum(&d.pending, bits.ReverseBytes32(v))
	case offset >= regInClrIP && offset < regInClrIP+4*sourceWords:
		d.pending[(offset-regInClrIP)/4] &^= v
	case offset == regClrIPNum:
		if v > 0 && v < sourceCount {
			d.pending[v/32] &^= 1 << (v % 32)
		}
	case offset >= regSetIE && offset < regSetIE+4*sourceWords:
		d.setBits(&d.enabled, uint32((offset-regSetIE)/4), v)
	case offset == regSetIENum:
		d.setNum(&d.enabled, v)
	case offset >= regClrIE && offset < regClrIE+4*sourceWords:
		d.enabled[(offset-regClrIE)/4] &^= v
	case offset == regClrIENum:
		if v > 0 && v < sourceCount {
			d.enabled[v/32] &^= 1 << (v % 32)
		}
	case offset == regGenMSI:
		if d.domaincfg&domainCfgMSI != 0 {
			m := msi{addr: d.msiAddress(v>>18, 0), data: v & 0x7ff}
			d.mu.Unlock()
			d.emit([]msi{m})
			return nil
		}
	case offset >= regTarget && offset < regTarget+4*(sourceCount-1):
		d.writeTarget(uint32((offset-regTarget)/4+1), v)
	case offset >= regIDC && offset < d.Size():
		d.writeIDC(int((offset-regIDC)/idcStride), (offset-regIDC)%idcStride, v)
	}

	out := d.collect()
	d.mu.Unlock()
	d.emit(out)
	return nil
}

// writeSourceCfg must be called with mu held. A source that becomes
// inactive or delegated loses its pending, enable and target state.
func (d *Domain) writeSourceCfg(id, v uint32) {
	switch {
	case v&sourceDelegate != 0:
		if int(v&childMask) >= len(d.children) {
			v = 0
		} else {
			v &= sourceDelegate | childMask
		}
	default:
		v &= modeMask
		if v == 2 || v == 3 {
			v = modeInactive
		}
	}
	d.sourcecfg[id] = v
	if !d.active(id) {
		word, bit := id/32, uint32(1)<<(id%32)
		d.pending[word] &^= bit
		d.enabled[word] &^= bit
		d.target[id] = 0
	}
}

// writeTarget must be called with mu held. The write lands whatever the
// source's mode; only a later sourcecfg write that leaves it inactive
// clears it.
func (d *Domain) writeTarget(id, v uint32) {
	if d.domaincfg&domainCfgMSI != 0 {
		v &= 0xFFFC_0000 | 0x3f<<12 | 0x7ff
	} else {
		v &= 0xFFFC_0000 | 0xff
		if v&0xff == 0 {
			v |= 1
		}
	}
	d.target[id] = v
}

// setNum must be called with mu held.
func (d *Domain) setNum(arr *[sourceWords]uint32, id uint32) {
	if id == 0 || id >= sourceCount || !d.active(id) {
		return
	}
	arr[id/32] |= 1 << (id % 32)
}

// setBits must be called with mu held.
func (d *Domain) setBits(arr *[sourceWords]uint32, word, v uint32) {
	for v != 0 {
		b := bits.TrailingZeros32(v)
		v &^= 1 << b
		d.setNum(arr, word*32+uint32(b))
	}
}

// writeIDC must be called with mu held.
func (d *Domain) writeIDC(hart int, reg uint64, v uint32) {
	c := &d.idcs[hart]
	switch reg {
	case idcDelivery:
		c.delivery = v & 1
	case idcForce:
		c.force = v & 1
	case idcThreshold:
		c.threshold = v & 0xff
	}
}

// Package aplic drives the advanced platform-level interrupt controller: a
// root domain that delegates wired sources to child domains, each of which
// forwards them as MSIs or raises them on its harts' wires.
//
// Ordering matters. A source's trigger mode must be set on the domain that
// finally owns it before its enable bit is written; hardware ignores the
// enable of a source that is not active in the domain.
package aplic

import (
	"fmt"

	"github.com/tinyrange/rvaia/internal/csr"
	"github.com/tinyrange/rvaia/internal/mmio"
)

const (
	FirstSource = 2
	LastSource  = 1023

	// MaxChild is the largest child index a delegation can name.
	MaxChild = 1<<10 - 1

	sourceDelegate = 1 << 10
)

// SourceMode is the trigger mode of a source owned by a domain.
type SourceMode uint32

const (
	Inactive    SourceMode = 0
	Detached    SourceMode = 1
	RisingEdge  SourceMode = 4
	FallingEdge SourceMode = 5
	LevelHigh   SourceMode = 6
	LevelLow    SourceMode = 7
)

func (m SourceMode) String() string {
	switch m {
	case Inactive:
		return "inactive"
	case Detached:
		return "detached"
	case RisingEdge:
		return "rising-edge"
	case FallingEdge:
		return "falling-edge"
	case LevelHigh:
		return "level-high"
	case LevelLow:
		return "level-low"
	default:
		return fmt.Sprintf("SourceMode(%d)", uint32(m))
	}
}

// ByteOrder of the domain's registers.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

// DeliveryMode selects wired (IDC) or message-signaled delivery.
type DeliveryMode int

const (
	Direct DeliveryMode = iota
	MSI
)

func (m DeliveryMode) String() string {
	if m == MSI {
		return "msi"
	}
	return "direct"
}

// Config mirrors domaincfg.
type Config struct {
	Order   ByteOrder
	Mode    DeliveryMode
	Enabled bool
}

const (
	cfgBigEndian = 1 << 0
	cfgMSIMode   = 1 << 2
	cfgEnable    = 1 << 8
)

func (c Config) encode() uint32 {
	var v uint32
	if c.Enabled {
		v |= cfgEnable
	}
	if c.Mode == MSI {
		v |= cfgMSIMode
	}
	if c.Order == BigEndian {
		v |= cfgBigEndian
	}
	return v
}

func decodeConfig(v uint32) Config {
	c := Config{Enabled: v&cfgEnable != 0}
	if v&cfgMSIMode != 0 {
		c.Mode = MSI
	}
	if v&cfgBigEndian != 0 {
		c.Order = BigEndian
	}
	return c
}

// Target field limits.
const (
	MaxHart  = 1<<14 - 1
	MaxGuest = 1<<6 - 1
	MaxEIID  = 1<<11 - 1
)

// PackTarget packs an MSI target: hart in bits 31:18, guest in 17:12 and
// the external interrupt identity in 10:0.
func PackTarget(hart, guest, eiid uint32) uint32 {
	if hart > MaxHart || guest > MaxGuest || eiid > MaxEIID {
		panic(fmt.Sprintf("aplic: target (hart %d, guest %d, eiid %d) out of range", hart, guest, eiid))
	}
	return hart<<18 | guest<<12 | eiid
}

// UnpackTarget is the inverse of PackTarget.
func UnpackTarget(v uint32) (hart, guest, eiid uint32) {
	return v >> 18, (v >> 12) & MaxGuest, v & MaxEIID
}

func checkSource(id uint32) {
	if id < FirstSource || id > LastSource {
		panic(fmt.Sprintf("aplic: interrupt source %d out of range [%d,%d]", id, FirstSource, LastSource))
	}
}

// Domain is the driver of one interrupt domain.
type Domain struct {
	acc   mmio.Accessor
	base  uint64
	name  string
	harts int
}

// New claims the domain at base, including the IDCs of harts harts, and
// returns its driver. A second driver for the same block fails with
// mmio.ErrAliased.
func New(acc mmio.Accessor, base uint64, name string, harts int) (*Domain, error) {
	size := uint64(DomainSize) + uint64(harts)*idcStride
	if err := mmio.Claim(acc, base, size, "aplic "+name); err != nil {
		return nil, fmt.Errorf("aplic: %w", err)
	}
	return &Domain{acc: acc, base: base, name: name, harts: harts}, nil
}

// Name returns the label the domain was created with.
func (d *Domain) Name() string {
	return d.name
}

func (d *Domain) write(off uint64, v uint32) error {
	if err := d.acc.Write32(d.base+off, v); err != nil {
		return fmt.Errorf("aplic %s: write %#x: %w", d.name, off, err)
	}
	return nil
}

func (d *Domain) read(off uint64) (uint32, error) {
	v, err := d.acc.Read32(d.base + off)
	if err != nil {
		return 0, fmt.Errorf("aplic %s: read %#x: %w", d.name, off, err)
	}
	return v, nil
}

// Configure writes domaincfg. Call it before enabling any source.
func (d *Domain) Configure(order ByteOrder, mode DeliveryMode, enabled bool) error {
	return d.write(uint64(offDomainCfg), Config{Order: order, Mode: mode, Enabled: enabled}.encode())
}

// DomainConfig reads back domaincfg.
func (d *Domain) DomainConfig() (Config, error) {
	v, err := d.read(uint64(offDomainCfg))
	if err != nil {
		return Config{}, err
	}
	return decodeConfig(v), nil
}

// SetSource sets the trigger mode of a source this domain owns.
func (d *Domain) SetSource(id uint32, mode SourceMode) error {
	checkSource(id)
	return d.write(sourceCfgOffset(id), uint32(mode))
}

// Delegate hands source id to child. The parent no longer interprets its
// trigger mode.
func (d *Domain) Delegate(id, child uint32) error {
	checkSource(id)
	if child > MaxChild {
		panic(fmt.Sprintf("aplic: child index %d out of range", child))
	}
	return d.write(sourceCfgOffset(id), sourceDelegate|child)
}

// SourceConfig returns the raw sourcecfg of id.
func (d *Domain) SourceConfig(id uint32) (uint32, error) {
	checkSource(id)
	return d.read(sourceCfgOffset(id))
}

// Delegation reports whether id is delegated and to which child.
func (d *Domain) Delegation(id uint32) (child uint32, delegated bool, err error) {
	v, err := d.SourceConfig(id)
	if err != nil {
		return 0, false, err
	}
	if v&sourceDelegate == 0 {
		return 0, false, nil
	}
	return v & MaxChild, true, nil
}

// SetTarget routes source id to (hart, guest, eiid). Only meaningful in
// MSI mode. It may precede the source's sourcecfg write.
func (d *Domain) SetTarget(id, hart, guest, eiid uint32) error {
	checkSource(id)
	return d.write(targetOffset(id), PackTarget(hart, guest, eiid))
}

// SetDirectTarget routes source id to hart's IDC with priority prio
// (1 is the highest) for direct delivery mode.
func (d *Domain) SetDirectTarget(id, hart, prio uint32) error {
	checkSource(id)
	if hart > MaxHart || prio == 0 || prio > 0xff {
		panic(fmt.Sprintf("aplic: direct target (hart %d, prio %d) out of range", hart, prio))
	}
	return d.write(targetOffset(id), hart<<18|prio)
}

// Target reads back the MSI target of id.
func (d *Domain) Target(id uint32) (hart, guest, eiid uint32, err error) {
	checkSource(id)
	v, err := d.read(targetOffset(id))
	if err != nil {
		return 0, 0, 0, err
	}
	hart, guest, eiid = UnpackTarget(v)
	return hart, guest, eiid, nil
}

// SetEnabled sets or clears the enable bit of id through setienum/clrienum.
func (d *Domain) SetEnabled(id uint32, enabled bool) error {
	checkSource(id)
	if enabled {
		return d.write(uint64(offSetIENum), id)
	}
	return d.write(uint64(offClrIENum), id)
}

// Enabled reads the enable bit of id from the setie array.
func (d *Domain) Enabled(id uint32) (bool, error) {
	checkSource(id)
	v, err := d.read(uint64(offSetIE) + 4*uint64(id/32))
	if err != nil {
		return false, err
	}
	return v&(1<<(id%32)) != 0, nil
}

// SetPending sets or clears the pending bit of id through setipnum/clripnum.
func (d *Domain) SetPending(id uint32, pending bool) error {
	checkSource(id)
	if pending {
		return d.write(uint64(offSetIPNum), id)
	}
	return d.write(uint64(offClrIPNum), id)
}

// Pending reads the pending bit of id from the setip array.
func (d *Domain) Pending(id uint32) (bool, error) {
	checkSource(id)
	v, err := d.read(uint64(offSetIP) + 4*uint64(id/32))
	if err != nil {
		return false, err
	}
	return v&(1<<(id%32)) != 0, nil
}

// SetMSIAddress programs the MSI page base of level. Only the root domain
// implements these registers; addr must be page aligned.
func (d *Domain) SetMSIAddress(level csr.Level, addr uint64) error {
	if addr&0xfff != 0 {
		panic(fmt.Sprintf("aplic: MSI address %#x not page aligned", addr))
	}
	lo, hi := offMMSIAddrCfg, offMMSIAddrCfgH
	if level == csr.Supervisor {
		lo, hi = offSMSIAddrCfg, offSMSIAddrCfgH
	}
	ppn := addr >> 12
	if err := d.write(uint64(lo), uint32(ppn)); err != nil {
		return err
	}
	return d.write(uint64(hi), uint32(ppn>>32)&0xfff)
}

// GenMSI asks the domain to send an extempore MSI to (hart, eiid).
func (d *Domain) GenMSI(hart, eiid uint32) error {
	return d.write(uint64(offGenMSI), PackTarget(hart, 0, eiid))
}

// IDC returns the interrupt delivery control block of hart.
func (d *Domain) IDC(hart int) *IDC {
	if hart < 0 || hart >= d.harts {
		panic(fmt.Sprintf("aplic %s: hart %d has no IDC", d.name, hart))
	}
	return &IDC{d: d, off: idcOffset(hart)}
}

// IDC is a per-hart delivery block used in direct mode.
type IDC struct {
	d   *Domain
	off uint64
}

// SetDelivery enables or disables delivery to the hart.
func (c *IDC) SetDelivery(enabled bool) error {
	var v uint32
	if enabled {
		v = 1
	}
	return c.d.write(c.off+uint64(offIDelivery), v)
}

// SetThreshold masks priorities numerically at or above threshold; zero
// masks nothing.
func (c *IDC) SetThreshold(threshold uint32) error {
	return c.d.write(c.off+uint64(offIThreshold), threshold)
}

// Force raises a spurious interrupt for testing.
func (c *IDC) Force(on bool) error {
	var v uint32
	if on {
		v = 1
	}
	return c.d.write(c.off+uint64(offIForce), v)
}

// Top returns the highest-priority pending source without claiming it.
func (c *IDC) Top() (id, prio uint32, err error) {
	v, err := c.d.read(c.off + uint64(offTopI))
	if err != nil {
		return 0, 0, err
	}
	return v >> 16, v & 0xff, nil
}

// Claim returns the highest-priority pending source and clears it.
func (c *IDC) Claim() (id, prio uint32, err error) {
	v, err := c.d.read(c.off + uint64(offClaimI))
	if err != nil {
		return 0, 0, err
	}
	return v >> 16, v & 0xff, nil
}

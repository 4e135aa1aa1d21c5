// Package imsic drives a hart's interrupt file through the indirect CSR
// window.
//
// Priority is the identity itself: lower identities win. The threshold is
// an upper bound, not a floor: with threshold T only identities below T are
// delivered, and T == 0 delivers everything.
package imsic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvaia/internal/csr"
	"github.com/tinyrange/rvaia/internal/mmio"
)

const (
	// FirstIdentity is the lowest identity a source may use. 0 means "no
	// interrupt" and 1 is reserved.
	FirstIdentity = 2
	// LastIdentity is the highest identity this kernel uses.
	LastIdentity = 1023

	// PageStride separates the per-hart MSI pages of one level.
	PageStride = 0x1000
)

// CheckIdentity panics when id is outside [FirstIdentity, LastIdentity].
func CheckIdentity(id uint32) {
	if id < FirstIdentity || id > LastIdentity {
		panic(fmt.Sprintf("imsic: interrupt identity %d out of range [%d,%d]", id, FirstIdentity, LastIdentity))
	}
}

// PageAddress returns the MSI page of hart in the region starting at base.
func PageAddress(base uint64, hart int) uint64 {
	return base + uint64(hart)*PageStride
}

// MessageFile is the driver for one interrupt file.
type MessageFile struct {
	win *csr.Window
}

// New binds the file of level on f.
func New(f csr.File, level csr.Level) *MessageFile {
	return &MessageFile{win: csr.NewWindow(f, level)}
}

// Level returns the privilege level of the file.
func (m *MessageFile) Level() csr.Level {
	return m.win.Level()
}

// SetDelivery turns interrupt delivery from this file on or off.
func (m *MessageFile) SetDelivery(enabled bool) {
	var v uint64
	if enabled {
		v = 1
	}
	m.win.Write(csr.EIDelivery, v)
}

// SetThreshold sets the priority threshold.
func (m *MessageFile) SetThreshold(priority uint32) {
	m.win.Write(csr.EIThreshold, uint64(priority))
}

// Threshold reads back the priority threshold.
func (m *MessageFile) Threshold() uint32 {
	return uint32(m.win.Read(csr.EIThreshold))
}

// Enable sets the enable bit of id.
func (m *MessageFile) Enable(id uint32) {
	CheckIdentity(id)
	m.win.Modify(csr.EIESelect(id), func(v uint64) uint64 { return v | csr.Bit(id) })
}

// Disable clears the enable bit of id.
func (m *MessageFile) Disable(id uint32) {
	CheckIdentity(id)
	m.win.Modify(csr.EIESelect(id), func(v uint64) uint64 { return v &^ csr.Bit(id) })
}

// Trigger sets the pending bit of id.
func (m *MessageFile) Trigger(id uint32) {
	CheckIdentity(id)
	m.win.Modify(csr.EIPSelect(id), func(v uint64) uint64 { return v | csr.Bit(id) })
}

// Clear clears the pending bit of id. Do not use it after Claim.
func (m *MessageFile) Clear(id uint32) {
	CheckIdentity(id)
	m.win.Modify(csr.EIPSelect(id), func(v uint64) uint64 { return v &^ csr.Bit(id) })
}

// Enabled reports the enable bit of id.
func (m *MessageFile) Enabled(id uint32) bool {
	CheckIdentity(id)
	return m.win.Read(csr.EIESelect(id))&csr.Bit(id) != 0
}

// Pending reports the pending bit of id.
func (m *MessageFile) Pending(id uint32) bool {
	CheckIdentity(id)
	return m.win.Read(csr.EIPSelect(id))&csr.Bit(id) != 0
}

// Top returns the identity Claim would return, without claiming it.
func (m *MessageFile) Top() uint32 {
	return topIdentity(m.win.Top())
}

// Claim returns and clears the highest-priority eligible identity, or 0.
func (m *MessageFile) Claim() uint32 {
	return topIdentity(m.win.SwapTop())
}

func topIdentity(topei uint64) uint32 {
	return uint32(topei>>16) & 0x7ff
}

// TriggerMMIO raises id by writing it to the file's seteipnum register,
// the same path a device MSI takes.
func TriggerMMIO(acc mmio.Accessor, page uint64, id uint32) error {
	CheckIdentity(id)
	if err := acc.Write32(page, id); err != nil {
		return fmt.Errorf("imsic: seteipnum %#x: %w", page, err)
	}
	return nil
}

// Config is the boot-time setup of one interrupt file.
type Config struct {
	Threshold uint32
	Enable    []uint32
}

// Setup enables delivery, applies cfg and logs the result.
func (m *MessageFile) Setup(cfg Config) {
	m.SetDelivery(true)
	m.SetThreshold(cfg.Threshold)
	for _, id := range cfg.Enable {
		m.Enable(id)
	}
	slog.Debug("imsic: file configured", "level", m.Level(), "threshold", cfg.Threshold, "enabled", cfg.Enable)
}

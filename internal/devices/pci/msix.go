package pci

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	capMSIX = 0x11

	msixEnable       = 1 << 15
	msixFunctionMask = 1 << 14

	msixEntrySize   = 16
	msixVectorMask  = 1 << 0
	msixMaxEntries  = 2048
	msixPBAWordSize = 8
)

// MSIWriter delivers message-signaled interrupts, normally onto the bus.
type MSIWriter interface {
	Write32(addr uint64, value uint32) error
}

// MSIXConfig places the MSI-X table and PBA inside one of the function's
// memory BARs.
type MSIXConfig struct {
	TableSize   int
	BAR         int
	TableOffset uint32
	PBAOffset   uint32
}

type msixState struct {
	cfg  MSIXConfig
	size int

	mu    sync.Mutex
	table []uint32
	pba   []uint64
}

func newMSIX(name string, cfg MSIXConfig, bars [6]*BAR) (*msixState, error) {
	if cfg.TableSize < 1 || cfg.TableSize > msixMaxEntries {
		return nil, fmt.Errorf("pci %s: MSI-X table size %d out of range", name, cfg.TableSize)
	}
	if cfg.BAR < 0 || cfg.BAR > 5 || bars[cfg.BAR] == nil || bars[cfg.BAR].Kind == IO {
		return nil, fmt.Errorf("pci %s: MSI-X BAR%d is not a memory BAR", name, cfg.BAR)
	}
	if cfg.TableOffset&7 != 0 || cfg.PBAOffset&7 != 0 {
		return nil, fmt.Errorf("pci %s: MSI-X offsets must be 8-byte aligned", name)
	}
	words := (cfg.TableSize + 63) / 64
	end := uint64(cfg.TableOffset) + uint64(cfg.TableSize)*msixEntrySize
	if pend := uint64(cfg.PBAOffset) + uint64(words)*msixPBAWordSize; pend > end {
		end = pend
	}
	if end > uint64(bars[cfg.BAR].Size) {
		return nil, fmt.Errorf("pci %s: MSI-X structures exceed BAR%d", name, cfg.BAR)
	}
	m := &msixState{
		cfg:   cfg,
		size:  cfg.TableSize,
		table: make([]uint32, cfg.TableSize*4),
		pba:   make([]uint64, words),
	}
	for i := 0; i < cfg.TableSize; i++ {
		m.table[i*4+3] = msixVectorMask
	}
	return m, nil
}

func (m *msixState) tableEnd() uint64 {
	return uint64(m.cfg.TableOffset) + uint64(m.size)*msixEntrySize
}

func (m *msixState) read(offset uint64, size int) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case offset >= uint64(m.cfg.TableOffset) && offset < m.tableEnd():
		idx := (offset - uint64(m.cfg.TableOffset)) / 4
		v := uint64(m.table[idx])
		if size == 8 && int(idx)+1 < len(m.table) {
			v |= uint64(m.table[idx+1]) << 32
		}
		return v, true
	case offset >= uint64(m.cfg.PBAOffset) && offset < uint64(m.cfg.PBAOffset)+uint64(len(m.pba))*msixPBAWordSize:
		rel := offset - uint64(m.cfg.PBAOffset)
		v := m.pba[rel/8]
		if rel%8 == 4 {
			v >>= 32
		}
		if size == 4 {
			v &= 0xffff_ffff
		}
		return v, true
	}
	return 0, false
}

func (m *msixState) write(offset uint64, size int, value uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case offset >= uint64(m.cfg.TableOffset) && offset < m.tableEnd():
		idx := (offset - uint64(m.cfg.TableOffset)) / 4
		m.table[idx] = uint32(value)
		if size == 8 && int(idx)+1 < len(m.table) {
			m.table[idx+1] = uint32(value >> 32)
		}
		return true
	case offset >= uint64(m.cfg.PBAOffset) && offset < uint64(m.cfg.PBAOffset)+uint64(len(m.pba))*msixPBAWordSize:
		// The PBA is read-only.
		return true
	}
	return false
}

// Entry is one decoded MSI-X table entry.
type Entry struct {
	Address uint64
	Data    uint32
	Masked  bool
}

// MSIXEntry returns table entry vector as last programmed.
func (f *Function) MSIXEntry(vector int) (Entry, error) {
	m := f.msix
	if m == nil {
		return Entry{}, fmt.Errorf("pci %s: no MSI-X capability", f.name)
	}
	if vector < 0 || vector >= m.size {
		return Entry{}, fmt.Errorf("pci %s: MSI-X vector %d out of range", f.name, vector)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.table[vector*4:]
	return Entry{
		Address: uint64(e[1])<<32 | uint64(e[0]),
		Data:    e[2],
		Masked:  e[3]&msixVectorMask != 0,
	}, nil
}

// MSIXControl returns the message control word of the MSI-X capability.
func (f *Function) MSIXControl() uint16 {
	if f.msix == nil {
		return 0
	}
	return uint16(f.ReadConfig(f.msiCap+2, 2))
}

// Fire signals vector. When MSI-X is enabled, unmasked and the function
// may master the bus, the entry's message is written out; otherwise the
// vector's pending bit is set.
func (f *Function) Fire(vector int) error {
	entry, err := f.MSIXEntry(vector)
	if err != nil {
		return err
	}
	f.mu.Lock()
	ctl := binary.LittleEndian.Uint16(f.space[f.msiCap+2:])
	master := f.space[RegCommand]&CommandBusMaster != 0
	out := f.out
	f.mu.Unlock()

	m := f.msix
	if ctl&msixEnable == 0 || ctl&msixFunctionMask != 0 || entry.Masked || !master || out == nil {
		m.mu.Lock()
		m.pba[vector/64] |= 1 << (vector % 64)
		m.mu.Unlock()
		return nil
	}
	m.mu.Lock()
	m.pba[vector/64] &^= 1 << (vector % 64)
	m.mu.Unlock()
	if err := out.Write32(entry.Address, entry.Data); err != nil {
		return fmt.Errorf("pci %s: MSI-X vector %d: %w", f.name, vector, err)
	}
	return nil
}

// MSIXPending reports the PBA bit of vector.
func (f *Function) MSIXPending(vector int) bool {
	m := f.msix
	if m == nil || vector < 0 || vector >= m.size {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pba[vector/64]&(1<<(vector%64)) != 0
}

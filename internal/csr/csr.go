// Package csr models the indirect CSR window used to reach the AIA
// interrupt files: a select register names an internal register and a
// shared data register reads or writes it.
package csr

import (
	"fmt"
	"sync"
)

// Level is the privilege level an interrupt file belongs to.
type Level int

const (
	Machine Level = iota
	Supervisor
)

func (l Level) String() string {
	switch l {
	case Machine:
		return "M"
	case Supervisor:
		return "S"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Identity is the numeric CSR address of one of the registers this package
// knows how to reach. The set is closed.
type Identity uint16

const (
	MISelect Identity = 0x350
	MIReg    Identity = 0x351
	MTopEI   Identity = 0x35C
	MTopI    Identity = 0xFB0

	SISelect Identity = 0x150
	SIReg    Identity = 0x151
	STopEI   Identity = 0x15C
	STopI    Identity = 0xDB0
)

func (id Identity) String() string {
	switch id {
	case MISelect:
		return "miselect"
	case MIReg:
		return "mireg"
	case MTopEI:
		return "mtopei"
	case MTopI:
		return "mtopi"
	case SISelect:
		return "siselect"
	case SIReg:
		return "sireg"
	case STopEI:
		return "stopei"
	case STopI:
		return "stopi"
	default:
		return fmt.Sprintf("csr(%#x)", uint16(id))
	}
}

// Valid reports whether id is one of the known identities.
func (id Identity) Valid() bool {
	switch id {
	case MISelect, MIReg, MTopEI, MTopI, SISelect, SIReg, STopEI, STopI:
		return true
	}
	return false
}

// Level returns the privilege level that owns id.
func (id Identity) Level() Level {
	if (id>>8)&3 == 3 {
		return Machine
	}
	return Supervisor
}

// File is a hart's CSR space restricted to the identities above.
// Implementations panic on an identity they do not recognise.
type File interface {
	ReadCSR(id Identity) uint64
	WriteCSR(id Identity, value uint64)
	// SwapCSR writes value and returns the previous contents atomically.
	SwapCSR(id Identity, value uint64) uint64
}

// Indirect register selects (written into miselect/siselect).
const (
	EIDelivery  = 0x70
	EIThreshold = 0x72
	EIP0        = 0x80
	EIE0        = 0xC0

	eiLast = 0xFF
)

// XLEN is the width of one eip/eie word. On RV64 the odd-numbered selects
// do not exist; word k lives at base + 2*k.
const XLEN = 64

// EIPSelect returns the select value of the eip word holding id.
func EIPSelect(id uint32) uint64 {
	return EIP0 + 2*uint64(id/XLEN)
}

// EIESelect returns the select value of the eie word holding id.
func EIESelect(id uint32) uint64 {
	return EIE0 + 2*uint64(id/XLEN)
}

// Bit returns the mask of id within its eip/eie word.
func Bit(id uint32) uint64 {
	return 1 << (id % XLEN)
}

// ValidSelect reports whether sel names a register behind the window.
func ValidSelect(sel uint64) bool {
	switch {
	case sel == EIDelivery, sel == EIThreshold:
		return true
	case sel >= EIP0 && sel <= eiLast:
		return sel%2 == 0
	default:
		return false
	}
}

// Window is the select/data register pair of one privilege level.
type Window struct {
	file  File
	level Level

	sel   Identity
	reg   Identity
	topei Identity

	// select-then-data is a two step sequence
	mu sync.Mutex
}

// NewWindow binds the window of level on f.
func NewWindow(f File, level Level) *Window {
	w := &Window{file: f, level: level}
	switch level {
	case Machine:
		w.sel, w.reg, w.topei = MISelect, MIReg, MTopEI
	case Supervisor:
		w.sel, w.reg, w.topei = SISelect, SIReg, STopEI
	default:
		panic(fmt.Sprintf("csr: unknown privilege level %d", int(level)))
	}
	return w
}

// Level returns the privilege level of the window.
func (w *Window) Level() Level {
	return w.level
}

func mustSelect(sel uint64) {
	if !ValidSelect(sel) {
		panic(fmt.Sprintf("csr: unknown indirect select %#x", sel))
	}
}

// Read selects sel and returns the data register.
func (w *Window) Read(sel uint64) uint64 {
	mustSelect(sel)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.file.WriteCSR(w.sel, sel)
	return w.file.ReadCSR(w.reg)
}

// Write selects sel and stores value through the data register.
func (w *Window) Write(sel, value uint64) {
	mustSelect(sel)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.file.WriteCSR(w.sel, sel)
	w.file.WriteCSR(w.reg, value)
}

// Modify performs a read-modify-write of sel without releasing the window
// between the read and the write.
func (w *Window) Modify(sel uint64, fn func(uint64) uint64) {
	mustSelect(sel)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.file.WriteCSR(w.sel, sel)
	cur := w.file.ReadCSR(w.reg)
	w.file.WriteCSR(w.reg, fn(cur))
}

// Top reads the top external interrupt register without claiming.
func (w *Window) Top() uint64 {
	return w.file.ReadCSR(w.topei)
}

// SwapTop claims the top external interrupt (csrrw topei, zero).
func (w *Window) SwapTop() uint64 {
	return w.file.SwapCSR(w.topei, 0)
}

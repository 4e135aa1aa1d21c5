package machine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/rvaia/internal/csr"
	"github.com/tinyrange/rvaia/internal/devices/imsic"
	"github.com/tinyrange/rvaia/internal/trap"
)

// Pending interrupt bits of mip.
const (
	MIPSEIP = 1 << trap.CodeSupervisorExternal
	MIPMEIP = 1 << trap.CodeMachineExternal
)

// Hart is the architectural state the drivers see: the AIA CSRs backed by
// the hart's interrupt files, the external interrupt bits of mip, a latch
// for synchronous traps and the halt state.
type Hart struct {
	id    int
	files [2]*imsic.File

	mu     sync.Mutex
	selM   uint64
	selS   uint64
	traps  []trap.Frame
	reason error

	mip    atomic.Uint64
	halted atomic.Bool
	wake   chan struct{}
}

func newHart(id int, m *imsic.IMSIC) *Hart {
	h := &Hart{id: id, wake: make(chan struct{}, 1)}
	for _, level := range []csr.Level{csr.Machine, csr.Supervisor} {
		f := m.File(id, level)
		h.files[level] = f
		bit := uint64(MIPMEIP)
		if level == csr.Supervisor {
			bit = MIPSEIP
		}
		f.OnChange(func(on bool) { h.setPending(bit, on) })
	}
	return h
}

// ID returns the hart index.
func (h *Hart) ID() int {
	return h.id
}

// MIP returns the external interrupt bits currently asserted.
func (h *Hart) MIP() uint64 {
	return h.mip.Load()
}

func (h *Hart) setPending(bit uint64, on bool) {
	for {
		old := h.mip.Load()
		next := old &^ bit
		if on {
			next |= bit
		}
		if h.mip.CompareAndSwap(old, next) {
			break
		}
	}
	if on {
		h.kick()
	}
}

func (h *Hart) kick() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hart) file(id csr.Identity) *imsic.File {
	return h.files[id.Level()]
}

func (h *Hart) selectReg(level csr.Level) *uint64 {
	if level == csr.Machine {
		return &h.selM
	}
	return &h.selS
}

func mustIdentity(id csr.Identity) {
	if !id.Valid() {
		panic(fmt.Sprintf("machine: access to unknown csr %s", id))
	}
}

// ReadCSR implements csr.File.
func (h *Hart) ReadCSR(id csr.Identity) uint64 {
	mustIdentity(id)
	switch id {
	case csr.MISelect, csr.SISelect:
		h.mu.Lock()
		defer h.mu.Unlock()
		return *h.selectReg(id.Level())
	case csr.MIReg, csr.SIReg:
		h.mu.Lock()
		sel := *h.selectReg(id.Level())
		h.mu.Unlock()
		v, err := h.file(id).ReadReg(sel)
		if err != nil {
			panic(err)
		}
		return v
	case csr.MTopEI, csr.STopEI:
		return h.file(id).Top()
	default:
		return h.topi(id.Level())
	}
}

// WriteCSR implements csr.File. Writing topei claims the top identity.
func (h *Hart) WriteCSR(id csr.Identity, value uint64) {
	h.SwapCSR(id, value)
}

// SwapCSR implements csr.File.
func (h *Hart) SwapCSR(id csr.Identity, value uint64) uint64 {
	mustIdentity(id)
	switch id {
	case csr.MISelect, csr.SISelect:
		h.mu.Lock()
		defer h.mu.Unlock()
		reg := h.selectReg(id.Level())
		old := *reg
		*reg = value
		return old
	case csr.MIReg, csr.SIReg:
		h.mu.Lock()
		sel := *h.selectReg(id.Level())
		h.mu.Unlock()
		f := h.file(id)
		old, err := f.ReadReg(sel)
		if err != nil {
			panic(err)
		}
		if err := f.WriteReg(sel, value); err != nil {
			panic(err)
		}
		return old
	case csr.MTopEI, csr.STopEI:
		return h.file(id).Claim()
	default:
		// topi is read-only
		return h.topi(id.Level())
	}
}

// topi reports the major interrupt the level would take: the cause code in
// bits 27:16 and priority 1.
func (h *Hart) topi(level csr.Level) uint64 {
	mip := h.mip.Load()
	switch {
	case level == csr.Machine && mip&MIPMEIP != 0:
		return trap.CodeMachineExternal<<16 | 1
	case level == csr.Supervisor && mip&MIPSEIP != 0:
		return trap.CodeSupervisorExternal<<16 | 1
	}
	return 0
}

// Raise latches a synchronous trap to be taken on the next step.
func (h *Hart) Raise(f trap.Frame) {
	h.mu.Lock()
	h.traps = append(h.traps, f)
	h.mu.Unlock()
	h.kick()
}

// Halt implements trap.Halter. Only the first reason is kept.
func (h *Hart) Halt(reason error) {
	h.mu.Lock()
	if h.reason == nil {
		h.reason = reason
	}
	h.mu.Unlock()
	h.halted.Store(true)
	h.kick()
}

// Halted returns whether the hart has stopped and why.
func (h *Hart) Halted() (bool, error) {
	if !h.halted.Load() {
		return false, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return true, h.reason
}

// next returns the trap the hart should take now, machine external
// interrupts ahead of supervisor ones and latched exceptions ahead of both.
func (h *Hart) next() (trap.Frame, bool) {
	h.mu.Lock()
	if len(h.traps) > 0 {
		f := h.traps[0]
		h.traps = h.traps[1:]
		h.mu.Unlock()
		return f, true
	}
	h.mu.Unlock()

	mip := h.mip.Load()
	switch {
	case mip&MIPMEIP != 0:
		return trap.Frame{Cause: trap.InterruptCause(trap.CodeMachineExternal)}, true
	case mip&MIPSEIP != 0:
		return trap.Frame{Cause: trap.InterruptCause(trap.CodeSupervisorExternal)}, true
	}
	return trap.Frame{}, false
}

// Package trap classifies a taken trap and routes external interrupts to
// the interrupt file of the matching privilege level.
package trap

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/rvaia/internal/csr"
)

const interruptBit = uint64(1) << 63

// Interrupt cause codes (low byte of the cause register).
const (
	CodeSupervisorSoftware = 1
	CodeMachineSoftware    = 3
	CodeSupervisorTimer    = 5
	CodeMachineTimer       = 7
	CodeSupervisorExternal = 9
	CodeMachineExternal    = 11
)

// InterruptCause returns the cause register value of interrupt code.
func InterruptCause(code uint64) uint64 {
	return interruptBit | code
}

// Frame is what the trap entry code hands over: the cause, the faulting
// instruction address and the trap value.
type Frame struct {
	Cause uint64
	EPC   uint64
	TVal  uint64
}

// Interrupt reports whether the trap is asynchronous.
func (f Frame) Interrupt() bool {
	return f.Cause&interruptBit != 0
}

// Code returns the dispatch code.
func (f Frame) Code() uint64 {
	return f.Cause & 0xff
}

var exceptionNames = map[uint64]string{
	0:  "instruction address misaligned",
	1:  "instruction access fault",
	2:  "illegal instruction",
	3:  "breakpoint",
	4:  "load address misaligned",
	5:  "load access fault",
	6:  "store address misaligned",
	7:  "store access fault",
	8:  "ecall from U",
	9:  "ecall from S",
	11: "ecall from M",
	12: "instruction page fault",
	13: "load page fault",
	15: "store page fault",
}

// Exception is the diagnostic a synchronous trap halts the hart with.
type Exception struct {
	Frame
}

func (e Exception) Error() string {
	name, ok := exceptionNames[e.Code()]
	if !ok {
		name = "unknown"
	}
	return fmt.Sprintf("exception %d (%s) @ 0x%08x: 0x%08x", e.Cause, name, e.EPC, e.TVal)
}

// Claimer is an interrupt file as seen by the dispatcher.
type Claimer interface {
	Claim() uint32
}

// Handler services one claimed identity.
type Handler func(id uint32)

// Halter stops the hart for good.
type Halter interface {
	Halt(reason error)
}

// Stats counts what the dispatcher has seen.
type Stats struct {
	Handled    uint64
	Spurious   uint64
	Unknown    uint64
	Exceptions uint64
}

// Dispatcher routes traps. Handlers run to completion; traps do not nest.
type Dispatcher struct {
	halter   Halter
	files    map[csr.Level]Claimer
	handlers map[uint32]Handler

	handled    atomic.Uint64
	spurious   atomic.Uint64
	unknown    atomic.Uint64
	exceptions atomic.Uint64
}

// New returns a dispatcher that halts through h.
func New(h Halter) *Dispatcher {
	return &Dispatcher{
		halter:   h,
		files:    make(map[csr.Level]Claimer),
		handlers: make(map[uint32]Handler),
	}
}

// Attach routes external interrupts of level to c.
func (d *Dispatcher) Attach(level csr.Level, c Claimer) {
	d.files[level] = c
}

// Handle registers h for identity id, replacing any previous handler.
func (d *Dispatcher) Handle(id uint32, h Handler) {
	d.handlers[id] = h
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Handled:    d.handled.Load(),
		Spurious:   d.spurious.Load(),
		Unknown:    d.unknown.Load(),
		Exceptions: d.exceptions.Load(),
	}
}

// Dispatch handles one trap.
func (d *Dispatcher) Dispatch(f Frame) {
	if !f.Interrupt() {
		d.exceptions.Add(1)
		err := Exception{Frame: f}
		slog.Error("trap: fatal exception", "cause", f.Cause, "epc", fmt.Sprintf("%#x", f.EPC), "tval", fmt.Sprintf("%#x", f.TVal), "err", err)
		d.halter.Halt(err)
		return
	}

	switch code := f.Code(); code {
	case CodeSupervisorExternal:
		d.external(csr.Supervisor)
	case CodeMachineExternal:
		d.external(csr.Machine)
	default:
		d.unknown.Add(1)
		slog.Warn("trap: unknown interrupt", "cause", fmt.Sprintf("%#x", f.Cause), "code", code)
	}
}

func (d *Dispatcher) external(level csr.Level) {
	file, ok := d.files[level]
	if !ok {
		d.unknown.Add(1)
		slog.Warn("trap: external interrupt with no file attached", "level", level)
		return
	}
	id := file.Claim()
	if id == 0 {
		d.spurious.Add(1)
		slog.Debug("trap: spurious external interrupt", "level", level)
		return
	}
	h, ok := d.handlers[id]
	if !ok {
		d.unknown.Add(1)
		slog.Warn("trap: unknown msi", "level", level, "id", id)
		return
	}
	d.handled.Add(1)
	h(id)
}

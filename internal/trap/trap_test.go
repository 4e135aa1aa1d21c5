package trap

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/rvaia/internal/csr"
)

type queueClaimer struct {
	ids    []uint32
	claims int
}

func (q *queueClaimer) Claim() uint32 {
	q.claims++
	if len(q.ids) == 0 {
		return 0
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id
}

type recordingHalter struct {
	reasons []error
}

func (h *recordingHalter) Halt(reason error) {
	h.reasons = append(h.reasons, reason)
}

func TestFrameClassification(t *testing.T) {
	tests := []struct {
		cause     uint64
		interrupt bool
		code      uint64
	}{
		{cause: InterruptCause(CodeMachineExternal), interrupt: true, code: 11},
		{cause: InterruptCause(CodeSupervisorExternal), interrupt: true, code: 9},
		{cause: 2, interrupt: false, code: 2},
		{cause: 1<<63 | 0x10b, interrupt: true, code: 0x0b},
	}
	for _, tt := range tests {
		f := Frame{Cause: tt.cause}
		if f.Interrupt() != tt.interrupt || f.Code() != tt.code {
			t.Errorf("cause %#x: interrupt=%v code=%d, want %v %d", tt.cause, f.Interrupt(), f.Code(), tt.interrupt, tt.code)
		}
	}
}

func TestExternalInterruptRoutesByLevel(t *testing.T) {
	halter := &recordingHalter{}
	d := New(halter)

	m := &queueClaimer{ids: []uint32{4}}
	s := &queueClaimer{ids: []uint32{10}}
	d.Attach(csr.Machine, m)
	d.Attach(csr.Supervisor, s)

	var got []uint32
	d.Handle(4, func(id uint32) { got = append(got, id) })
	d.Handle(10, func(id uint32) { got = append(got, id+100) })

	d.Dispatch(Frame{Cause: InterruptCause(CodeSupervisorExternal)})
	d.Dispatch(Frame{Cause: InterruptCause(CodeMachineExternal)})

	if len(got) != 2 || got[0] != 110 || got[1] != 4 {
		t.Fatalf("handled = %v, want [110 4]", got)
	}
	if m.claims != 1 || s.claims != 1 {
		t.Fatalf("claims m=%d s=%d, want 1 each", m.claims, s.claims)
	}
	if len(halter.reasons) != 0 {
		t.Fatalf("unexpected halt: %v", halter.reasons)
	}
	if st := d.Stats(); st.Handled != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSpuriousAndUnknownAreNotFatal(t *testing.T) {
	halter := &recordingHalter{}
	d := New(halter)
	d.Attach(csr.Machine, &queueClaimer{ids: []uint32{0, 77}})

	d.Dispatch(Frame{Cause: InterruptCause(CodeMachineExternal)})
	d.Dispatch(Frame{Cause: InterruptCause(CodeMachineExternal)})
	d.Dispatch(Frame{Cause: InterruptCause(CodeMachineTimer)})

	st := d.Stats()
	if st.Spurious != 1 || st.Unknown != 2 || st.Handled != 0 {
		t.Fatalf("stats = %+v, want 1 spurious and 2 unknown", st)
	}
	if len(halter.reasons) != 0 {
		t.Fatalf("interrupts must not halt, got %v", halter.reasons)
	}
}

func TestExceptionHalts(t *testing.T) {
	halter := &recordingHalter{}
	d := New(halter)
	claimer := &queueClaimer{ids: []uint32{10}}
	d.Attach(csr.Machine, claimer)

	d.Dispatch(Frame{Cause: 2, EPC: 0x8000_1234, TVal: 0x30500073})

	if len(halter.reasons) != 1 {
		t.Fatalf("halts = %d, want 1", len(halter.reasons))
	}
	var exc Exception
	if !errors.As(halter.reasons[0], &exc) {
		t.Fatalf("halt reason %T, want Exception", halter.reasons[0])
	}
	msg := exc.Error()
	for _, want := range []string{"illegal instruction", "0x80001234", "0x30500073"} {
		if !strings.Contains(msg, want) {
			t.Errorf("diagnostic %q missing %q", msg, want)
		}
	}
	if claimer.claims != 0 {
		t.Fatalf("exception must not claim from the interrupt file")
	}
}

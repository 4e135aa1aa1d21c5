package chipset

import "testing"

type event struct {
	line  uint32
	level bool
}

type recordingSink struct {
	events []event
}

func (s *recordingSink) SetIRQ(line uint32, level bool) {
	s.events = append(s.events, event{line, level})
}

func TestLineSetForwardsEdgesOnly(t *testing.T) {
	sink := &recordingSink{}
	set := NewLineSet(sink)
	uart := set.AllocateLine(10)

	uart.SetLevel(true)
	uart.SetLevel(true)
	uart.SetLevel(false)

	want := []event{{10, true}, {10, false}}
	if len(sink.events) != len(want) {
		t.Fatalf("events = %v, want %v", sink.events, want)
	}
	for i := range want {
		if sink.events[i] != want[i] {
			t.Fatalf("event %d = %v, want %v", i, sink.events[i], want[i])
		}
	}
}

func TestLineSetPulse(t *testing.T) {
	sink := &recordingSink{}
	set := NewLineSet(sink)
	set.AllocateLine(33).PulseInterrupt()

	if len(sink.events) != 2 || !sink.events[0].level || sink.events[1].level {
		t.Fatalf("pulse events = %v", sink.events)
	}
	if set.Level(33) {
		t.Fatalf("pulse must leave the line low")
	}
}

func TestLinesSorted(t *testing.T) {
	set := NewLineSet(nil)
	set.AllocateLine(10)
	set.AllocateLine(3)
	set.AllocateLine(7)
	got := set.Lines()
	if len(got) != 3 || got[0] != 3 || got[1] != 7 || got[2] != 10 {
		t.Fatalf("Lines() = %v", got)
	}
}

func TestLineInterruptFromFunc(t *testing.T) {
	var levels []bool
	line := LineInterruptFromFunc(func(level bool) { levels = append(levels, level) })
	line.SetLevel(true)
	line.PulseInterrupt()
	if len(levels) != 3 || !levels[0] || !levels[1] || levels[2] {
		t.Fatalf("levels = %v", levels)
	}

	// a nil function drops everything
	LineInterruptFromFunc(nil).PulseInterrupt()
}

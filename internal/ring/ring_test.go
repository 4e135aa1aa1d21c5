package ring

import "testing"

func TestPushRejectsWhenFull(t *testing.T) {
	var b Buffer
	for i := 0; i < Size-1; i++ {
		if !b.Push(byte(i)) {
			t.Fatalf("push %d rejected", i)
		}
	}
	if b.Push(0xff) {
		t.Fatalf("push past %d bytes accepted", Size-1)
	}
	if b.Len() != Size-1 {
		t.Fatalf("len = %d, want %d", b.Len(), Size-1)
	}
	for i := 0; i < Size-1; i++ {
		c, ok := b.Pop()
		if !ok || c != byte(i) {
			t.Fatalf("pop %d = %d, %v", i, c, ok)
		}
	}
	if _, ok := b.Pop(); ok {
		t.Fatalf("pop from empty buffer succeeded")
	}
}

func TestWrapAround(t *testing.T) {
	var b Buffer
	for round := 0; round < 3*Size; round++ {
		if !b.Push(byte(round)) || !b.Push(byte(round+1)) {
			t.Fatalf("round %d: push failed", round)
		}
		for _, want := range []byte{byte(round), byte(round + 1)} {
			if c, ok := b.Pop(); !ok || c != want {
				t.Fatalf("round %d: pop = %d, %v, want %d", round, c, ok, want)
			}
		}
	}
}

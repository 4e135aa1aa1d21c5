package page

import (
	"errors"
	"testing"
)

func TestAllocUntilExhausted(t *testing.T) {
	a, err := New(0x8020_0123, 0x8020_4000)
	if err != nil {
		t.Fatal(err)
	}
	if a.Remaining() != 3 {
		t.Fatalf("remaining = %d, want 3", a.Remaining())
	}
	for _, want := range []uint64{0x8020_1000, 0x8020_2000, 0x8020_3000} {
		p, err := a.Alloc()
		if err != nil || p != want {
			t.Fatalf("alloc = %#x, %v, want %#x", p, err, want)
		}
	}
	if _, err := a.Alloc(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("alloc past end = %v", err)
	}
	if a.Remaining() != 0 {
		t.Fatalf("remaining = %d", a.Remaining())
	}
}

func TestEmptyExtent(t *testing.T) {
	if _, err := New(0x9000, 0x8000); err == nil {
		t.Fatalf("inverted extent accepted")
	}
}

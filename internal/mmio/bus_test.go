package mmio

import (
	"errors"
	"testing"
)

func TestBusRoutesToMappedDevice(t *testing.T) {
	bus := NewBus()
	ram := NewRegion(0x1000)
	if err := bus.Map("ram", 0x8000_0000, ram); err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := bus.Write32(0x8000_0010, 0xdeadbeef); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := bus.Read32(0x8000_0010)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("read back %#x, want 0xdeadbeef", v)
	}
	b, _ := bus.Read8(0x8000_0010)
	if b != 0xef {
		t.Fatalf("low byte %#x, want 0xef (little endian)", b)
	}

	if _, err := bus.Read32(0x7fff_fffe); err == nil {
		t.Fatalf("expected error for unmapped access")
	}
	if _, err := bus.Read64(0x8000_0ffc); err == nil {
		t.Fatalf("expected error for access straddling the window end")
	}
}

func TestBusRejectsOverlap(t *testing.T) {
	bus := NewBus()
	if err := bus.Map("a", 0x1000, NewRegion(0x1000)); err != nil {
		t.Fatalf("map a: %v", err)
	}
	if err := bus.Map("b", 0x1800, NewRegion(0x1000)); err == nil {
		t.Fatalf("expected overlap error")
	}
	if err := bus.Map("c", 0x2000, NewRegion(0x1000)); err != nil {
		t.Fatalf("adjacent map: %v", err)
	}
}

func TestClaimRejectsAlias(t *testing.T) {
	bus := NewBus()
	defer Release(bus)

	if err := Claim(bus, 0x0c00_0000, 0x8000, "aplic-root"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err := Claim(bus, 0x0c00_4000, 0x20, "idc")
	if !errors.Is(err, ErrAliased) {
		t.Fatalf("second claim error = %v, want ErrAliased", err)
	}

	other := NewBus()
	defer Release(other)
	if err := Claim(other, 0x0c00_0000, 0x8000, "aplic-root"); err != nil {
		t.Fatalf("claim on a different bus: %v", err)
	}

	Release(bus)
	if err := Claim(bus, 0x0c00_0000, 0x8000, "aplic-root"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

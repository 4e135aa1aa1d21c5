package pci

import (
	"testing"
)

type msiRecord struct {
	addr uint64
	data uint32
}

type recordingMSI struct {
	writes []msiRecord
}

func (r *recordingMSI) Write32(addr uint64, value uint32) error {
	r.writes = append(r.writes, msiRecord{addr, value})
	return nil
}

func ecam(bus, slot uint8, reg uint64) uint64 {
	return uint64(bus)<<20 | uint64(slot)<<15 | reg
}

func mustRead(t *testing.T, h *HostBridge, off uint64, size int) uint64 {
	t.Helper()
	v, err := h.Read(off, size)
	if err != nil {
		t.Fatalf("read %#x: %v", off, err)
	}
	return v
}

func mustWrite(t *testing.T, h *HostBridge, off uint64, size int, v uint64) {
	t.Helper()
	if err := h.Write(off, size, v); err != nil {
		t.Fatalf("write %#x: %v", off, err)
	}
}

func TestEmptySlotReadsAllOnes(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{MaxBus: 4})
	if v := mustRead(t, h, ecam(0, 5, RegVendorID), 2); v != 0xffff {
		t.Fatalf("vendor = %#x, want 0xffff", v)
	}
	if v := mustRead(t, h, ecam(0, 0, RegVendorID), 2); v != VendorRedHat {
		t.Fatalf("root vendor = %#x", v)
	}
}

func TestBARSizingReadback(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{MaxBus: 4})
	fn, err := NewFunction("dev", FunctionConfig{
		VendorID: 0x1234, DeviceID: 0x5678,
		BARs: [6]*BAR{
			0: {Size: 0x1000, Kind: Mem32},
			1: {Size: 0x4000, Kind: Mem64, Prefetch: true},
			3: {Size: 0x20, Kind: IO},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Register(Location{Bus: 0, Slot: 1}, fn); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		bar  uint64
		want uint64
	}{
		{0, 0xFFFF_F000},
		{1, 0xFFFF_C000 | 0b1100},
		{2, 0xFFFF_FFFF},
		{3, 0xFFFF_FFE0 | 1},
		{4, 0},
	}
	for _, tt := range tests {
		off := ecam(0, 1, RegBAR0+4*tt.bar)
		mustWrite(t, h, off, 4, 0xFFFF_FFFF)
		if got := mustRead(t, h, off, 4); got != tt.want {
			t.Errorf("BAR%d readback = %#x, want %#x", tt.bar, got, tt.want)
		}
	}

	mustWrite(t, h, ecam(0, 1, RegBAR0+4), 4, 0x4001_8000)
	mustWrite(t, h, ecam(0, 1, RegBAR0+8), 4, 0x1)
	if got := fn.BARAddress(1); got != 0x1_4001_8000 {
		t.Fatalf("BAR1 address = %#x", got)
	}
}

func TestMSIXFireRequiresEnable(t *testing.T) {
	msi := &recordingMSI{}
	h := NewHostBridge(HostBridgeConfig{MaxBus: 4, MSI: msi})
	n := NewNVMe("nvme", DefaultNVMeCAP, DefaultNVMeVS)
	if err := h.Register(Location{Bus: 1, Slot: 0}, n.Function); err != nil {
		t.Fatal(err)
	}

	// Walk to the MSI-X capability.
	if st := mustRead(t, h, ecam(1, 0, RegStatus), 2); st&StatusCapList == 0 {
		t.Fatalf("status = %#x, capability list missing", st)
	}
	ptr := mustRead(t, h, ecam(1, 0, RegCapPtr), 1)
	if id := mustRead(t, h, ecam(1, 0, ptr), 1); id != capPowerManagement {
		t.Fatalf("first capability = %#x", id)
	}
	ptr = mustRead(t, h, ecam(1, 0, ptr+1), 1)
	if id := mustRead(t, h, ecam(1, 0, ptr), 1); id != capMSIX {
		t.Fatalf("second capability = %#x", id)
	}
	if ctl := mustRead(t, h, ecam(1, 0, ptr+2), 2); ctl&0x7ff != nvmeVectors-1 {
		t.Fatalf("table size field = %#x", ctl)
	}

	// Place BAR0 and program vector 0 through the aperture.
	mustWrite(t, h, ecam(1, 0, RegBAR0), 4, 0x4010_0000)
	mustWrite(t, h, ecam(1, 0, RegBAR0+4), 4, 0)
	mustWrite(t, h, ecam(1, 0, RegCommand), 2, CommandMemory|CommandBusMaster)
	win := h.MemoryWindow()
	base := uint64(0x10_0000)
	if err := win.Write(base+nvmeTableOffset, 4, 0x2400_0000); err != nil {
		t.Fatal(err)
	}
	_ = win.Write(base+nvmeTableOffset+8, 4, 3)
	_ = win.Write(base+nvmeTableOffset+12, 4, 0)

	if err := n.Fire(0); err != nil {
		t.Fatal(err)
	}
	if len(msi.writes) != 0 || !n.MSIXPending(0) {
		t.Fatalf("fired while MSI-X disabled: %v", msi.writes)
	}

	mustWrite(t, h, ecam(1, 0, ptr+2), 2, msixEnable)
	if err := n.Fire(0); err != nil {
		t.Fatal(err)
	}
	if len(msi.writes) != 1 || msi.writes[0] != (msiRecord{0x2400_0000, 3}) {
		t.Fatalf("msi writes = %v", msi.writes)
	}
	if n.MSIXPending(0) {
		t.Fatalf("pending bit left set after delivery")
	}

	vs, err := win.Read(base+NVMeVS, 4)
	if err != nil || vs != DefaultNVMeVS {
		t.Fatalf("VS = %#x, %v", vs, err)
	}
}

func TestBridgeRegistersWritable(t *testing.T) {
	h := NewHostBridge(HostBridgeConfig{MaxBus: 4})
	if err := h.Register(Location{Bus: 0, Slot: 2}, NewBridge("bridge")); err != nil {
		t.Fatal(err)
	}
	if ht := mustRead(t, h, ecam(0, 2, RegHeaderType), 1); ht != HeaderBridge {
		t.Fatalf("header type = %d", ht)
	}
	mustWrite(t, h, ecam(0, 2, RegSecondaryBus), 1, 2)
	mustWrite(t, h, ecam(0, 2, RegMemoryBase), 2, 0x4020)
	if v := mustRead(t, h, ecam(0, 2, RegSecondaryBus), 1); v != 2 {
		t.Fatalf("secondary bus = %d", v)
	}
	if v := mustRead(t, h, ecam(0, 2, RegMemoryBase), 2); v != 0x4020 {
		t.Fatalf("memory base = %#x", v)
	}
}

package platform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/rvaia/internal/fdt"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default layout: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	l, err := Parse([]byte("harts: 2\nuart_irq: 12\n"))
	if err != nil {
		t.Fatal(err)
	}
	if l.Harts != 2 || l.UARTIRQ != 12 {
		t.Fatalf("override not applied: %+v", l)
	}
	if l.APLICM != Default().APLICM {
		t.Fatalf("aplic_m changed to %#x", l.APLICM)
	}
}

func TestInvalidLayouts(t *testing.T) {
	for _, tt := range []struct {
		name string
		doc  string
		want string
	}{
		{"no harts", "harts: 0", "harts"},
		{"irq too low", "uart_irq: 1", "uart_irq"},
		{"irq too high", "uart_irq: 1024", "uart_irq"},
		{"unaligned imsic", "imsic_s: 0x28000010", "imsic_s"},
		{"bar base overlaps slot bits", "bar_base: 0x40010000", "bar_base"},
		{"pages outside ram", "pages_end: 0x90000000", "pages"},
		{"overlap", "uart_base: 0x0c000000", "overlaps"},
		{"bad yaml", "harts: [", "parse"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	l, err := Load("")
	if err != nil || l != Default() {
		t.Fatalf("empty path: %+v %v", l, err)
	}

	path := filepath.Join(t.TempDir(), "layout.yaml")
	if err := os.WriteFile(path, []byte("max_storage: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if l.MaxStorage != 2 {
		t.Fatalf("max_storage = %d", l.MaxStorage)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file loaded")
	}
}

func TestDeviceTree(t *testing.T) {
	l := Default()
	l.Harts = 2
	pcie := fdt.Node{Name: "pci@30000000"}
	root := DeviceTree(l, pcie)

	if _, err := fdt.Build(root); err != nil {
		t.Fatal(err)
	}

	aplic, ok := root.Lookup("/soc/aplic@c000000")
	if !ok {
		t.Fatalf("missing root aplic")
	}
	if got := aplic.Properties["riscv,children"].U32; len(got) != 1 || got[0] != PHandleAPLICS {
		t.Fatalf("riscv,children = %v", got)
	}

	imsic, ok := root.Lookup("/soc/imsics@28000000")
	if !ok {
		t.Fatalf("missing s-level imsic")
	}
	ext := imsic.Properties["interrupts-extended"].U32
	want := []uint32{PHandleCPUIntc, 9, PHandleCPUIntc + 1, 9}
	if len(ext) != len(want) {
		t.Fatalf("interrupts-extended = %v", ext)
	}
	for i := range want {
		if ext[i] != want[i] {
			t.Fatalf("interrupts-extended = %v, want %v", ext, want)
		}
	}

	uart, ok := root.Lookup("/soc/serial@10000000")
	if !ok {
		t.Fatalf("missing serial node")
	}
	if irq := uart.Properties["interrupts"].U32; irq[0] != l.UARTIRQ {
		t.Fatalf("uart interrupts = %v", irq)
	}
	if _, ok := root.Lookup("/soc/pci@30000000"); !ok {
		t.Fatalf("extra node not placed under /soc")
	}
	if _, ok := root.Lookup("/cpus/cpu@1/interrupt-controller"); !ok {
		t.Fatalf("missing hart 1 intc")
	}
}

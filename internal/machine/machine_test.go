package machine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/rvaia/internal/csr"
	"github.com/tinyrange/rvaia/internal/fdt"
	"github.com/tinyrange/rvaia/internal/platform"
	"github.com/tinyrange/rvaia/internal/trap"
)

func newTestMachine(t *testing.T) (*Machine, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	m, err := New(platform.Default(), &out)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m, &out
}

func expectPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	fn()
}

func TestSelectAndData(t *testing.T) {
	m, _ := newTestMachine(t)
	h := m.Hart(0)

	h.WriteCSR(csr.SISelect, csr.EIThreshold)
	h.WriteCSR(csr.SIReg, 7)
	if got := h.ReadCSR(csr.SISelect); got != csr.EIThreshold {
		t.Fatalf("siselect = %#x", got)
	}
	if got := h.ReadCSR(csr.SIReg); got != 7 {
		t.Fatalf("eithreshold = %d", got)
	}
	// the machine window has its own select
	h.WriteCSR(csr.MISelect, csr.EIThreshold)
	if got := h.ReadCSR(csr.MIReg); got != 0 {
		t.Fatalf("M eithreshold = %d", got)
	}

	h.WriteCSR(csr.SISelect, csr.EIE0)
	if old := h.SwapCSR(csr.SIReg, 0b100); old != 0 {
		t.Fatalf("swap returned %#x", old)
	}
	if old := h.SwapCSR(csr.SIReg, 0); old != 0b100 {
		t.Fatalf("swap returned %#x", old)
	}
}

func TestIllegalAccessPanics(t *testing.T) {
	m, _ := newTestMachine(t)
	h := m.Hart(0)

	expectPanic(t, "unknown identity", func() { h.ReadCSR(csr.Identity(0x300)) })
	expectPanic(t, "odd eip select", func() {
		h.WriteCSR(csr.MISelect, csr.EIP0+1)
		h.ReadCSR(csr.MIReg)
	})
	expectPanic(t, "reserved select", func() {
		h.WriteCSR(csr.SISelect, 0x71)
		h.WriteCSR(csr.SIReg, 1)
	})
}

func TestExternalInterruptBits(t *testing.T) {
	m, _ := newTestMachine(t)
	h := m.Hart(0)
	win := csr.NewWindow(h, csr.Supervisor)
	win.Write(csr.EIDelivery, 1)
	win.Write(csr.EIESelect(40), csr.Bit(40))
	win.Write(csr.EIPSelect(40), csr.Bit(40))

	if h.MIP() != MIPSEIP {
		t.Fatalf("mip = %#x, want SEIP", h.MIP())
	}
	if got := h.ReadCSR(csr.STopI); got>>16 != trap.CodeSupervisorExternal {
		t.Fatalf("stopi = %#x", got)
	}
	if got := h.ReadCSR(csr.MTopI); got != 0 {
		t.Fatalf("mtopi = %#x", got)
	}
	if got := h.ReadCSR(csr.STopEI); got != 40<<16|40 {
		t.Fatalf("stopei = %#x", got)
	}
	if got := h.SwapCSR(csr.STopEI, 0); got != 40<<16|40 {
		t.Fatalf("claim = %#x", got)
	}
	if h.MIP() != 0 {
		t.Fatalf("mip = %#x after claim", h.MIP())
	}
}

type claimer struct {
	win *csr.Window
}

func (c claimer) Claim() uint32 {
	return uint32(c.win.SwapTop() >> 16)
}

func TestStepDispatchesExternalInterrupt(t *testing.T) {
	m, _ := newTestMachine(t)
	h := m.Hart(0)
	win := csr.NewWindow(h, csr.Machine)
	win.Write(csr.EIDelivery, 1)
	win.Write(csr.EIESelect(3), csr.Bit(3))

	d := trap.New(h)
	d.Attach(csr.Machine, claimer{win})
	var got []uint32
	d.Handle(3, func(id uint32) { got = append(got, id) })

	if m.Step(d) {
		t.Fatalf("step took a trap with nothing pending")
	}
	if err := m.Bus.Write32(m.Layout.IMSICM, 3); err != nil {
		t.Fatal(err)
	}
	if !m.Step(d) {
		t.Fatalf("step did not take the interrupt")
	}
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("handled %v", got)
	}
	if m.Step(d) {
		t.Fatalf("interrupt taken twice")
	}
}

func TestRunHaltsOnException(t *testing.T) {
	m, _ := newTestMachine(t)
	h := m.Hart(0)
	d := trap.New(h)

	h.Raise(trap.Frame{Cause: 2, EPC: 0x8000_0000, TVal: 0x13})
	err := m.Run(context.Background(), d, nil)
	if !errors.Is(err, ErrHalt) {
		t.Fatalf("run returned %v", err)
	}
	var exc trap.Exception
	if !errors.As(err, &exc) || exc.EPC != 0x8000_0000 {
		t.Fatalf("halt reason %v", err)
	}
	if d.Stats().Exceptions != 1 {
		t.Fatalf("stats = %+v", d.Stats())
	}
}

func TestRunStopsOnContext(t *testing.T) {
	m, _ := newTestMachine(t)
	d := trap.New(m.Hart(0))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	polls := 0
	err := m.Run(ctx, d, func() { polls++ })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run returned %v", err)
	}
	if polls == 0 {
		t.Fatalf("poll never ran")
	}
}

func TestUARTLineReachesMessageFile(t *testing.T) {
	m, _ := newTestMachine(t)
	h := m.Hart(0)
	l := m.Layout

	// message file: delivery on, identity 10 enabled
	win := csr.NewWindow(h, csr.Supervisor)
	win.Write(csr.EIDelivery, 1)
	win.Write(csr.EIESelect(10), csr.Bit(10))

	// root and child in MSI mode, source 10 delegated and level triggered
	w32 := func(addr uint64, v uint32) {
		t.Helper()
		if err := m.Bus.Write32(addr, v); err != nil {
			t.Fatal(err)
		}
	}
	w32(l.APLICM, 1<<8|1<<2)
	w32(l.APLICS, 1<<8|1<<2)
	w32(l.APLICM+0x1BC8, uint32(l.IMSICS>>12))
	w32(l.APLICM+0x4*10, 1<<10)
	w32(l.APLICS+0x4*10, 6)
	w32(l.APLICS+0x3004+0x4*9, 10)
	w32(l.APLICS+0x1EDC, 10)

	// receive interrupt enable on the UART
	if err := m.Bus.Write8(l.UARTBase+1, 1); err != nil {
		t.Fatal(err)
	}
	m.UART.EnqueueInput([]byte("x"))

	if !m.Lines.Level(l.UARTIRQ) {
		t.Fatalf("uart line not raised")
	}
	if h.MIP()&MIPSEIP == 0 {
		t.Fatalf("SEIP not raised")
	}
	if got := win.SwapTop() >> 16; got != 10 {
		t.Fatalf("claimed %d, want 10", got)
	}
	b, err := m.Bus.Read8(l.UARTBase)
	if err != nil || b != 'x' {
		t.Fatalf("rbr = %q, %v", b, err)
	}
	if m.Lines.Level(l.UARTIRQ) {
		t.Fatalf("uart line still raised after drain")
	}
}

func TestDeviceTree(t *testing.T) {
	m, _ := newTestMachine(t)
	root := m.DeviceTree()
	blob, err := fdt.Build(root)
	if err != nil {
		t.Fatal(err)
	}
	names, err := fdt.Names(blob)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range names {
		if n == "/soc/pcie@30000000:msi-parent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("pcie node missing from %q", names)
	}
}

func TestStorageTopology(t *testing.T) {
	m, _ := newTestMachine(t)
	if len(m.Storage) != 2 {
		t.Fatalf("storage controllers = %d", len(m.Storage))
	}
	locs := m.PCI.Locations()
	if len(locs) != 4 {
		t.Fatalf("locations = %v", locs)
	}
}

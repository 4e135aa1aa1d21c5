package kernel

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	sim "github.com/tinyrange/rvaia/internal/devices/pci"
	"github.com/tinyrange/rvaia/internal/drivers/pci"
	"github.com/tinyrange/rvaia/internal/machine"
	"github.com/tinyrange/rvaia/internal/page"
	"github.com/tinyrange/rvaia/internal/platform"
)

type rig struct {
	m   *machine.Machine
	k   *Kernel
	out *bytes.Buffer
}

func newRig(t *testing.T) *rig {
	t.Helper()
	return newRigWithLayout(t, platform.Default())
}

func newRigWithLayout(t *testing.T, l platform.Layout) *rig {
	t.Helper()
	r := &rig{out: &bytes.Buffer{}}
	m, err := machine.New(l, r.out)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	r.m = m
	r.k = New(m.Bus, m.Hart(0), m.Hart(0), Config{Layout: m.Layout})
	return r
}

func bootRig(t *testing.T) *rig {
	t.Helper()
	r := newRig(t)
	if err := r.k.Boot(); err != nil {
		t.Fatal(err)
	}
	r.settle()
	return r
}

// settle takes every pending trap and runs the main loop once.
func (r *rig) settle() {
	for r.m.Step(r.k.Dispatcher()) {
	}
	r.k.Poll()
}

func TestBoot(t *testing.T) {
	r := bootRig(t)
	out := r.out.String()
	for _, want := range []string{
		"Booted on hart 0.\r\n",
		"First test triggered by MMIO write successful!\r\n",
		"Second test triggered by EIP successful!\r\n",
		Prompt,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("console output missing %q:\n%s", want, out)
		}
	}
	if got := r.k.Dispatcher().Stats().Handled; got != 2 {
		t.Errorf("handled %d interrupts, want the two self-tests", got)
	}

	if n := len(r.k.Functions()); n != 3 {
		t.Errorf("configured %d functions, want 3", n)
	}
	ctrls := r.k.Controllers()
	if len(ctrls) != 2 {
		t.Fatalf("controllers = %d", len(ctrls))
	}
	for _, c := range ctrls {
		if c.Version() != "1.4.0" || c.MaxQueueEntries() != 2048 {
			t.Errorf("controller %s: version %s, mqes %d", c.Device.Location, c.Version(), c.MaxQueueEntries())
		}
	}

	l := r.m.Layout
	if got, want := r.k.Pages().Remaining(), int((l.PagesEnd-l.PagesStart)/page.Size); got != want {
		t.Errorf("pages remaining = %d, want %d", got, want)
	}
}

func TestBootSingleBus(t *testing.T) {
	l, err := platform.Parse([]byte("pci_last_bus: 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	r := newRigWithLayout(t, l)
	if err := r.k.Boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if halted, reason := r.m.Hart(0).Halted(); halted {
		t.Fatalf("hart halted: %v", reason)
	}
	// the bridge and the storage controller on bus 0
	if n := len(r.k.Functions()); n != 2 {
		t.Errorf("configured %d functions, want 2", n)
	}
	if n := len(r.k.Controllers()); n != 1 {
		t.Errorf("controllers = %d, want 1", n)
	}
}

func TestConsoleEcho(t *testing.T) {
	r := bootRig(t)
	r.out.Reset()
	r.m.UART.EnqueueInput([]byte("hi\r"))
	r.settle()

	if got, want := r.out.String(), "hi\r\n"+Prompt; got != want {
		t.Fatalf("echo = %q, want %q", got, want)
	}
	if lines := r.k.Lines(); !reflect.DeepEqual(lines, []string{"hi"}) {
		t.Fatalf("lines = %q", lines)
	}
}

func TestConsoleEditing(t *testing.T) {
	r := bootRig(t)
	r.m.UART.EnqueueInput([]byte("\x1b[Aab\x7fc\r\nd\r"))
	r.settle()
	if lines := r.k.Lines(); !reflect.DeepEqual(lines, []string{"ac", "d"}) {
		t.Fatalf("lines = %q", lines)
	}
}

func TestConsoleSplitEscape(t *testing.T) {
	var out bytes.Buffer
	c := console{out: &out}
	c.feed([]byte("x\x1b["))
	c.feed([]byte("1;5"))
	c.feed([]byte("Cy\r"))
	if !reflect.DeepEqual(c.lines, []string{"xy"}) {
		t.Fatalf("lines = %q", c.lines)
	}
	if strings.Contains(out.String(), "\x1b") {
		t.Fatalf("escape echoed: %q", out.String())
	}
}

func TestConsoleUnterminatedEscapeIsBounded(t *testing.T) {
	var out bytes.Buffer
	c := console{out: &out}
	c.feed([]byte("\x1b["))
	for i := 0; i < 100; i++ {
		c.feed([]byte("1;"))
		if len(c.partial) > maxPartial {
			t.Fatalf("carried %d bytes after %d chunks", len(c.partial), i+1)
		}
	}
	c.feed([]byte("ok\r"))
	if n := len(c.lines); n != 1 {
		t.Fatalf("lines = %q", c.lines)
	}
	if !strings.HasSuffix(c.lines[0], "ok") {
		t.Fatalf("line = %q, want it to end in ok", c.lines[0])
	}
	if len(c.partial) != 0 {
		t.Fatalf("partial = %q after a completed line", c.partial)
	}
}

func TestInputOverflowDrops(t *testing.T) {
	r := bootRig(t)
	r.m.UART.EnqueueInput(bytes.Repeat([]byte{'a'}, 40))
	for r.m.Step(r.k.Dispatcher()) {
	}
	if got := r.k.input.Len(); got != 31 {
		t.Fatalf("queued %d bytes, want 31", got)
	}
	if got := r.k.Dropped(); got != 9 {
		t.Fatalf("dropped %d bytes, want 9", got)
	}
	r.k.Poll()
	if got := r.k.input.Len(); got != 0 {
		t.Fatalf("queue not drained: %d", got)
	}
}

func TestMSIXReachesHandler(t *testing.T) {
	r := bootRig(t)
	if err := r.m.Storage[0].Fire(0); err != nil {
		t.Fatal(err)
	}
	r.settle()
	if got := r.k.MSICount(); got != 1 {
		t.Fatalf("msi-x messages = %d", got)
	}
	if r.m.Storage[0].MSIXPending(0) {
		t.Fatalf("vector 0 left pending")
	}
}

func TestUnknownHeaderHalts(t *testing.T) {
	r := newRig(t)
	fn, err := sim.NewFunction("cardbus", sim.FunctionConfig{
		VendorID:   0x1234,
		DeviceID:   0x0001,
		HeaderType: sim.HeaderCardBus,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.m.PCI.Register(sim.Location{Slot: 5}, fn); err != nil {
		t.Fatal(err)
	}

	err = r.k.Boot()
	if !errors.Is(err, pci.ErrUnknownHeader) {
		t.Fatalf("boot returned %v", err)
	}
	halted, reason := r.m.Hart(0).Halted()
	if !halted || !errors.Is(reason, pci.ErrUnknownHeader) {
		t.Fatalf("hart halted=%v reason=%v", halted, reason)
	}
	if !strings.Contains(r.out.String(), "[ABORT]") {
		t.Fatalf("no diagnostic printed: %q", r.out.String())
	}
	if r.k.Controllers() != nil {
		t.Fatalf("storage initialized after a failed scan")
	}
}

func TestRun(t *testing.T) {
	r := newRig(t)
	if err := r.k.Boot(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var once sync.Once
	input := make(chan struct{})
	poll := func() {
		r.k.Poll()
		once.Do(func() { close(input) })
		if len(r.k.console.lines) > 0 {
			cancel()
		}
	}
	done := make(chan error, 1)
	go func() { done <- r.m.Run(ctx, r.k.Dispatcher(), poll) }()

	<-input
	r.m.UART.EnqueueInput([]byte("ok\r"))
	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if lines := r.k.Lines(); !reflect.DeepEqual(lines, []string{"ok"}) {
		t.Fatalf("lines = %q", lines)
	}
}

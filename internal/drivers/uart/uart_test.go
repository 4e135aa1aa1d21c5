package uart

import (
	"bytes"
	"testing"

	"github.com/tinyrange/rvaia/internal/devices/serial"
	"github.com/tinyrange/rvaia/internal/mmio"
)

const testBase = 0x1000_0000

type levelLine struct{ high bool }

func (l *levelLine) SetLevel(high bool) { l.high = high }
func (l *levelLine) PulseInterrupt()    {}

func newPort(t *testing.T) (*Port, *serial.UART, *bytes.Buffer, *levelLine) {
	t.Helper()
	var out bytes.Buffer
	line := &levelLine{}
	dev := serial.New(&out, line)
	bus := mmio.NewBus()
	if err := bus.Map("uart", testBase, dev); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mmio.Release(bus) })
	p, err := New(bus, testBase)
	if err != nil {
		t.Fatal(err)
	}
	return p, dev, &out, line
}

func TestWriteAndRead(t *testing.T) {
	p, dev, out, line := newPort(t)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Write([]byte("Booted on hart 0.\r\n")); err != nil {
		t.Fatal(err)
	}
	if out.String() != "Booted on hart 0.\r\n" {
		t.Fatalf("output = %q", out.String())
	}

	if _, ok, _ := p.ReadByte(); ok {
		t.Fatalf("read from empty receiver")
	}
	dev.EnqueueInput([]byte("ok"))
	if !line.high {
		t.Fatalf("receive interrupt not raised after Init")
	}
	var got []byte
	for {
		c, ok, err := p.ReadByte()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, c)
	}
	if string(got) != "ok" || line.high {
		t.Fatalf("read %q, line high=%v", got, line.high)
	}
}

package nvme

import (
	"errors"
	"testing"

	sim "github.com/tinyrange/rvaia/internal/devices/pci"
	"github.com/tinyrange/rvaia/internal/drivers/pci"
	"github.com/tinyrange/rvaia/internal/mmio"
)

func TestInitGuards(t *testing.T) {
	bus := mmio.NewBus()
	host := sim.NewHostBridge(sim.HostBridgeConfig{ConfigBase: 0x3000_0000, MaxBus: 4})
	if err := bus.Map("ecam", 0x3000_0000, host); err != nil {
		t.Fatal(err)
	}
	if err := bus.Map("pci-mmio", host.MMIOBase(), host.MemoryWindow()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mmio.Release(bus) })
	if err := host.Register(sim.Location{Bus: 1}, sim.NewNVMe("nvme", sim.DefaultNVMeCAP, sim.DefaultNVMeVS).Function); err != nil {
		t.Fatal(err)
	}

	reg := pci.NewRegistry(4)
	enum, err := pci.New(bus, pci.Config{ECAMBase: 0x3000_0000, BARBase: host.MMIOBase(), LastBus: pci.DefaultLastBus, Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	d := New(bus, enum, reg)

	if err := d.Init(); !errors.Is(err, ErrBusNotReady) {
		t.Fatalf("Init before enumeration = %v", err)
	}
	if _, err := enum.Enumerate(); err != nil {
		t.Fatal(err)
	}
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if err := d.Init(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Init = %v", err)
	}

	cs := d.Controllers()
	if len(cs) != 1 {
		t.Fatalf("controllers = %+v", cs)
	}
	c := cs[0]
	if c.CAP != sim.DefaultNVMeCAP || c.Version() != "1.4.0" {
		t.Fatalf("CAP = %#x, version %s", c.CAP, c.Version())
	}
	if c.MaxQueueEntries() != 2048 || c.DoorbellStride() != 4 {
		t.Fatalf("mqes = %d, stride = %d", c.MaxQueueEntries(), c.DoorbellStride())
	}
}

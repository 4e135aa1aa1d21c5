//go:build linux

package main

import (
	"fmt"
	"io"

	"github.com/tinyrange/rvaia/internal/drivers/pci"
	"github.com/tinyrange/rvaia/internal/mmio"
	"github.com/tinyrange/rvaia/internal/platform"
)

// probeECAM maps the layout's configuration window from physical memory
// and lists the functions present. Nothing is written.
func probeECAM(l platform.Layout, w io.Writer) error {
	size := uint64(l.PCILastBus+1) << 20
	mem, err := mmio.OpenDevMem(l.ECAMBase, size)
	if err != nil {
		return err
	}
	defer mem.Close()

	e, err := pci.New(mem, pci.Config{ECAMBase: l.ECAMBase, BARBase: l.BARBase, LastBus: l.PCILastBus})
	if err != nil {
		return err
	}
	for bus := 0; bus <= l.PCILastBus; bus++ {
		for slot := 0; slot <= pci.MaxSlot; slot++ {
			loc := pci.Location{Bus: bus, Slot: slot}
			h, ok, err := e.Header(loc)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			vendor, device, err := h.IDs()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s %04x:%04x %s\n", loc, vendor, device, h.Kind())
		}
	}
	return nil
}

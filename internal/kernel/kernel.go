// Package kernel is the supervisor's boot path and runtime: it brings up
// the console UART, the interrupt files and domains, the page allocator,
// PCI and storage in that order, then services interrupts and echoes
// console input.
package kernel

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/rvaia/internal/csr"
	"github.com/tinyrange/rvaia/internal/drivers/aplic"
	"github.com/tinyrange/rvaia/internal/drivers/imsic"
	"github.com/tinyrange/rvaia/internal/drivers/nvme"
	"github.com/tinyrange/rvaia/internal/drivers/pci"
	"github.com/tinyrange/rvaia/internal/drivers/uart"
	"github.com/tinyrange/rvaia/internal/mmio"
	"github.com/tinyrange/rvaia/internal/page"
	"github.com/tinyrange/rvaia/internal/platform"
	"github.com/tinyrange/rvaia/internal/ring"
	"github.com/tinyrange/rvaia/internal/trap"
)

// Message identities used by the kernel. The machine-level file only
// hears identities below machineThreshold.
const (
	MsgSelfTestMMIO = 2
	MsgPCI          = 3
	MsgSelfTestEIP  = 4

	machineThreshold = 5
)

// Config is what the boot hart is told about the platform.
type Config struct {
	Layout platform.Layout
	Hart   int
	// Progress, if set, follows the PCI bus scan.
	Progress pci.Progress
}

// Kernel is the state of the boot hart.
type Kernel struct {
	acc    mmio.Accessor
	csrs   csr.File
	halter trap.Halter
	cfg    Config

	dispatcher *trap.Dispatcher
	uart       *uart.Port
	mfile      *imsic.MessageFile
	sfile      *imsic.MessageFile
	pages      *page.Allocator
	bus        *pci.Enumerator
	registry   *pci.Registry
	storage    *nvme.Driver
	functions  []pci.Function

	input    ring.Buffer
	dropped  int
	console  console
	msiCount int
}

// New prepares a kernel that reaches hardware through acc and csrs and
// halts through halter.
func New(acc mmio.Accessor, csrs csr.File, halter trap.Halter, cfg Config) *Kernel {
	k := &Kernel{
		acc:      acc,
		csrs:     csrs,
		halter:   halter,
		cfg:      cfg,
		registry: pci.NewRegistry(cfg.Layout.MaxStorage),
	}
	k.dispatcher = trap.New(halter)
	k.console.out = io.Discard
	return k
}

// Dispatcher returns the trap dispatcher with the kernel's handlers.
func (k *Kernel) Dispatcher() *trap.Dispatcher {
	return k.dispatcher
}

type bootStep struct {
	name string
	run  func() error
}

// Boot runs every initialization step in order. A failing step, or a
// caller-contract panic inside one, is fatal: the diagnostic is printed
// and the hart is halted.
func (k *Kernel) Boot() error {
	steps := []bootStep{
		{"uart", k.initUART},
		{"imsic", k.initMessageFiles},
		{"aplic", k.initAPLIC},
		{"pages", k.initPages},
		{"pci", k.initPCI},
		{"nvme", k.initStorage},
	}
	for _, s := range steps {
		if err := k.runStep(s); err != nil {
			k.fatal(err)
			return err
		}
	}
	k.console.prompt()
	return nil
}

func (k *Kernel) runStep(s bootStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel: %s: panic: %v", s.name, r)
		}
	}()
	slog.Debug("kernel: boot step", "step", s.name)
	if err := s.run(); err != nil {
		return fmt.Errorf("kernel: %s: %w", s.name, err)
	}
	return nil
}

func (k *Kernel) fatal(err error) {
	slog.Error("kernel: boot failed", "err", err)
	fmt.Fprintf(k.console.out, "[ABORT]: %v\r\n", err)
	k.halter.Halt(err)
}

func (k *Kernel) initUART() error {
	p, err := uart.New(k.acc, k.cfg.Layout.UARTBase)
	if err != nil {
		return err
	}
	if err := p.Init(); err != nil {
		return err
	}
	k.uart = p
	k.console.out = p
	fmt.Fprintf(p, "Booted on hart %d.\r\n", k.cfg.Hart)
	return nil
}

func (k *Kernel) initMessageFiles() error {
	k.mfile = imsic.New(k.csrs, csr.Machine)
	k.sfile = imsic.New(k.csrs, csr.Supervisor)
	k.mfile.Setup(imsic.Config{
		Threshold: machineThreshold,
		Enable:    []uint32{MsgSelfTestMMIO, MsgPCI, MsgSelfTestEIP},
	})
	k.sfile.Setup(imsic.Config{Enable: []uint32{k.cfg.Layout.UARTIRQ}})

	k.dispatcher.Attach(csr.Machine, k.mfile)
	k.dispatcher.Attach(csr.Supervisor, k.sfile)
	k.dispatcher.Handle(MsgSelfTestMMIO, k.selfTest("First test triggered by MMIO write successful!"))
	k.dispatcher.Handle(MsgSelfTestEIP, k.selfTest("Second test triggered by EIP successful!"))
	k.dispatcher.Handle(MsgPCI, k.handleMSIX)
	k.dispatcher.Handle(k.cfg.Layout.UARTIRQ, k.handleUART)

	// one identity through the MSI page, one through eip
	msiPage := imsic.PageAddress(k.cfg.Layout.IMSICM, k.cfg.Hart)
	if err := imsic.TriggerMMIO(k.acc, msiPage, MsgSelfTestMMIO); err != nil {
		return err
	}
	k.mfile.Trigger(MsgSelfTestEIP)
	return nil
}

func (k *Kernel) initAPLIC() error {
	l := k.cfg.Layout
	root, err := aplic.New(k.acc, l.APLICM, "root", l.Harts)
	if err != nil {
		return err
	}
	child, err := aplic.New(k.acc, l.APLICS, "supervisor", l.Harts)
	if err != nil {
		return err
	}
	return aplic.Boot(root, child, aplic.BootConfig{
		Order:      aplic.LittleEndian,
		ChildLevel: csr.Supervisor,
		MSIAddress: l.IMSICS,
		Routes: []aplic.Route{{
			Source: l.UARTIRQ,
			Child:  0,
			Mode:   aplic.LevelHigh,
			Hart:   uint32(k.cfg.Hart),
			EIID:   l.UARTIRQ,
		}},
	})
}

func (k *Kernel) initPages() error {
	a, err := page.New(k.cfg.Layout.PagesStart, k.cfg.Layout.PagesEnd)
	if err != nil {
		return err
	}
	k.pages = a
	slog.Info("kernel: page allocator ready", "pages", a.Remaining())
	return nil
}

func (k *Kernel) initPCI() error {
	l := k.cfg.Layout
	e, err := pci.New(k.acc, pci.Config{
		ECAMBase: l.ECAMBase,
		BARBase:  l.BARBase,
		LastBus:  l.PCILastBus,
		MSI: pci.Message{
			Address: imsic.PageAddress(l.IMSICM, k.cfg.Hart),
			Data:    MsgPCI,
		},
		Registry: k.registry,
		Progress: k.cfg.Progress,
	})
	if err != nil {
		return err
	}
	k.bus = e
	fns, err := e.Enumerate()
	k.functions = fns
	return err
}

func (k *Kernel) initStorage() error {
	k.storage = nvme.New(k.acc, k.bus, k.registry)
	return k.storage.Init()
}

func (k *Kernel) selfTest(msg string) trap.Handler {
	return func(id uint32) {
		slog.Info("kernel: self-test interrupt", "id", id)
		fmt.Fprintf(k.console.out, "%s\r\n", msg)
	}
}

func (k *Kernel) handleMSIX(id uint32) {
	k.msiCount++
	slog.Debug("kernel: msi-x message", "id", id, "count", k.msiCount)
}

// handleUART moves every received byte into the input queue. Bytes that
// do not fit are dropped.
func (k *Kernel) handleUART(uint32) {
	for {
		c, ok, err := k.uart.ReadByte()
		if err != nil {
			slog.Error("kernel: uart read", "err", err)
			return
		}
		if !ok {
			return
		}
		if !k.input.Push(c) {
			k.dropped++
		}
	}
}

// Poll is the hart's main loop body: it drains the input queue into the
// console.
func (k *Kernel) Poll() {
	var chunk []byte
	for {
		c, ok := k.input.Pop()
		if !ok {
			break
		}
		chunk = append(chunk, c)
	}
	if len(chunk) > 0 {
		k.console.feed(chunk)
	}
}

// Lines returns the console lines entered so far.
func (k *Kernel) Lines() []string {
	return append([]string(nil), k.console.lines...)
}

// Dropped returns how many input bytes did not fit the queue.
func (k *Kernel) Dropped() int {
	return k.dropped
}

// MSICount returns how many PCI MSI-X messages were handled.
func (k *Kernel) MSICount() int {
	return k.msiCount
}

// Functions returns the PCI functions configured during boot.
func (k *Kernel) Functions() []pci.Function {
	return append([]pci.Function(nil), k.functions...)
}

// Controllers returns the storage controllers identified during boot.
func (k *Kernel) Controllers() []nvme.Controller {
	if k.storage == nil {
		return nil
	}
	return k.storage.Controllers()
}

// Pages returns the page allocator, or nil before boot.
func (k *Kernel) Pages() *page.Allocator {
	return k.pages
}

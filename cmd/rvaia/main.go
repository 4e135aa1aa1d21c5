package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/rvaia/internal/fdt"
	"github.com/tinyrange/rvaia/internal/kernel"
	"github.com/tinyrange/rvaia/internal/machine"
	"github.com/tinyrange/rvaia/internal/platform"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvaia: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	config := flag.String("config", "", "YAML platform layout (defaults to QEMU virt with AIA)")
	debug := flag.Bool("debug", false, "enable debug logging")
	dumpDTB := flag.String("dump-dtb", "", "write the platform device tree blob to this file and exit")
	probe := flag.Bool("probe", false, "list the PCI functions of the host's ECAM window through /dev/mem and exit")
	noProgress := flag.Bool("no-progress", false, "hide the bus scan progress bar")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `rvaia - boot a supervisor kernel on a simulated RISC-V AIA platform

USAGE:
  rvaia [flags]

The kernel brings up the UART, the interrupt files and domains, PCI and
NVMe, then echoes console input. Press Ctrl-] to quit.

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	layout, err := platform.Load(*config)
	if err != nil {
		return err
	}

	if *probe {
		return probeECAM(layout, os.Stdout)
	}

	m, err := machine.New(layout, os.Stdout)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()

	if *dumpDTB != "" {
		blob, err := fdt.Build(m.DeviceTree())
		if err != nil {
			return fmt.Errorf("build device tree: %w", err)
		}
		if err := os.WriteFile(*dumpDTB, blob, 0o644); err != nil {
			return fmt.Errorf("write device tree: %w", err)
		}
		slog.Info("Wrote device tree", "path", *dumpDTB, "bytes", len(blob))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := kernel.Config{Layout: layout}
	if !*noProgress {
		// the enumerator sizes the bar once it knows its slot count
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("pci scan"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		cfg.Progress = bar
	}

	k := kernel.New(m.Bus, m.Hart(0), m.Hart(0), cfg)
	if err := k.Boot(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	// Put stdin into raw mode if it's a terminal so keystrokes reach the
	// UART one at a time.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	inputCtx, quit := context.WithCancel(ctx)
	defer quit()
	go feedInput(os.Stdin, m, quit)

	err = m.Run(inputCtx, k.Dispatcher(), k.Poll)
	if errors.Is(err, context.Canceled) {
		slog.Debug("Stopped", "lines", len(k.Lines()), "dropped", k.Dropped())
		return nil
	}
	return err
}

const quitKey = 0x1d // Ctrl-]

// feedInput copies host input into the simulated UART until EOF or the
// quit key.
func feedInput(r io.Reader, m *machine.Machine, quit context.CancelFunc) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			if buf[i] == quitKey {
				m.UART.EnqueueInput(buf[:i])
				quit()
				return
			}
		}
		if n > 0 {
			m.UART.EnqueueInput(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Error("Read input", "err", err)
			}
			return
		}
	}
}

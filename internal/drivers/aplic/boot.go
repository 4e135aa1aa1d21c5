package aplic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/rvaia/internal/csr"
)

// Route describes one wired source delegated from the root to a child
// domain and forwarded as an MSI.
type Route struct {
	Source uint32
	Child  uint32
	Mode   SourceMode
	Hart   uint32
	Guest  uint32
	EIID   uint32
}

// BootConfig is the reference setup of a root and one child domain.
type BootConfig struct {
	Order ByteOrder
	// ChildLevel is the privilege level whose MSI address the child uses.
	ChildLevel csr.Level
	// MSIAddress is the base of the interrupt file pages of ChildLevel.
	MSIAddress uint64
	Routes     []Route
}

// Boot configures root and child in the reference order: domain-wide
// config for both, the MSI address, then per route the child's target,
// the delegation, the child's trigger mode, and last the enable bit.
func Boot(root, child *Domain, cfg BootConfig) error {
	if err := root.Configure(cfg.Order, MSI, true); err != nil {
		return fmt.Errorf("aplic: configure root: %w", err)
	}
	if err := child.Configure(cfg.Order, MSI, true); err != nil {
		return fmt.Errorf("aplic: configure child: %w", err)
	}
	if err := root.SetMSIAddress(cfg.ChildLevel, cfg.MSIAddress); err != nil {
		return fmt.Errorf("aplic: msi address: %w", err)
	}
	for _, r := range cfg.Routes {
		if err := child.SetTarget(r.Source, r.Hart, r.Guest, r.EIID); err != nil {
			return fmt.Errorf("aplic: target %d: %w", r.Source, err)
		}
		if err := root.Delegate(r.Source, r.Child); err != nil {
			return fmt.Errorf("aplic: delegate %d: %w", r.Source, err)
		}
		if err := child.SetSource(r.Source, r.Mode); err != nil {
			return fmt.Errorf("aplic: source %d: %w", r.Source, err)
		}
		if err := child.SetEnabled(r.Source, true); err != nil {
			return fmt.Errorf("aplic: enable %d: %w", r.Source, err)
		}
		slog.Info("aplic: source routed",
			"source", r.Source,
			"child", r.Child,
			"mode", r.Mode,
			"hart", r.Hart,
			"eiid", r.EIID,
		)
	}
	return nil
}

// Package uart drives a 16550-compatible UART for the console.
package uart

import (
	"fmt"

	"github.com/tinyrange/rvaia/internal/mmio"
)

const (
	regTHR = 0
	regRBR = 0
	regIER = 1
	regFCR = 2
	regLCR = 3
	regLSR = 5

	lsrDataReady = 1 << 0
	lsrTxEmpty   = 1 << 6

	lcr8N1         = 0x03
	fcrEnable      = 0x01
	ierRxAvailable = 0x01

	windowSize = 8
)

// Port is a UART at a fixed address.
type Port struct {
	acc  mmio.Accessor
	base uint64
}

// New claims the UART registers at base.
func New(acc mmio.Accessor, base uint64) (*Port, error) {
	if err := mmio.Claim(acc, base, windowSize, "uart"); err != nil {
		return nil, fmt.Errorf("uart: %w", err)
	}
	return &Port{acc: acc, base: base}, nil
}

// Init selects 8N1, enables the FIFOs and the receive interrupt.
func (p *Port) Init() error {
	for _, w := range []struct {
		reg uint64
		v   uint8
	}{
		{regLCR, lcr8N1},
		{regFCR, fcrEnable},
		{regIER, ierRxAvailable},
	} {
		if err := p.acc.Write8(p.base+w.reg, w.v); err != nil {
			return fmt.Errorf("uart: init: %w", err)
		}
	}
	return nil
}

// ReadByte returns the next received byte, or ok == false when the
// receiver is empty.
func (p *Port) ReadByte() (c byte, ok bool, err error) {
	lsr, err := p.acc.Read8(p.base + regLSR)
	if err != nil {
		return 0, false, fmt.Errorf("uart: read LSR: %w", err)
	}
	if lsr&lsrDataReady == 0 {
		return 0, false, nil
	}
	c, err = p.acc.Read8(p.base + regRBR)
	if err != nil {
		return 0, false, fmt.Errorf("uart: read RBR: %w", err)
	}
	return c, true, nil
}

// Write transmits b, waiting for the transmitter to drain before each
// byte. It implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	for i, c := range b {
		for {
			lsr, err := p.acc.Read8(p.base + regLSR)
			if err != nil {
				return i, fmt.Errorf("uart: read LSR: %w", err)
			}
			if lsr&lsrTxEmpty != 0 {
				break
			}
		}
		if err := p.acc.Write8(p.base+regTHR, c); err != nil {
			return i, fmt.Errorf("uart: write THR: %w", err)
		}
	}
	return len(b), nil
}

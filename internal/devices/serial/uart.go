// Package serial simulates a 16550-compatible UART whose receive interrupt
// drives a wired interrupt line.
package serial

import (
	"io"
	"sync"

	"github.com/tinyrange/rvaia/internal/chipset"
)

// Size is the MMIO window of the UART.
const Size = 0x100

// Register offsets (byte stride).
const (
	RegRBR = 0 // receive buffer (read)
	RegTHR = 0 // transmit holding (write)
	RegIER = 1
	RegIIR = 2 // interrupt identification (read)
	RegFCR = 2 // FIFO control (write)
	RegLCR = 3
	RegMCR = 4
	RegLSR = 5
	RegMSR = 6
	RegSCR = 7
)

// LSR bits.
const (
	LSRDataReady = 1 << 0
	LSROverrun   = 1 << 1
	LSRTHREmpty  = 1 << 5
	LSRTxEmpty   = 1 << 6
)

const (
	ierRxAvailable = 1 << 0
	ierTHREmpty    = 1 << 1

	iirNone        = 0x01
	iirTHREmpty    = 0x02
	iirRxAvailable = 0x04
	iirFIFOs       = 0xC0

	fcrEnable  = 1 << 0
	fcrClearRx = 1 << 1

	lcrDLAB = 1 << 7

	// rxLimit bounds the receive queue; further bytes set the overrun bit.
	rxLimit = 4096
)

// UART is a 16550 with an unbounded-looking transmitter and a bounded
// receive queue.
type UART struct {
	mu sync.Mutex

	out io.Writer
	irq chipset.LineInterrupt

	ier, fcr, lcr, mcr, scr uint8
	dll, dlh                uint8
	overrun                 bool

	rx      []byte
	pending bool
}

// New builds a UART writing transmitted bytes to out. irq may be nil.
func New(out io.Writer, irq chipset.LineInterrupt) *UART {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	if out == nil {
		out = io.Discard
	}
	return &UART{out: out, irq: irq}
}

// Size implements mmio.Device.
func (u *UART) Size() uint64 {
	return Size
}

// Read implements mmio.Device.
func (u *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	dlab := u.lcr&lcrDLAB != 0
	switch offset {
	case RegRBR:
		if dlab {
			return uint64(u.dll), nil
		}
		var b byte
		if len(u.rx) > 0 {
			b = u.rx[0]
			u.rx = u.rx[1:]
		}
		u.updateInterrupt()
		return uint64(b), nil
	case RegIER:
		if dlab {
			return uint64(u.dlh), nil
		}
		return uint64(u.ier), nil
	case RegIIR:
		return uint64(u.iir()), nil
	case RegLCR:
		return uint64(u.lcr), nil
	case RegMCR:
		return uint64(u.mcr), nil
	case RegLSR:
		lsr := uint8(LSRTHREmpty | LSRTxEmpty)
		if len(u.rx) > 0 {
			lsr |= LSRDataReady
		}
		if u.overrun {
			lsr |= LSROverrun
			u.overrun = false
		}
		return uint64(lsr), nil
	case RegMSR:
		return 0, nil
	case RegSCR:
		return uint64(u.scr), nil
	}
	return 0, nil
}

// Write implements mmio.Device.
func (u *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return nil
	}
	data := uint8(value)
	u.mu.Lock()
	defer u.mu.Unlock()

	dlab := u.lcr&lcrDLAB != 0
	switch offset {
	case RegTHR:
		if dlab {
			u.dll = data
			return nil
		}
		if _, err := u.out.Write([]byte{data}); err != nil {
			return err
		}
	case RegIER:
		if dlab {
			u.dlh = data
			return nil
		}
		u.ier = data & 0x0f
	case RegFCR:
		u.fcr = data
		if data&fcrEnable != 0 && data&fcrClearRx != 0 {
			u.rx = nil
		}
	case RegLCR:
		u.lcr = data
	case RegMCR:
		u.mcr = data
	case RegSCR:
		u.scr = data
	}
	u.updateInterrupt()
	return nil
}

// EnqueueInput makes data available to the receiver and raises the
// receive interrupt when enabled.
func (u *UART) EnqueueInput(data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	room := rxLimit - len(u.rx)
	if len(data) > room {
		data = data[:room]
		u.overrun = true
	}
	u.rx = append(u.rx, data...)
	u.updateInterrupt()
}

// Buffered returns the number of received bytes not yet read.
func (u *UART) Buffered() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.rx)
}

// iir must be called with mu held.
func (u *UART) iir() uint8 {
	var fifo uint8
	if u.fcr&fcrEnable != 0 {
		fifo = iirFIFOs
	}
	switch {
	case u.ier&ierRxAvailable != 0 && len(u.rx) > 0:
		return fifo | iirRxAvailable
	case u.ier&ierTHREmpty != 0:
		return fifo | iirTHREmpty
	}
	return fifo | iirNone
}

// updateInterrupt must be called with mu held.
func (u *UART) updateInterrupt() {
	pending := u.iir()&iirNone == 0
	if pending == u.pending {
		return
	}
	u.pending = pending
	u.irq.SetLevel(pending)
}

// Package ring is the bounded byte queue between the UART interrupt
// handler and the console loop.
package ring

import "sync"

// Size is the number of slots. One slot always stays free, so a Buffer
// holds at most Size-1 bytes.
const Size = 32

// Buffer is a fixed-size FIFO of bytes. Push never overwrites.
type Buffer struct {
	mu    sync.Mutex
	buf   [Size]byte
	start int
	n     int
}

// Push appends c. It returns false, leaving the buffer unchanged, when
// the buffer is full.
func (b *Buffer) Push(c byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n+1 >= Size {
		return false
	}
	b.buf[(b.start+b.n)%Size] = c
	b.n++
	return true
}

// Pop removes and returns the oldest byte.
func (b *Buffer) Pop() (byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return 0, false
	}
	c := b.buf[b.start]
	b.start = (b.start + 1) % Size
	b.n--
	return c, true
}

// Len returns the number of queued bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Package page hands out physical pages from a fixed extent. Pages are
// never freed.
package page

import (
	"errors"
	"fmt"
	"sync"
)

// Size is the allocation unit.
const Size = 0x1000

// ErrExhausted is returned once every page of the extent is in use.
var ErrExhausted = errors.New("page: out of pages")

// Allocator is a bump allocator over [start, end).
type Allocator struct {
	mu   sync.Mutex
	next uint64
	end  uint64
}

// New returns an allocator over [start, end). start is rounded up and
// end rounded down to page boundaries.
func New(start, end uint64) (*Allocator, error) {
	start = (start + Size - 1) &^ (Size - 1)
	end &^= Size - 1
	if end < start {
		return nil, fmt.Errorf("page: empty extent %#x-%#x", start, end)
	}
	return &Allocator{next: start, end: end}, nil
}

// Alloc returns the address of a fresh page.
func (a *Allocator) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next >= a.end {
		return 0, ErrExhausted
	}
	p := a.next
	a.next += Size
	return p, nil
}

// Remaining returns the number of pages left.
func (a *Allocator) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int((a.end - a.next) / Size)
}

package mmio

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAliased is returned when a second handle is requested for a register
// block that already has an owner on the same accessor.
var ErrAliased = errors.New("mmio: register block already claimed")

type claim struct {
	acc   Accessor
	base  uint64
	size  uint64
	owner string
}

var (
	claimMu sync.Mutex
	claims  []claim
)

// Claim records that owner holds [base, base+size) on acc. Driver
// constructors call it once so that two handles never alias the same
// hardware block.
func Claim(acc Accessor, base, size uint64, owner string) error {
	if size == 0 {
		return fmt.Errorf("mmio: claim %s: empty window", owner)
	}
	claimMu.Lock()
	defer claimMu.Unlock()
	for _, c := range claims {
		if c.acc != acc {
			continue
		}
		if base < c.base+c.size && c.base < base+size {
			return fmt.Errorf("%w: %s at %#x overlaps %s at %#x", ErrAliased, owner, base, c.owner, c.base)
		}
	}
	claims = append(claims, claim{acc: acc, base: base, size: size, owner: owner})
	return nil
}

// Release drops every claim held on acc. Used when a simulated platform
// is torn down.
func Release(acc Accessor) {
	claimMu.Lock()
	defer claimMu.Unlock()
	kept := claims[:0]
	for _, c := range claims {
		if c.acc != acc {
			kept = append(kept, c)
		}
	}
	claims = kept
}

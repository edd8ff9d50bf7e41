package engine

import (
	"sync"

	"github.com/wafflebay/marketd/internal/domain"
)

// Guard is the per-market execution latch: a lifecycle operation must not
// re-enter a market that already has an operation in flight in this
// process. Cross-process exclusion is the lock manager's job; this latch
// catches callback-style reentrancy within one replica.
type Guard struct {
	inflight sync.Map // market ID -> struct{}
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Enter latches the market and returns a release function, or
// domain.ErrReentrantCall if an operation is already executing on it.
func (g *Guard) Enter(marketID string) (func(), error) {
	if _, loaded := g.inflight.LoadOrStore(marketID, struct{}{}); loaded {
		return nil, domain.ErrReentrantCall
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			g.inflight.Delete(marketID)
		})
	}
	return release, nil
}

package lockcoord

import (
	"slices"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/metrics"
)

// Guard is proof that a batch holds the locks for a set of entity ids.
// Release frees them; calling it more than once is a no-op.
type Guard struct {
	c       *Coordinator
	ids     []string
	held    []string
	wait    time.Duration
	counted bool
	once    sync.Once
}

// IDs returns the sorted entity ids covered by the guard.
func (g *Guard) IDs() []string {
	return slices.Clone(g.ids)
}

// Holds reports whether id is covered by the guard.
func (g *Guard) Holds(id string) bool {
	_, ok := slices.BinarySearch(g.ids, id)
	return ok
}

// HoldsAll reports whether every id is covered by the guard.
func (g *Guard) HoldsAll(ids ...string) bool {
	for _, id := range ids {
		if !g.Holds(id) {
			return false
		}
	}
	return true
}

// Order returns the keys in the order they were acquired, including the
// global key under PolicyGlobal.
func (g *Guard) Order() []string {
	return slices.Clone(g.held)
}

// Wait is how long Acquire blocked before all locks were held.
func (g *Guard) Wait() time.Duration {
	return g.wait
}

// Release frees every held lock in reverse acquisition order and returns the
// batch slot.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		for i := len(g.held) - 1; i >= 0; i-- {
			key := g.held[i]
			if l := g.c.lookup(key); l != nil {
				<-l.token
			}
			g.c.unref(key)
		}
		g.c.sem.Release(1)
		if g.counted {
			metrics.BatchesHoldingLocks.Dec()
		}
	})
}

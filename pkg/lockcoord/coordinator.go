package lockcoord

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"

	"golang.org/x/sync/semaphore"
)

// Policy selects how batches are admitted for writing.
type Policy string

const (
	// PolicyBatch locks exactly the entities a batch touches. Batches with
	// disjoint entity sets write concurrently.
	PolicyBatch Policy = "batch"

	// PolicyGlobal additionally takes one process-wide key before any entity
	// lock, serialising all writers.
	PolicyGlobal Policy = "global"
)

// globalKey sorts before every entity id, so taking it first keeps the
// global acquisition order intact.
const globalKey = "\x00global"

const defaultSlowWait = time.Second

// Config tunes the coordinator.
type Config struct {
	MaxConcurrentBatches int64
	LockWaitTimeout      time.Duration
	Policy               Policy
	// SlowWaitThreshold is the wait above which an acquisition is logged.
	// Zero selects one second; negative disables the log.
	SlowWaitThreshold time.Duration
}

// Coordinator grants exclusive access to the entity ids a batch touches.
//
// Locks are always taken in ascending id order, whatever batch is asking;
// this total order rules out circular waits between batches with overlapping
// entity sets. A weighted semaphore separately bounds how many batches hold
// locks at the same time.
//
// A Coordinator is created once per process and shared by every writer.
type Coordinator struct {
	cfg Config
	sem *semaphore.Weighted

	mu    sync.Mutex
	locks map[string]*entityLock

	acquisitions atomic.Int64
	timeouts     atomic.Int64
	totalWait    atomic.Int64
	maxWait      atomic.Int64
}

// entityLock is a FIFO mutex: blocked senders on a channel are queued and
// served in arrival order.
type entityLock struct {
	token chan struct{}
	refs  int
}

// Stats summarises lock contention since the coordinator was created.
// Registered is the number of entity locks currently held or waited for.
type Stats struct {
	Acquisitions int64
	Timeouts     int64
	TotalWait    time.Duration
	MaxWait      time.Duration
	Registered   int
}

// New creates a coordinator. Non-positive limits fall back to defaults.
func New(cfg Config) *Coordinator {
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 4
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyBatch
	}
	if cfg.SlowWaitThreshold == 0 {
		cfg.SlowWaitThreshold = defaultSlowWait
	}
	return &Coordinator{
		cfg:   cfg,
		sem:   semaphore.NewWeighted(cfg.MaxConcurrentBatches),
		locks: make(map[string]*entityLock),
	}
}

// Acquire blocks until the caller exclusively holds every id in ids and one
// batch slot. The returned guard must be released on every exit path, usually
// with defer immediately after the call.
//
// If the configured lock wait timeout expires first, Acquire returns an error
// matching common.ErrLockTimeout. Cancellation of ctx returns ctx.Err().
// Either way every lock taken so far is released before returning.
func (c *Coordinator) Acquire(ctx context.Context, ids []string) (*Guard, error) {
	keys := SortedIDs(ids)
	order := keys
	if c.cfg.Policy == PolicyGlobal {
		order = append([]string{globalKey}, keys...)
	}

	waitCtx := ctx
	if c.cfg.LockWaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.cfg.LockWaitTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := c.sem.Acquire(waitCtx, 1); err != nil {
		return nil, c.waitError(ctx, err, len(keys))
	}

	g := &Guard{
		c:    c,
		ids:  keys,
		held: make([]string, 0, len(order)),
	}
	for _, key := range order {
		l := c.ref(key)
		select {
		case l.token <- struct{}{}:
			g.held = append(g.held, key)
		case <-waitCtx.Done():
			c.unref(key)
			g.Release()
			return nil, c.waitError(ctx, waitCtx.Err(), len(keys))
		}
	}

	g.wait = time.Since(start)
	c.recordWait(g.wait)
	metrics.BatchesHoldingLocks.Inc()
	g.counted = true
	if c.cfg.SlowWaitThreshold > 0 && g.wait > c.cfg.SlowWaitThreshold {
		logger.Debug("[LockCoord] Slow lock acquisition", "entities", len(keys), "wait", g.wait)
	}
	return g, nil
}

// Stats returns a snapshot of lock contention counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Acquisitions: c.acquisitions.Load(),
		Timeouts:     c.timeouts.Load(),
		TotalWait:    time.Duration(c.totalWait.Load()),
		MaxWait:      time.Duration(c.maxWait.Load()),
		Registered:   c.registrySize(),
	}
}

// Limit returns how many batches may hold locks at once.
func (c *Coordinator) Limit() int64 {
	return c.cfg.MaxConcurrentBatches
}

// Policy returns the admission policy in effect.
func (c *Coordinator) Policy() Policy {
	return c.cfg.Policy
}

func (c *Coordinator) waitError(ctx context.Context, err error, entities int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.timeouts.Add(1)
		metrics.LockTimeouts.Inc()
		return fmt.Errorf("acquire %d entity locks after %s: %w", entities, c.cfg.LockWaitTimeout, common.ErrLockTimeout)
	}
	return err
}

func (c *Coordinator) recordWait(d time.Duration) {
	c.acquisitions.Add(1)
	c.totalWait.Add(int64(d))
	for {
		cur := c.maxWait.Load()
		if int64(d) <= cur || c.maxWait.CompareAndSwap(cur, int64(d)) {
			break
		}
	}
	metrics.LockWaitSeconds.Observe(d.Seconds())
}

func (c *Coordinator) ref(key string) *entityLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &entityLock{token: make(chan struct{}, 1)}
		c.locks[key] = l
	}
	l.refs++
	return l
}

func (c *Coordinator) unref(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(c.locks, key)
	}
}

func (c *Coordinator) lookup(key string) *entityLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks[key]
}

func (c *Coordinator) registrySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

// SortedIDs returns the ascending, de-duplicated id sequence used as the
// acquisition order. Empty ids are dropped.
func SortedIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

package report

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/semaphore"
)

// JobState is the lifecycle state of a report job.
type JobState int

const (
	Pending JobState = iota
	InFlight
	Completed
	Failed
)

func (s JobState) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("JobState(%d)", int(s))
	}
}

// Job is one report generation task. Run receives a read-only snapshot of the
// requested part of the graph and never touches the store itself.
type Job struct {
	ID       string
	NodeIDs  []string
	EdgeKeys []common.EdgeKey
	Run      func(ctx context.Context, snap store.Snapshot) (any, error)
}

// JobResult is the final state of a job.
type JobResult struct {
	ID       string
	State    JobState
	Output   any
	Err      error
	Duration time.Duration
}

// Config tunes the governor.
type Config struct {
	// MaxReportJobs bounds how many jobs read from the store at once. It must
	// stay below the store's connection pool size so writers are never
	// starved.
	MaxReportJobs int
	// PoolSize is the number of pooled goroutines running jobs. Defaults to
	// MaxReportJobs.
	PoolSize int
}

// Option configures a Governor.
type Option func(*Governor)

// WithStateHook registers a callback invoked on every job state change.
func WithStateHook(fn func(jobID string, state JobState)) Option {
	return func(g *Governor) {
		g.onState = fn
	}
}

// Governor bounds concurrent report jobs so that graph reads for reporting
// never exhaust the store's connections.
type Governor struct {
	reader  store.GraphReader
	max     int64
	slots   *semaphore.Weighted
	pool    *ants.Pool
	onState func(jobID string, state JobState)
}

// NewGovernor creates a governor reading through reader.
func NewGovernor(reader store.GraphReader, cfg Config, opts ...Option) (*Governor, error) {
	if reader == nil {
		return nil, errors.New("report: graph reader is nil")
	}
	if cfg.MaxReportJobs < 1 {
		return nil, fmt.Errorf("report: MaxReportJobs must be at least 1, got %d", cfg.MaxReportJobs)
	}
	size := cfg.PoolSize
	if size < 1 {
		size = cfg.MaxReportJobs
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("report: create worker pool: %w", err)
	}

	g := &Governor{
		reader: reader,
		max:    int64(cfg.MaxReportJobs),
		slots:  semaphore.NewWeighted(int64(cfg.MaxReportJobs)),
		pool:   pool,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Limit returns the maximum number of jobs holding a slot at once.
func (g *Governor) Limit() int {
	return int(g.max)
}

// Close releases the worker pool.
func (g *Governor) Close() {
	g.pool.Release()
}

// Read performs one batched graph read while holding a governor slot.
func (g *Governor) Read(ctx context.Context, nodeIDs []string, edgeKeys []common.EdgeKey) (store.Snapshot, error) {
	if err := g.slots.Acquire(ctx, 1); err != nil {
		return store.Snapshot{}, err
	}
	defer g.slots.Release(1)
	return g.reader.ReadBatch(ctx, store.DedupeStrings(nodeIDs), edgeKeys)
}

// Run executes jobs on the worker pool and waits for all of them. A failing
// or panicking job is reported as Failed and never cancels its siblings.
// Results are returned in job order.
func (g *Governor) Run(ctx context.Context, jobs []Job) []JobResult {
	results := make([]JobResult, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		results[i] = JobResult{ID: job.ID, State: Pending}
		g.transition(job.ID, Pending)

		wg.Add(1)
		err := g.pool.Submit(func() {
			defer wg.Done()
			results[i] = g.runJob(ctx, job)
		})
		if err != nil {
			wg.Done()
			results[i] = g.finish(job.ID, Failed, nil, fmt.Errorf("submit job %s: %w", job.ID, err), 0)
		}
	}
	wg.Wait()
	return results
}

func (g *Governor) runJob(ctx context.Context, job Job) (res JobResult) {
	if job.Run == nil {
		return g.finish(job.ID, Failed, nil, fmt.Errorf("job %s has no run function", job.ID), 0)
	}
	if err := g.slots.Acquire(ctx, 1); err != nil {
		return g.finish(job.ID, Failed, nil, err, 0)
	}
	defer g.slots.Release(1)

	metrics.ReportJobsInFlight.Inc()
	defer metrics.ReportJobsInFlight.Dec()
	g.transition(job.ID, InFlight)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("[Report] Job panicked", "job", job.ID, "panic", r, "stack", string(debug.Stack()))
			res = g.finish(job.ID, Failed, nil, fmt.Errorf("job %s panicked: %v", job.ID, r), time.Since(start))
		}
	}()

	snap, err := g.reader.ReadBatch(ctx, store.DedupeStrings(job.NodeIDs), job.EdgeKeys)
	if err != nil {
		return g.finish(job.ID, Failed, nil, fmt.Errorf("read snapshot for job %s: %w", job.ID, err), time.Since(start))
	}
	out, err := job.Run(ctx, snap)
	if err != nil {
		return g.finish(job.ID, Failed, nil, err, time.Since(start))
	}
	return g.finish(job.ID, Completed, out, nil, time.Since(start))
}

func (g *Governor) finish(id string, state JobState, out any, err error, d time.Duration) JobResult {
	if err != nil {
		logger.Warn("[Report] Job failed", "job", id, "err", err)
	}
	metrics.ReportJobs.WithLabelValues(state.String()).Inc()
	g.transition(id, state)
	return JobResult{ID: id, State: state, Output: out, Err: err, Duration: d}
}

func (g *Governor) transition(id string, state JobState) {
	if g.onState != nil {
		g.onState(id, state)
	}
}

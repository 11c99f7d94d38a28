package txexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/util"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	DefaultMaxChunkNodes    = 1000
	DefaultMaxChunkEdges    = 2000
	DefaultMaxAttempts      = 3
	DefaultRetryBackoffBase = 100 * time.Millisecond
	DefaultRetryBackoffMax  = 5 * time.Second
	DefaultCommitTimeout    = 30 * time.Second
)

// Config tunes chunking, retries and per-attempt deadlines. Zero values select
// the defaults. MaxAttempts counts every commit attempt of a chunk, the first
// one included; a negative value disables retries.
type Config struct {
	MaxChunkNodes    int
	MaxChunkEdges    int
	MaxAttempts      int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	CommitTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxChunkNodes <= 0 {
		c.MaxChunkNodes = DefaultMaxChunkNodes
	}
	if c.MaxChunkEdges <= 0 {
		c.MaxChunkEdges = DefaultMaxChunkEdges
	}
	switch {
	case c.MaxAttempts == 0:
		c.MaxAttempts = DefaultMaxAttempts
	case c.MaxAttempts < 0:
		c.MaxAttempts = 1
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = DefaultCommitTimeout
	}
	return c
}

// Guard is the lock proof Execute requires. *lockcoord.Guard implements it.
type Guard interface {
	Holds(id string) bool
}

// CommitResult describes what a call to Execute wrote. On failure it covers
// the chunks committed before the failing one.
type CommitResult struct {
	CommitID         string
	DocumentID       string
	Nodes            int
	Edges            int
	Chunks           int
	Retries          int
	Duration         time.Duration
	CommittedNodeIDs []string
}

// Option configures an Executor.
type Option func(*Executor)

// WithIDGenerator replaces the nanoid commit id generator.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(e *Executor) {
		e.newID = fn
	}
}

// Executor commits finalized batches through a GraphWriter, one transaction
// per chunk.
type Executor struct {
	store store.GraphWriter
	cfg   Config
	newID func() (string, error)
}

// New creates an executor writing to s.
func New(s store.GraphWriter, cfg Config, opts ...Option) (*Executor, error) {
	if s == nil {
		return nil, errors.New("txexec: graph writer is nil")
	}
	e := &Executor{
		store: s,
		cfg:   cfg.withDefaults(),
		newID: func() (string, error) { return gonanoid.New() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Plan splits fin into chunks using the executor's limits.
func (e *Executor) Plan(fin *mutation.Finalized) []store.Chunk {
	return Plan(fin, e.cfg.MaxChunkNodes, e.cfg.MaxChunkEdges)
}

// Execute commits fin chunk by chunk. guard must cover every entity id the
// batch touches, otherwise nothing is written and a validation error is
// returned.
//
// Each chunk is one atomic store transaction. Transient store errors are
// retried with exponential backoff; any other error stops the batch at once.
// Chunks committed before a failure stay committed.
func (e *Executor) Execute(ctx context.Context, fin *mutation.Finalized, guard Guard) (CommitResult, error) {
	if fin == nil {
		return CommitResult{}, common.Validationf("execute: nil batch")
	}
	res := CommitResult{DocumentID: fin.DocumentID}
	if guard == nil {
		return res, common.Validationf("execute %s: no lock guard", fin.DocumentID)
	}
	for _, id := range fin.EntityIDs() {
		if !guard.Holds(id) {
			return res, common.Validationf("execute %s: entity %s is not locked", fin.DocumentID, id)
		}
	}

	id, err := e.newID()
	if err != nil {
		return res, fmt.Errorf("generate commit id: %w", err)
	}
	res.CommitID = id

	start := time.Now()

	chunks := e.Plan(fin)
	logger.Debug("[TxExec] Committing batch", "commit", res.CommitID, "document", fin.DocumentID,
		"nodes", len(fin.Nodes), "edges", countEdges(chunks), "chunks", len(chunks))

	for _, chunk := range chunks {
		retries, err := util.RetryWithBackoff(ctx, util.Backoff{
			Attempts:  e.cfg.MaxAttempts,
			BaseDelay: e.cfg.RetryBackoffBase,
			MaxDelay:  e.cfg.RetryBackoffMax,
			Retryable: common.IsTransient,
			OnRetry: func(retry int, delay time.Duration, err error) {
				metrics.CommitRetries.Inc()
				logger.Warn("[TxExec] Retrying chunk", "commit", res.CommitID, "chunk", chunk.Index,
					"retry", retry, "delay", delay, "err", err)
			},
		}, func(ctx context.Context) error {
			return e.commitChunk(ctx, chunk)
		})
		res.Retries += retries
		if err != nil {
			res.Duration = time.Since(start)
			return res, fmt.Errorf("commit %s chunk %d/%d: %w", res.CommitID, chunk.Index+1, len(chunks), err)
		}

		res.Chunks++
		res.Nodes += len(chunk.Nodes)
		res.Edges += len(chunk.Edges)
		res.CommittedNodeIDs = append(res.CommittedNodeIDs, nodeIDs(chunk.Nodes)...)
		metrics.CommittedChunks.Inc()
		metrics.CommittedNodes.Add(float64(len(chunk.Nodes)))
		metrics.CommittedEdges.Add(float64(len(chunk.Edges)))
	}

	res.Duration = time.Since(start)
	logger.Debug("[TxExec] Batch committed", "commit", res.CommitID, "document", fin.DocumentID,
		"chunks", res.Chunks, "retries", res.Retries, "duration", res.Duration)
	return res, nil
}

func (e *Executor) commitChunk(ctx context.Context, chunk store.Chunk) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.CommitTimeout)
	defer cancel()

	err := e.store.UpsertChunk(attemptCtx, chunk)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("chunk %d exceeded %s: %w", chunk.Index, e.cfg.CommitTimeout, common.ErrCommitTimeout)
	}
	return err
}

// Package ingest is the entry point for writing extraction results into the
// graph. A Writer ties together the lock coordinator, the transaction
// executor, the consistency tracker and the report governor over one graph
// store and one vector store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/consistency"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/lockcoord"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/report"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/txexec"
)

const (
	DefaultEmbedBatchSize = 64
	DefaultEmbedAttempts  = 3
)

// Deps are the collaborators of a Writer. Vectors and Embedder are optional;
// without them SyncEmbeddings and RefreshPayloads fail with a validation
// error. Locks may be shared between writers of the same graph store; when
// nil a coordinator is created from Config.Locks.
type Deps struct {
	Graph    store.GraphStore
	Vectors  store.VectorStore
	Embedder ai.Embedder
	Locks    *lockcoord.Coordinator
}

// Config bundles the tunables of every component.
type Config struct {
	Locks  lockcoord.Config
	Exec   txexec.Config
	Report report.Config

	// EmbedBatchSize is the number of nodes embedded per request.
	EmbedBatchSize int
	// EmbedAttempts is the total number of tries of an embedding request or
	// a transient vector store write. Negative disables retries.
	EmbedAttempts int
}

func (c Config) withDefaults() Config {
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = DefaultEmbedBatchSize
	}
	switch {
	case c.EmbedAttempts == 0:
		c.EmbedAttempts = DefaultEmbedAttempts
	case c.EmbedAttempts < 0:
		c.EmbedAttempts = 1
	}
	if c.Report.MaxReportJobs <= 0 {
		c.Report.MaxReportJobs = 1
	}
	return c
}

// Writer commits mutation batches and keeps the vector store consistent.
type Writer struct {
	cfg      Config
	graph    store.GraphStore
	vectors  store.VectorStore
	embedder ai.Embedder

	locks    *lockcoord.Coordinator
	exec     *txexec.Executor
	tracker  *consistency.Tracker
	governor *report.Governor
}

// NewWriter wires a Writer from its dependencies.
func NewWriter(deps Deps, cfg Config) (*Writer, error) {
	if deps.Graph == nil {
		return nil, errors.New("ingest: graph store is nil")
	}
	cfg = cfg.withDefaults()

	locks := deps.Locks
	if locks == nil {
		locks = lockcoord.New(cfg.Locks)
	}
	exec, err := txexec.New(deps.Graph, cfg.Exec)
	if err != nil {
		return nil, err
	}
	governor, err := report.NewGovernor(deps.Graph, cfg.Report, report.WithStateHook(func(jobID string, state report.JobState) {
		logger.Debug("[Writer] Report job", "job", jobID, "state", state)
	}))
	if err != nil {
		return nil, err
	}

	return &Writer{
		cfg:      cfg,
		graph:    deps.Graph,
		vectors:  deps.Vectors,
		embedder: deps.Embedder,
		locks:    locks,
		exec:     exec,
		tracker:  consistency.New(deps.Graph),
		governor: governor,
	}, nil
}

// Close releases the report worker pool. The stores are owned by the caller.
func (w *Writer) Close() {
	w.governor.Close()
}

// Locks returns the writer's lock coordinator.
func (w *Writer) Locks() *lockcoord.Coordinator {
	return w.locks
}

// Commit finalizes b, locks every entity it touches and commits it. It
// returns the commit result and the ids of nodes that should receive an
// embedding: nodes that were committed and directly observed, never
// placeholders. After a partial failure both cover the committed chunks only.
//
// b is spent even when Commit fails. Callers that retry retryable errors
// finalize the batch themselves and use CommitFinalized.
func (w *Writer) Commit(ctx context.Context, b *mutation.Batch) (txexec.CommitResult, []string, error) {
	if b == nil {
		return txexec.CommitResult{}, nil, common.Validationf("commit: nil batch")
	}
	fin, err := b.Finalize()
	if err != nil {
		return txexec.CommitResult{DocumentID: b.DocumentID()}, nil, err
	}
	return w.CommitFinalized(ctx, fin)
}

// CommitFinalized locks and commits an already finalized batch. fin is not
// modified and may be committed again after a retryable error that left
// CommitResult.Chunks at zero, such as a lock timeout. Re-committing chunks
// that were already written merges them a second time and adds edge weights
// twice.
func (w *Writer) CommitFinalized(ctx context.Context, fin *mutation.Finalized) (txexec.CommitResult, []string, error) {
	if fin == nil {
		return txexec.CommitResult{}, nil, common.Validationf("commit: nil finalized batch")
	}
	if fin.Empty() {
		return txexec.CommitResult{DocumentID: fin.DocumentID}, nil, nil
	}

	guard, err := w.locks.Acquire(ctx, fin.EntityIDs())
	if err != nil {
		res := txexec.CommitResult{DocumentID: fin.DocumentID}
		err = fmt.Errorf("lock batch %s: %w", fin.DocumentID, err)
		metrics.BatchResults.WithLabelValues(batchOutcome(res, err)).Inc()
		return res, nil, err
	}
	defer guard.Release()

	res, err := w.exec.Execute(ctx, fin, guard)
	metrics.BatchResults.WithLabelValues(batchOutcome(res, err)).Inc()
	return res, embeddingCandidates(fin, res.CommittedNodeIDs), err
}

func batchOutcome(res txexec.CommitResult, err error) string {
	switch {
	case err == nil:
		return "committed"
	case res.Chunks > 0:
		return "partial"
	case IsRetryable(err):
		return "retryable"
	default:
		return "failed"
	}
}

func embeddingCandidates(fin *mutation.Finalized, committed []string) []string {
	out := make([]string, 0, len(committed))
	for _, id := range committed {
		if fin.IsPlaceholder(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ReadForReport performs one governed batched read.
func (w *Writer) ReadForReport(ctx context.Context, nodeIDs []string, edgeKeys []common.EdgeKey) (store.Snapshot, error) {
	return w.governor.Read(ctx, nodeIDs, edgeKeys)
}

// Clusters returns the weakly connected components of the graph.
func (w *Writer) Clusters(ctx context.Context) ([]report.Cluster, error) {
	return report.Clusters(ctx, w.graph)
}

// BuildReports summarizes every cluster through the report governor. Results
// are in cluster order; a failing cluster never affects the others.
func (w *Writer) BuildReports(ctx context.Context, clusters []report.Cluster) []report.JobResult {
	jobs := make([]report.Job, len(clusters))
	for i, c := range clusters {
		jobs[i] = report.ClusterSummaryJob(c)
	}
	start := time.Now()
	results := w.governor.Run(ctx, jobs)
	logger.Info("[Writer] Reports built", "clusters", len(clusters), "duration", time.Since(start))
	return results
}

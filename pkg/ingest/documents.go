package ingest

import (
	"context"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/txexec"

	"golang.org/x/sync/errgroup"
)

// DocumentResult is the outcome of one document of ProcessDocuments.
type DocumentResult struct {
	DocumentID string
	Commit     txexec.CommitResult
	Sync       SyncReport
	Err        error
	Duration   time.Duration
}

// Report is the per-document outcome of ProcessDocuments, in input order.
type Report struct {
	Documents []DocumentResult
	Succeeded int
	Failed    int
}

// Failures returns the results of failed documents.
func (r Report) Failures() []DocumentResult {
	var out []DocumentResult
	for _, d := range r.Documents {
		if d.Err != nil {
			out = append(out, d)
		}
	}
	return out
}

// ProcessDocuments commits every document as its own batch. Documents run
// concurrently, at most Locks.MaxConcurrentBatches at a time; a failing
// document never stops the others. When the writer has a vector store and an
// embedder, the embedding candidates of every committed document are synced.
func (w *Writer) ProcessDocuments(ctx context.Context, docs []mutation.Document) Report {
	rep := Report{Documents: make([]DocumentResult, len(docs))}

	var eg errgroup.Group
	eg.SetLimit(int(w.locks.Limit()))
	for i := range docs {
		eg.Go(func() error {
			rep.Documents[i] = w.processDocument(ctx, docs[i])
			return nil
		})
	}
	_ = eg.Wait()

	for _, d := range rep.Documents {
		if d.Err != nil {
			rep.Failed++
			metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
			continue
		}
		rep.Succeeded++
		metrics.DocumentsProcessed.WithLabelValues("succeeded").Inc()
	}
	logger.Info("[Writer] Documents processed", "total", len(docs), "succeeded", rep.Succeeded, "failed", rep.Failed)
	return rep
}

// ProcessDocument commits one document and syncs its embeddings.
func (w *Writer) ProcessDocument(ctx context.Context, doc mutation.Document) DocumentResult {
	return w.processDocument(ctx, doc)
}

func (w *Writer) processDocument(ctx context.Context, doc mutation.Document) (res DocumentResult) {
	start := time.Now()
	res.DocumentID = doc.ID
	defer func() {
		res.Duration = time.Since(start)
	}()

	b, err := mutation.FromDocument(doc)
	if err != nil {
		res.Err = err
		logger.Warn("[Writer] Invalid document", "document", doc.ID, "err", err)
		return res
	}

	commit, candidates, err := w.Commit(ctx, b)
	res.Commit = commit
	if err != nil {
		res.Err = err
		logger.Error("[Writer] Commit failed", "document", doc.ID, "chunks", commit.Chunks, "err", err)
		return res
	}

	if w.vectors == nil || w.embedder == nil || len(candidates) == 0 {
		return res
	}
	sync, err := w.SyncEmbeddings(ctx, candidates)
	res.Sync = sync
	if err != nil {
		res.Err = err
		logger.Error("[Writer] Embedding sync failed", "document", doc.ID, "err", err)
	}
	return res
}

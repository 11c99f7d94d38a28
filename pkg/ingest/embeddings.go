package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/util"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/consistency"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"
)

// SyncReport is the outcome of SyncEmbeddings. Embedded ids are vector backed
// afterwards; skipped and failed ids keep their previous flag. Skipped holds
// placeholder nodes, which have nothing to embed.
type SyncReport struct {
	Embedded []string
	Skipped  []consistency.Skip
	Failed   []consistency.Skip
}

func (r *SyncReport) fail(id string, err error) {
	metrics.EmbeddingFailures.Inc()
	r.Failed = append(r.Failed, consistency.Skip{ID: id, Err: err})
}

// SyncEmbeddings embeds the current state of the given nodes, writes each
// embedding to the vector store and marks exactly the successfully written
// nodes vector backed. Placeholder nodes are skipped. Per-node failures are
// reported, not returned; the error covers reading nodes and setting the flag.
func (w *Writer) SyncEmbeddings(ctx context.Context, ids []string) (SyncReport, error) {
	var rep SyncReport
	if w.vectors == nil || w.embedder == nil {
		return rep, common.Validationf("sync embeddings: writer has no vector store or embedder")
	}
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return rep, nil
	}

	nodes, err := w.graph.GetNodes(ctx, ids)
	if err != nil {
		return rep, fmt.Errorf("read nodes for embedding: %w", err)
	}
	found := make(map[string]struct{}, len(nodes))
	observed := make([]common.Node, 0, len(nodes))
	for _, n := range nodes {
		found[n.ID] = struct{}{}
		if n.IsPlaceholder() {
			rep.Skipped = append(rep.Skipped, consistency.Skip{
				ID:  n.ID,
				Err: common.Consistencyf("embed %s: placeholder node has no embedding", n.ID),
			})
			continue
		}
		observed = append(observed, n)
	}
	nodes = observed
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			rep.fail(id, common.Consistencyf("embed %s: node does not exist", id))
		}
	}

	start := time.Now()
	err = store.ChunkRange(len(nodes), w.cfg.EmbedBatchSize, func(from, to int) error {
		return w.embedChunk(ctx, nodes[from:to], &rep)
	})
	if err != nil {
		return rep, err
	}

	// Concurrent syncs of documents sharing nodes may conflict on the flag.
	_, err = util.RetryWithBackoff(ctx, w.backoff(common.IsTransient, "mark vector backed"), func(ctx context.Context) error {
		return w.tracker.MarkVectorBacked(ctx, rep.Embedded)
	})
	if err != nil {
		return rep, err
	}
	logger.Debug("[Writer] Embeddings synced", "embedded", len(rep.Embedded), "skipped", len(rep.Skipped),
		"failed", len(rep.Failed), "duration", time.Since(start))
	return rep, nil
}

// embedChunk only returns an error when ctx is done.
func (w *Writer) embedChunk(ctx context.Context, nodes []common.Node, rep *SyncReport) error {
	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = ai.EmbeddingText(n)
	}

	var vectors [][]float32
	_, err := util.RetryWithBackoff(ctx, w.backoff(nil, "embed"), func(ctx context.Context) error {
		var err error
		vectors, err = w.embedder.Embed(ctx, texts)
		if err == nil && len(vectors) != len(texts) {
			err = fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(texts))
		}
		return err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Warn("[Writer] Embedding request failed", "nodes", len(nodes), "err", err)
		for _, n := range nodes {
			rep.fail(n.ID, err)
		}
		return nil
	}

	for i, n := range nodes {
		payload := store.PayloadFromNode(n)
		_, err := util.RetryWithBackoff(ctx, w.backoff(common.IsTransient, "upsert embedding"), func(ctx context.Context) error {
			return w.vectors.UpsertEmbedding(ctx, n.ID, vectors[i], payload)
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			rep.fail(n.ID, err)
			continue
		}
		metrics.EmbeddingsWritten.Inc()
		rep.Embedded = append(rep.Embedded, n.ID)
	}
	return nil
}

func (w *Writer) backoff(retryable func(error) bool, op string) util.Backoff {
	return util.Backoff{
		Attempts:  w.cfg.EmbedAttempts,
		BaseDelay: w.exec.Config().RetryBackoffBase,
		MaxDelay:  w.exec.Config().RetryBackoffMax,
		Retryable: retryable,
		OnRetry: func(retry int, delay time.Duration, err error) {
			logger.Warn("[Writer] Retrying "+op, "retry", retry, "delay", delay, "err", err)
		},
	}
}

// RefreshPayloads rewrites the vector payloads of the given nodes from their
// current graph state without re-embedding. Nodes that are not vector backed
// are skipped, never written.
func (w *Writer) RefreshPayloads(ctx context.Context, ids []string) (consistency.UpdateReport, error) {
	if w.vectors == nil {
		return consistency.UpdateReport{}, common.Validationf("refresh payloads: writer has no vector store")
	}
	ids = store.DedupeStrings(ids)
	nodes, err := w.graph.GetNodes(ctx, ids)
	if err != nil {
		return consistency.UpdateReport{}, fmt.Errorf("read nodes for payload refresh: %w", err)
	}
	payloads := make(map[string]store.VectorPayload, len(nodes))
	for _, n := range nodes {
		payloads[n.ID] = store.PayloadFromNode(n)
	}
	rep, err := w.tracker.UpdatePayloads(ctx, w.vectors, payloads)
	for _, id := range ids {
		if _, ok := payloads[id]; !ok {
			rep.Skipped = append(rep.Skipped, consistency.Skip{
				ID:  id,
				Err: common.Consistencyf("payload update for %s: node does not exist", id),
			})
		}
	}
	return rep, err
}

// IsRetryable reports whether a writer error may succeed when the whole
// operation is retried later.
func IsRetryable(err error) bool {
	return common.IsTransient(err) && !errors.Is(err, context.Canceled)
}

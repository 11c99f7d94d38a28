package consistency

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/metrics"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"
)

// Tracker keeps the graph store's vector-backed flag in step with the vector
// store. A node is flagged only after its embedding was written, and
// payload-only vector updates are issued only for flagged nodes.
type Tracker struct {
	flags store.VectorFlagStore
}

// Skip records a node whose payload update was not attempted or not applied.
type Skip struct {
	ID  string
	Err error
}

// UpdateReport is the outcome of UpdatePayloads.
type UpdateReport struct {
	Updated []string
	Skipped []Skip
	Failed  []Skip
}

// New creates a tracker over the given flag store.
func New(flags store.VectorFlagStore) *Tracker {
	return &Tracker{flags: flags}
}

// MarkVectorBacked flags ids as vector backed. Callers invoke it only for ids
// whose embedding write succeeded.
func (t *Tracker) MarkVectorBacked(ctx context.Context, ids []string) error {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	if err := t.flags.SetVectorBacked(ctx, ids); err != nil {
		return fmt.Errorf("mark %d nodes vector backed: %w", len(ids), err)
	}
	metrics.VectorBackedMarked.Add(float64(len(ids)))
	return nil
}

// FilterVectorBacked returns the ids whose stored node is vector backed, in
// input order and without duplicates. Unknown ids are dropped. The flags are
// fetched with a single batched read.
func (t *Tracker) FilterVectorBacked(ctx context.Context, ids []string) ([]string, error) {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	nodes, err := t.flags.GetNodes(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read vector flags: %w", err)
	}

	backed := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.VectorBacked {
			backed[n.ID] = struct{}{}
		}
	}
	out := make([]string, 0, len(backed))
	for _, id := range ids {
		if _, ok := backed[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// UpdatePayloads rewrites vector payloads for the given nodes. Nodes that are
// not vector backed, and nodes the vector store reports as missing, are
// skipped with a consistency error instead of failing the run. Other vector
// store errors are collected per node and joined into the returned error once
// every id has been tried.
func (t *Tracker) UpdatePayloads(ctx context.Context, vectors store.VectorStore, payloads map[string]store.VectorPayload) (UpdateReport, error) {
	var report UpdateReport
	if len(payloads) == 0 {
		return report, nil
	}

	ids := make([]string, 0, len(payloads))
	for id := range payloads {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	allowed, err := t.FilterVectorBacked(ctx, ids)
	if err != nil {
		return report, err
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = struct{}{}
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, ok := allowedSet[id]; !ok {
			report.skip(id, common.Consistencyf("payload update for %s: node is not vector backed", id))
			continue
		}
		err := vectors.UpdatePayload(ctx, id, payloads[id])
		switch {
		case err == nil:
			report.Updated = append(report.Updated, id)
		case errors.Is(err, common.ErrVectorNotFound):
			report.skip(id, common.Consistencyf("payload update for %s: %v", id, err))
		default:
			report.Failed = append(report.Failed, Skip{ID: id, Err: err})
			errs = append(errs, fmt.Errorf("update payload %s: %w", id, err))
		}
	}

	if len(report.Skipped) > 0 {
		logger.Warn("[Consistency] Skipped payload updates", "skipped", len(report.Skipped), "updated", len(report.Updated))
	}
	return report, errors.Join(errs...)
}

func (r *UpdateReport) skip(id string, err error) {
	metrics.ConsistencySkips.Inc()
	logger.Debug("[Consistency] Skipping payload update", "id", id, "err", err)
	r.Skipped = append(r.Skipped, Skip{ID: id, Err: err})
}

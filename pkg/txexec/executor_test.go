package txexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/lockcoord"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"
)

type fakeWriter struct {
	mu        sync.Mutex
	calls     int
	committed []store.Chunk
	fail      func(call int, chunk store.Chunk) error
	delay     time.Duration
}

func (f *fakeWriter) UpsertChunk(ctx context.Context, chunk store.Chunk) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := f.fail
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(call, chunk); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, chunk)
	return nil
}

type setGuard map[string]struct{}

func (g setGuard) Holds(id string) bool {
	_, ok := g[id]
	return ok
}

func guardFor(fin *mutation.Finalized) setGuard {
	g := setGuard{}
	for _, id := range fin.EntityIDs() {
		g[id] = struct{}{}
	}
	return g
}

func buildBatch(t *testing.T, nodes int, edges func(b *mutation.Batch)) *mutation.Finalized {
	t.Helper()
	b := mutation.NewBatch("doc")
	for i := range nodes {
		if err := b.AddNode(fmt.Sprintf("n%05d", i), common.NodeAttrs{Type: "ORG"}); err != nil {
			t.Fatalf("AddNode failed: %v", err)
		}
	}
	if edges != nil {
		edges(b)
	}
	fin, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	return fin
}

func fastConfig() Config {
	return Config{
		MaxAttempts:      3,
		RetryBackoffBase: time.Millisecond,
		CommitTimeout:    time.Second,
	}
}

func TestPlan_NodeChunks(t *testing.T) {
	fin := buildBatch(t, 2500, nil)
	chunks := Plan(fin, 1000, 2000)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, want := range []int{1000, 1000, 500} {
		if len(chunks[i].Nodes) != want {
			t.Fatalf("chunk %d: expected %d nodes, got %d", i, want, len(chunks[i].Nodes))
		}
		if chunks[i].Index != i {
			t.Fatalf("chunk %d has index %d", i, chunks[i].Index)
		}
	}
	if chunks[1].Nodes[0].ID != "n01000" {
		t.Fatalf("expected second chunk to start at n01000, got %s", chunks[1].Nodes[0].ID)
	}
}

func TestPlan_EdgesFollowTheirEndpoints(t *testing.T) {
	fin := buildBatch(t, 30, func(b *mutation.Batch) {
		_ = b.AddEdge("n00000", "n00001", common.EdgeAttrs{Relation: "r"})
		_ = b.AddEdge("n00029", "n00000", common.EdgeAttrs{Relation: "r"})
		_ = b.AddEdge("n00012", "n00005", common.EdgeAttrs{Relation: "r"})
		_ = b.AddEdge("n00000", "zz-placeholder", common.EdgeAttrs{Relation: "r"})
	})
	chunks := Plan(fin, 10, 100)

	chunkOf := map[string]int{}
	for _, c := range chunks {
		for _, n := range c.Nodes {
			chunkOf[n.ID] = c.Index
		}
	}
	for _, c := range chunks {
		for _, e := range c.Edges {
			need := max(chunkOf[e.Source], chunkOf[e.Target])
			if c.Index != need {
				t.Fatalf("edge %s->%s in chunk %d, expected %d", e.Source, e.Target, c.Index, need)
			}
		}
	}
	if !edgesInOrder(chunks) {
		t.Fatal("an edge precedes one of its endpoints")
	}
}

func TestPlan_OverflowingEdgesMoveForward(t *testing.T) {
	fin := buildBatch(t, 4, func(b *mutation.Batch) {
		for i := range 4 {
			for j := range 4 {
				if i != j {
					_ = b.AddEdge(fmt.Sprintf("n%05d", i), fmt.Sprintf("n%05d", j), common.EdgeAttrs{})
				}
			}
		}
	})
	chunks := Plan(fin, 2, 5)

	// 12 edges with at most 5 per chunk: two node chunks plus edge-only overflow.
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[2].Nodes) != 0 {
		t.Fatal("expected the overflow chunk to be edge-only")
	}
	if got := countEdges(chunks); got != 12 {
		t.Fatalf("expected 12 edges in total, got %d", got)
	}
	for _, c := range chunks {
		if len(c.Edges) > 5 {
			t.Fatalf("chunk %d holds %d edges", c.Index, len(c.Edges))
		}
	}
	if !edgesInOrder(chunks) {
		t.Fatal("an edge precedes one of its endpoints")
	}
}

func TestPlan_EmptyBatch(t *testing.T) {
	fin := buildBatch(t, 0, nil)
	if chunks := Plan(fin, 10, 10); len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %d", len(chunks))
	}
}

func TestExecute_CommitsAllChunks(t *testing.T) {
	w := &fakeWriter{}
	cfg := fastConfig()
	cfg.MaxChunkNodes = 1000
	ex, err := New(w, cfg, WithIDGenerator(func() (string, error) { return "commit-1", nil }))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	fin := buildBatch(t, 2500, func(b *mutation.Batch) {
		_ = b.AddEdge("n00000", "n02499", common.EdgeAttrs{Relation: "cites"})
	})
	res, err := ex.Execute(context.Background(), fin, guardFor(fin))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.CommitID != "commit-1" || res.DocumentID != "doc" {
		t.Fatalf("unexpected result identity %+v", res)
	}
	if res.Chunks != 3 || res.Nodes != 2500 || res.Edges != 1 || res.Retries != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.CommittedNodeIDs) != 2500 {
		t.Fatalf("expected 2500 committed ids, got %d", len(res.CommittedNodeIDs))
	}
	if len(w.committed) != 3 {
		t.Fatalf("expected 3 store transactions, got %d", len(w.committed))
	}
	for i, c := range w.committed {
		if c.Index != i {
			t.Fatalf("chunks committed out of order: position %d has index %d", i, c.Index)
		}
	}
}

func TestExecute_RetriesTransientErrorOnce(t *testing.T) {
	w := &fakeWriter{
		fail: func(call int, chunk store.Chunk) error {
			if call == 1 {
				return common.Transient(errors.New("serialization failure"))
			}
			return nil
		},
	}
	ex, _ := New(w, fastConfig())
	fin := buildBatch(t, 5, nil)

	res, err := ex.Execute(context.Background(), fin, guardFor(fin))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Retries != 1 {
		t.Fatalf("expected exactly 1 retry, got %d", res.Retries)
	}
	if w.calls != 2 {
		t.Fatalf("expected 2 store calls, got %d", w.calls)
	}
}

func TestExecute_DoesNotRetryFatalError(t *testing.T) {
	w := &fakeWriter{
		fail: func(call int, chunk store.Chunk) error {
			return common.Fatal(errors.New("check constraint violated"))
		},
	}
	ex, _ := New(w, fastConfig())
	fin := buildBatch(t, 5, nil)

	res, err := ex.Execute(context.Background(), fin, guardFor(fin))
	if !common.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if res.Retries != 0 || w.calls != 1 {
		t.Fatalf("expected no retries, got %d retries and %d calls", res.Retries, w.calls)
	}
	if res.Chunks != 0 || len(res.CommittedNodeIDs) != 0 {
		t.Fatalf("expected nothing committed, got %+v", res)
	}
}

func TestExecute_ExhaustedRetriesSurfaceTransientError(t *testing.T) {
	w := &fakeWriter{
		fail: func(call int, chunk store.Chunk) error {
			return common.Transient(errors.New("deadlock detected"))
		},
	}
	ex, _ := New(w, fastConfig())
	fin := buildBatch(t, 5, nil)

	res, err := ex.Execute(context.Background(), fin, guardFor(fin))
	if !common.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if res.Retries != 2 || w.calls != 3 {
		t.Fatalf("expected 2 retries and 3 calls, got %d and %d", res.Retries, w.calls)
	}
}

func TestExecute_DefaultAttemptsCountEveryStoreCall(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		calls       int
	}{
		{name: "default", maxAttempts: 0, calls: DefaultMaxAttempts},
		{name: "single", maxAttempts: 1, calls: 1},
		{name: "disabled", maxAttempts: -1, calls: 1},
		{name: "five", maxAttempts: 5, calls: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{
				fail: func(call int, chunk store.Chunk) error {
					return common.Transient(errors.New("could not serialize access"))
				},
			}
			ex, _ := New(w, Config{MaxAttempts: tt.maxAttempts, RetryBackoffBase: time.Microsecond})
			fin := buildBatch(t, 1, nil)

			res, err := ex.Execute(context.Background(), fin, guardFor(fin))
			if !common.IsTransient(err) {
				t.Fatalf("expected transient error, got %v", err)
			}
			if w.calls != tt.calls || res.Retries != tt.calls-1 {
				t.Fatalf("expected %d calls and %d retries, got %d and %d", tt.calls, tt.calls-1, w.calls, res.Retries)
			}
		})
	}
}

func TestExecute_PartialCommitKeepsEarlierChunks(t *testing.T) {
	w := &fakeWriter{
		fail: func(call int, chunk store.Chunk) error {
			if chunk.Index == 1 {
				return common.Fatal(errors.New("boom"))
			}
			return nil
		},
	}
	cfg := fastConfig()
	cfg.MaxChunkNodes = 10
	ex, _ := New(w, cfg)
	fin := buildBatch(t, 25, nil)

	res, err := ex.Execute(context.Background(), fin, guardFor(fin))
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Chunks != 1 || res.Nodes != 10 || len(res.CommittedNodeIDs) != 10 {
		t.Fatalf("expected only the first chunk to be reported, got %+v", res)
	}
}

func TestExecute_CommitTimeout(t *testing.T) {
	w := &fakeWriter{delay: 200 * time.Millisecond}
	cfg := fastConfig()
	cfg.CommitTimeout = 10 * time.Millisecond
	cfg.MaxAttempts = 2
	ex, _ := New(w, cfg)
	fin := buildBatch(t, 1, nil)

	res, err := ex.Execute(context.Background(), fin, guardFor(fin))
	if !errors.Is(err, common.ErrCommitTimeout) {
		t.Fatalf("expected commit timeout, got %v", err)
	}
	if res.Retries != 1 {
		t.Fatalf("expected the timeout to be retried once, got %d", res.Retries)
	}
}

func TestExecute_RequiresGuardCoverage(t *testing.T) {
	w := &fakeWriter{}
	ex, _ := New(w, fastConfig())
	fin := buildBatch(t, 3, func(b *mutation.Batch) {
		_ = b.AddEdge("n00000", "ghost", common.EdgeAttrs{})
	})

	g := guardFor(fin)
	delete(g, "ghost")
	if _, err := ex.Execute(context.Background(), fin, g); !common.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := ex.Execute(context.Background(), fin, nil); !common.IsValidation(err) {
		t.Fatalf("expected validation error for nil guard, got %v", err)
	}
	if w.calls != 0 {
		t.Fatalf("expected no store calls, got %d", w.calls)
	}
}

func TestExecute_WithCoordinatorGuard(t *testing.T) {
	w := &fakeWriter{}
	ex, _ := New(w, fastConfig())
	fin := buildBatch(t, 3, nil)

	coord := lockcoord.New(lockcoord.Config{MaxConcurrentBatches: 1, LockWaitTimeout: time.Second})
	guard, err := coord.Acquire(context.Background(), fin.EntityIDs())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer guard.Release()

	if _, err := ex.Execute(context.Background(), fin, guard); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
}

func edgesInOrder(chunks []store.Chunk) bool {
	seen := make(map[string]struct{})
	for _, c := range chunks {
		for _, n := range c.Nodes {
			seen[n.ID] = struct{}{}
		}
		for _, e := range c.Edges {
			_, src := seen[e.Source]
			_, tgt := seen[e.Target]
			if !src || !tgt {
				return false
			}
		}
	}
	return true
}

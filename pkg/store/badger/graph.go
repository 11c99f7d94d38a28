package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"

	"github.com/dgraph-io/badger/v4"
)

const (
	nodePrefix = "node:"
	edgePrefix = "edge:"
)

func nodeKey(id string) []byte {
	return []byte(nodePrefix + id)
}

// edgeKey separates the endpoints with a NUL byte so that (source, target)
// ordering of keys matches common.EdgeKey.Compare.
func edgeKey(source, target string) []byte {
	return []byte(edgePrefix + source + "\x00" + target)
}

// GraphStore is an embedded store.GraphStore on badger. Every chunk is one
// badger transaction; concurrent transactions touching the same keys fail
// with a retryable conflict.
type GraphStore struct {
	backend *Backend
}

var _ store.GraphStore = (*GraphStore)(nil)

// NewGraphStore creates a graph store on an open backend.
func NewGraphStore(backend *Backend) (*GraphStore, error) {
	if backend == nil {
		return nil, errors.New("badger: backend is nil")
	}
	return &GraphStore{backend: backend}, nil
}

// NewMemoryGraphStore opens an in-memory backend and a graph store on it.
// Closing the store closes the backend.
func NewMemoryGraphStore() (*GraphStore, error) {
	backend, err := OpenBackend("", true)
	if err != nil {
		return nil, err
	}
	return &GraphStore{backend: backend}, nil
}

// Close closes the underlying backend.
func (s *GraphStore) Close() error {
	return s.backend.Close()
}

func (s *GraphStore) UpsertChunk(ctx context.Context, chunk store.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.WithTx(func(tx *badger.Txn) error {
		for _, n := range chunk.Nodes {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := upsertNode(tx, n); err != nil {
				return fmt.Errorf("upsert node %s: %w", n.ID, err)
			}
		}
		for _, e := range chunk.Edges {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := upsertEdge(tx, e); err != nil {
				return fmt.Errorf("upsert edge %s->%s: %w", e.Source, e.Target, err)
			}
		}
		return nil
	}, true)
}

func upsertNode(tx *badger.Txn, n common.Node) error {
	n.VectorBacked = false
	n.Type = common.NormalizeType(n.Type)

	existing, found, err := getJSON[common.Node](tx, nodeKey(n.ID))
	if err != nil {
		return err
	}
	if found {
		common.MergeNode(&existing, n)
		n = existing
	}
	return setJSON(tx, nodeKey(n.ID), n)
}

func upsertEdge(tx *badger.Txn, e common.Edge) error {
	for _, id := range []string{e.Source, e.Target} {
		if _, err := tx.Get(nodeKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return common.Fatal(fmt.Errorf("endpoint %s does not exist", id))
			}
			return err
		}
	}

	existing, found, err := getJSON[common.Edge](tx, edgeKey(e.Source, e.Target))
	if err != nil {
		return err
	}
	if found {
		common.MergeEdge(&existing, e)
		e = existing
	}
	return setJSON(tx, edgeKey(e.Source, e.Target), e)
}

func (s *GraphStore) ReadBatch(ctx context.Context, nodeIDs []string, edgeKeys []common.EdgeKey) (store.Snapshot, error) {
	var snap store.Snapshot
	if err := ctx.Err(); err != nil {
		return snap, err
	}
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		for _, id := range store.DedupeStrings(nodeIDs) {
			n, found, err := getJSON[common.Node](tx, nodeKey(id))
			if err != nil {
				return err
			}
			if found {
				snap.Nodes = append(snap.Nodes, n)
			}
		}
		seen := make(map[common.EdgeKey]struct{}, len(edgeKeys))
		for _, key := range edgeKeys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			e, found, err := getJSON[common.Edge](tx, edgeKey(key.Source, key.Target))
			if err != nil {
				return err
			}
			if found {
				snap.Edges = append(snap.Edges, e)
			}
		}
		return nil
	}, false)
	return snap, err
}

// Ping fails once the underlying database was closed.
func (s *GraphStore) Ping(ctx context.Context) error {
	if s.backend.IsClosed() {
		return errors.New("badger: database is closed")
	}
	return ctx.Err()
}

func (s *GraphStore) GetNodes(ctx context.Context, ids []string) ([]common.Node, error) {
	snap, err := s.ReadBatch(ctx, ids, nil)
	return snap.Nodes, err
}

func (s *GraphStore) SetVectorBacked(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.WithTx(func(tx *badger.Txn) error {
		for _, id := range store.DedupeStrings(ids) {
			n, found, err := getJSON[common.Node](tx, nodeKey(id))
			if err != nil {
				return err
			}
			if !found || n.VectorBacked {
				continue
			}
			n.VectorBacked = true
			if err := setJSON(tx, nodeKey(id), n); err != nil {
				return err
			}
		}
		return nil
	}, true)
}

func (s *GraphStore) ScanNodes(ctx context.Context, fn func(common.Node) error) error {
	return scan(ctx, s.backend, nodePrefix, fn)
}

func (s *GraphStore) ScanEdges(ctx context.Context, fn func(common.Edge) error) error {
	return scan(ctx, s.backend, edgePrefix, fn)
}

func scan[T any](ctx context.Context, b *Backend, prefix string, fn func(T) error) error {
	return b.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var v T
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			})
			if err != nil {
				return err
			}
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	}, false)
}

func getJSON[T any](tx *badger.Txn, key []byte) (T, bool, error) {
	var v T
	item, err := tx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &v)
	})
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

func setJSON(tx *badger.Txn, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Set(key, buf)
}

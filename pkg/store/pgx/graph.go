package pgx

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/util"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphStore implements store.GraphStore on PostgreSQL. Every chunk is one
// transaction: existing rows are locked with SELECT ... FOR UPDATE, merged in
// Go with the shared merge policy and written back with ON CONFLICT upserts.
type GraphStore struct {
	conn          pgxIConn
	advisoryLocks bool
	closeConn     func()
}

var _ store.GraphStore = (*GraphStore)(nil)

type GraphStoreOption func(*GraphStore)

// WithAdvisoryLocks makes every chunk transaction take a transaction scoped
// advisory lock per entity id, in sorted order, before touching rows. Use it
// when several writer processes share one database.
func WithAdvisoryLocks() GraphStoreOption {
	return func(s *GraphStore) {
		s.advisoryLocks = true
	}
}

// WithCloser registers fn to be called by Close, typically pool.Close.
func WithCloser(fn func()) GraphStoreOption {
	return func(s *GraphStore) {
		s.closeConn = fn
	}
}

// NewGraphStore creates a graph store on an existing connection or pool.
func NewGraphStore(conn pgxIConn, opts ...GraphStoreOption) (*GraphStore, error) {
	if conn == nil {
		return nil, errors.New("pgx: connection is nil")
	}
	s := &GraphStore{conn: conn}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s, nil
}

func (s *GraphStore) Close() error {
	if s.closeConn != nil {
		s.closeConn()
	}
	return nil
}

func (s *GraphStore) UpsertChunk(ctx context.Context, chunk store.Chunk) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return Classify(err)
	}
	defer tx.Rollback(ctx)

	if s.advisoryLocks {
		if err := lockEntities(ctx, tx, chunkEntityIDs(chunk)); err != nil {
			return err
		}
	}
	if err := upsertNodes(ctx, tx, chunk.Nodes); err != nil {
		return err
	}
	if err := upsertEdges(ctx, tx, chunk.Edges); err != nil {
		return err
	}
	return Classify(tx.Commit(ctx))
}

func chunkEntityIDs(chunk store.Chunk) []string {
	ids := make([]string, 0, len(chunk.Nodes)+2*len(chunk.Edges))
	for _, n := range chunk.Nodes {
		ids = append(ids, n.ID)
	}
	for _, e := range chunk.Edges {
		ids = append(ids, e.Source, e.Target)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func lockEntities(ctx context.Context, tx pgxv5.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := &pgxv5.Batch{}
	for _, id := range ids {
		batch.Queue(`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id)
	}
	return execBatch(ctx, tx, batch)
}

func upsertNodes(ctx context.Context, tx pgxv5.Tx, nodes []common.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}

	rows, err := tx.Query(ctx, `
		SELECT id, name, type, description, provenance, vector_backed
		FROM graph_nodes
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE`, ids)
	if err != nil {
		return Classify(err)
	}
	existing, err := pgxv5.CollectRows(rows, scanNode)
	if err != nil {
		return Classify(err)
	}
	byID := make(map[string]common.Node, len(existing))
	for _, n := range existing {
		byID[n.ID] = n
	}

	batch := &pgxv5.Batch{}
	for _, n := range nodes {
		n.VectorBacked = false
		n.Type = common.NormalizeType(n.Type)
		if cur, ok := byID[n.ID]; ok {
			common.MergeNode(&cur, n)
			n = cur
		}
		batch.Queue(`
			INSERT INTO graph_nodes (id, name, type, description, provenance)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				type = EXCLUDED.type,
				description = EXCLUDED.description,
				provenance = EXCLUDED.provenance,
				updated_at = now()`,
			n.ID,
			util.SanitizePostgresText(n.Name),
			util.SanitizePostgresText(n.Type),
			util.SanitizePostgresText(n.Description),
			util.SanitizePostgresArray(n.Provenance),
		)
	}
	if err := execBatch(ctx, tx, batch); err != nil {
		return fmt.Errorf("upsert nodes: %w", err)
	}
	return nil
}

func upsertEdges(ctx context.Context, tx pgxv5.Tx, edges []common.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	sources := make([]string, len(edges))
	targets := make([]string, len(edges))
	for i, e := range edges {
		sources[i] = e.Source
		targets[i] = e.Target
	}

	rows, err := tx.Query(ctx, `
		SELECT e.source_id, e.target_id, e.relation, e.description, e.weight, e.provenance
		FROM graph_edges e
		JOIN unnest($1::text[], $2::text[]) AS k(source_id, target_id)
			ON e.source_id = k.source_id AND e.target_id = k.target_id
		ORDER BY e.source_id, e.target_id
		FOR UPDATE OF e`, sources, targets)
	if err != nil {
		return Classify(err)
	}
	existing, err := pgxv5.CollectRows(rows, scanEdge)
	if err != nil {
		return Classify(err)
	}
	byKey := make(map[common.EdgeKey]common.Edge, len(existing))
	for _, e := range existing {
		byKey[e.Key()] = e
	}

	batch := &pgxv5.Batch{}
	for _, e := range edges {
		if cur, ok := byKey[e.Key()]; ok {
			common.MergeEdge(&cur, e)
			e = cur
		}
		batch.Queue(`
			INSERT INTO graph_edges (source_id, target_id, relation, description, weight, provenance)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (source_id, target_id) DO UPDATE SET
				relation = EXCLUDED.relation,
				description = EXCLUDED.description,
				weight = EXCLUDED.weight,
				provenance = EXCLUDED.provenance,
				updated_at = now()`,
			e.Source,
			e.Target,
			util.SanitizePostgresText(e.Relation),
			util.SanitizePostgresText(e.Description),
			e.Weight,
			util.SanitizePostgresArray(e.Provenance),
		)
	}
	if err := execBatch(ctx, tx, batch); err != nil {
		// A missing endpoint surfaces as a foreign key violation, which
		// classify marks fatal.
		return fmt.Errorf("upsert edges: %w", err)
	}
	return nil
}

// execBatch sends a batch and reads every result so the first failing
// statement is reported.
func execBatch(ctx context.Context, tx pgxv5.Tx, batch *pgxv5.Batch) error {
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return Classify(err)
		}
	}
	return Classify(br.Close())
}

func (s *GraphStore) ReadBatch(ctx context.Context, nodeIDs []string, edgeKeys []common.EdgeKey) (store.Snapshot, error) {
	var snap store.Snapshot

	ids := store.DedupeStrings(nodeIDs)
	if len(ids) > 0 {
		nodes, err := s.queryNodes(ctx, ids)
		if err != nil {
			return snap, err
		}
		snap.Nodes = orderNodes(nodes, ids)
	}

	if len(edgeKeys) > 0 {
		sources := make([]string, len(edgeKeys))
		targets := make([]string, len(edgeKeys))
		for i, k := range edgeKeys {
			sources[i] = k.Source
			targets[i] = k.Target
		}
		rows, err := s.conn.Query(ctx, `
			SELECT DISTINCT e.source_id, e.target_id, e.relation, e.description, e.weight, e.provenance
			FROM graph_edges e
			JOIN unnest($1::text[], $2::text[]) AS k(source_id, target_id)
				ON e.source_id = k.source_id AND e.target_id = k.target_id`, sources, targets)
		if err != nil {
			return snap, Classify(err)
		}
		edges, err := pgxv5.CollectRows(rows, scanEdge)
		if err != nil {
			return snap, Classify(err)
		}
		snap.Edges = orderEdges(edges, edgeKeys)
	}
	return snap, nil
}

func (s *GraphStore) queryNodes(ctx context.Context, ids []string) ([]common.Node, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, name, type, description, provenance, vector_backed
		FROM graph_nodes
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, Classify(err)
	}
	nodes, err := pgxv5.CollectRows(rows, scanNode)
	if err != nil {
		return nil, Classify(err)
	}
	return nodes, nil
}

// orderNodes returns nodes in the order of ids, the order the other stores
// answer in.
func orderNodes(nodes []common.Node, ids []string) []common.Node {
	byID := make(map[string]common.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	out := make([]common.Node, 0, len(nodes))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

func orderEdges(edges []common.Edge, keys []common.EdgeKey) []common.Edge {
	byKey := make(map[common.EdgeKey]common.Edge, len(edges))
	for _, e := range edges {
		byKey[e.Key()] = e
	}
	out := make([]common.Edge, 0, len(edges))
	for _, k := range keys {
		if e, ok := byKey[k]; ok {
			out = append(out, e)
			delete(byKey, k)
		}
	}
	return out
}

func (s *GraphStore) GetNodes(ctx context.Context, ids []string) ([]common.Node, error) {
	snap, err := s.ReadBatch(ctx, ids, nil)
	return snap.Nodes, err
}

func (s *GraphStore) SetVectorBacked(ctx context.Context, ids []string) error {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	_, err := s.conn.Exec(ctx, `
		UPDATE graph_nodes
		SET vector_backed = TRUE, updated_at = now()
		WHERE id = ANY($1) AND NOT vector_backed`, ids)
	return Classify(err)
}

func (s *GraphStore) ScanNodes(ctx context.Context, fn func(common.Node) error) error {
	rows, err := s.conn.Query(ctx, `
		SELECT id, name, type, description, provenance, vector_backed
		FROM graph_nodes
		ORDER BY id`)
	if err != nil {
		return Classify(err)
	}
	return forEach(rows, scanNode, fn)
}

func (s *GraphStore) ScanEdges(ctx context.Context, fn func(common.Edge) error) error {
	rows, err := s.conn.Query(ctx, `
		SELECT source_id, target_id, relation, description, weight, provenance
		FROM graph_edges
		ORDER BY source_id, target_id`)
	if err != nil {
		return Classify(err)
	}
	return forEach(rows, scanEdge, fn)
}

func forEach[T any](rows pgxv5.Rows, scan pgxv5.RowToFunc[T], fn func(T) error) error {
	defer rows.Close()
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return Classify(rows.Err())
}

func scanNode(row pgxv5.CollectableRow) (common.Node, error) {
	var n common.Node
	err := row.Scan(&n.ID, &n.Name, &n.Type, &n.Description, &n.Provenance, &n.VectorBacked)
	return n, err
}

func scanEdge(row pgxv5.CollectableRow) (common.Edge, error) {
	var e common.Edge
	err := row.Scan(&e.Source, &e.Target, &e.Relation, &e.Description, &e.Weight, &e.Provenance)
	return e, err
}

package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/util"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
}

// VectorStore implements store.VectorStore on the node_vectors table. The
// connection must have the pgvector types registered (see pgx.NewPool).
type VectorStore struct {
	conn      pgxIConn
	classify  func(error) error
	closeConn func()
}

var _ store.VectorStore = (*VectorStore)(nil)

type Option func(*VectorStore)

// WithErrorClassifier maps driver errors onto the store error classes.
func WithErrorClassifier(fn func(error) error) Option {
	return func(s *VectorStore) {
		s.classify = fn
	}
}

// WithCloser registers fn to be called by Close.
func WithCloser(fn func()) Option {
	return func(s *VectorStore) {
		s.closeConn = fn
	}
}

func New(conn pgxIConn, opts ...Option) (*VectorStore, error) {
	if conn == nil {
		return nil, errors.New("pgvector: connection is nil")
	}
	s := &VectorStore{conn: conn, classify: func(err error) error { return err }}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s, nil
}

func (s *VectorStore) Close() error {
	if s.closeConn != nil {
		s.closeConn()
	}
	return nil
}

func (s *VectorStore) UpsertEmbedding(ctx context.Context, id string, vector []float32, payload store.VectorPayload) error {
	if id == "" {
		return common.Validationf("pgvector: upsert embedding with empty id")
	}
	if len(vector) == 0 {
		return common.Validationf("pgvector: empty embedding for %s", id)
	}
	meta, err := encodePayload(payload)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO node_vectors (id, embedding, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			payload = EXCLUDED.payload,
			updated_at = now()`,
		id, pgvector.NewVector(vector), meta)
	return s.classify(err)
}

func (s *VectorStore) UpdatePayload(ctx context.Context, id string, payload store.VectorPayload) error {
	meta, err := encodePayload(payload)
	if err != nil {
		return err
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE node_vectors SET payload = $2, updated_at = now()
		WHERE id = $1`, id, meta)
	if err != nil {
		return s.classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgvector: %s: %w", id, common.ErrVectorNotFound)
	}
	return nil
}

// Search ranks stored embeddings by cosine similarity to vector.
func (s *VectorStore) Search(ctx context.Context, vector []float32, limit int) ([]store.VectorMatch, error) {
	if limit <= 0 || len(vector) == 0 {
		return nil, nil
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, payload, 1 - (embedding <=> $1) AS score
		FROM node_vectors
		ORDER BY embedding <=> $1, id
		LIMIT $2`, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, s.classify(err)
	}
	return pgxv5.CollectRows(rows, func(row pgxv5.CollectableRow) (store.VectorMatch, error) {
		var (
			m    store.VectorMatch
			meta []byte
		)
		if err := row.Scan(&m.ID, &meta, &m.Score); err != nil {
			return m, err
		}
		if err := json.Unmarshal(meta, &m.Payload); err != nil {
			return m, fmt.Errorf("pgvector: decode payload %s: %w", m.ID, err)
		}
		return m, nil
	})
}

func encodePayload(p store.VectorPayload) ([]byte, error) {
	p.Name = util.SanitizePostgresText(p.Name)
	p.Type = util.SanitizePostgresText(p.Type)
	p.Description = util.SanitizePostgresText(p.Description)
	if p.Provenance == nil {
		p.Provenance = []string{}
	}
	return json.Marshal(p)
}

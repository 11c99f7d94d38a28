package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const vectorSchema = `
CREATE TABLE IF NOT EXISTS node_vectors (
    id TEXT PRIMARY KEY,
    payload TEXT NOT NULL,
    embedding BLOB NOT NULL
);
`

// VectorStore is an embedded store.VectorStore on SQLite. Embeddings are
// stored as little-endian float32 BLOBs; search is a brute-force cosine scan.
type VectorStore struct {
	db *sql.DB
}

var _ store.VectorStore = (*VectorStore)(nil)

// Open opens the SQLite database at dsn and ensures the schema exists. Use
// ":memory:" for a private in-memory database.
func Open(dsn string) (*VectorStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", withBusyTimeout(dsn))
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") {
		// Every new connection to :memory: is a fresh database.
		db.SetMaxOpenConns(1)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and ensures the schema exists.
func New(db *sql.DB) (*VectorStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite: db is nil")
	}
	if _, err := db.Exec(vectorSchema); err != nil {
		return nil, fmt.Errorf("sqlite: ensure schema: %w", err)
	}
	return &VectorStore{db: db}, nil
}

func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

func (s *VectorStore) Close() error {
	return s.db.Close()
}

func (s *VectorStore) UpsertEmbedding(ctx context.Context, id string, vector []float32, payload store.VectorPayload) error {
	if id == "" {
		return common.Validationf("sqlite: upsert embedding with empty id")
	}
	if len(vector) == 0 {
		return common.Validationf("sqlite: empty embedding for %s", id)
	}
	meta, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_vectors(id, payload, embedding) VALUES(?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, embedding = excluded.embedding`,
		id, string(meta), EncodeEmbedding(vector))
	return classify(err)
}

func (s *VectorStore) UpdatePayload(ctx context.Context, id string, payload store.VectorPayload) error {
	meta, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE node_vectors SET payload = ? WHERE id = ?`, string(meta), id)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %s: %w", id, common.ErrVectorNotFound)
	}
	return nil
}

func (s *VectorStore) Search(ctx context.Context, vector []float32, limit int) ([]store.VectorMatch, error) {
	if limit <= 0 || len(vector) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload, embedding FROM node_vectors`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []store.VectorMatch
	for rows.Next() {
		var (
			id   string
			meta string
			blob []byte
		)
		if err := rows.Scan(&id, &meta, &blob); err != nil {
			return nil, err
		}
		emb, err := DecodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("sqlite: decode %s: %w", id, err)
		}
		m := store.VectorMatch{ID: id, Score: store.CosineSimilarity(vector, emb)}
		if err := json.Unmarshal([]byte(meta), &m.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: decode payload %s: %w", id, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b store.VectorMatch) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EncodeEmbedding encodes a vector as a little-endian IEEE 754 float32 BLOB
// without a length prefix.
func EncodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// DecodeEmbedding decodes a BLOB produced by EncodeEmbedding.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d (not multiple of 4)", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

// classify marks busy and locked database errors as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return common.Transient(err)
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_CORRUPT:
			return common.Fatal(err)
		}
	}
	return err
}

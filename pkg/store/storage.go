package store

import (
	"context"
	"slices"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
)

// Chunk is the unit of atomic commit: one transaction containing a slice of
// a batch's nodes followed by the edges assigned to it. Every edge endpoint
// is either part of the chunk or was committed by an earlier chunk.
type Chunk struct {
	Index      int
	DocumentID string
	Nodes      []common.Node
	Edges      []common.Edge
}

// Snapshot is a read-only view of part of the graph returned by one batched
// read. Missing ids are simply absent.
type Snapshot struct {
	Nodes []common.Node
	Edges []common.Edge
}

// Node looks up a node of the snapshot by id.
func (s Snapshot) Node(id string) (common.Node, bool) {
	i := slices.IndexFunc(s.Nodes, func(n common.Node) bool { return n.ID == id })
	if i < 0 {
		return common.Node{}, false
	}
	return s.Nodes[i], true
}

// Edge looks up an edge of the snapshot by its directed key.
func (s Snapshot) Edge(key common.EdgeKey) (common.Edge, bool) {
	i := slices.IndexFunc(s.Edges, func(e common.Edge) bool { return e.Key() == key })
	if i < 0 {
		return common.Edge{}, false
	}
	return s.Edges[i], true
}

// GraphWriter persists chunks. UpsertChunk must be atomic: either every node
// and edge of the chunk is visible afterwards or none is.
//
// Upserts merge into existing rows: names and relations keep their first
// value, the first non-UNKNOWN type wins, descriptions and provenance are
// merged and edge weights are summed. The vector-backed flag is never changed
// by an upsert.
type GraphWriter interface {
	UpsertChunk(ctx context.Context, chunk Chunk) error
}

// GraphReader serves batched reads.
type GraphReader interface {
	ReadBatch(ctx context.Context, nodeIDs []string, edgeKeys []common.EdgeKey) (Snapshot, error)
}

// VectorFlagStore reads and sets the vector-backed node attribute.
type VectorFlagStore interface {
	GetNodes(ctx context.Context, ids []string) ([]common.Node, error)
	SetVectorBacked(ctx context.Context, ids []string) error
}

// GraphScanner walks the whole graph. Iteration stops at the first error
// returned by fn.
type GraphScanner interface {
	ScanNodes(ctx context.Context, fn func(common.Node) error) error
	ScanEdges(ctx context.Context, fn func(common.Edge) error) error
}

// GraphStore is a complete graph backend.
type GraphStore interface {
	GraphWriter
	GraphReader
	VectorFlagStore
	GraphScanner
	Close() error
}

// VectorPayload is the metadata stored next to a node embedding.
type VectorPayload struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Provenance  []string `json:"provenance"`
}

// PayloadFromNode builds the vector payload for a node.
func PayloadFromNode(n common.Node) VectorPayload {
	return VectorPayload{
		Name:        n.Name,
		Type:        n.Type,
		Description: n.Description,
		Provenance:  slices.Clone(n.Provenance),
	}
}

// VectorMatch is one similarity search hit.
type VectorMatch struct {
	ID      string
	Score   float64
	Payload VectorPayload
}

// VectorStore holds node embeddings.
//
// UpdatePayload rewrites the metadata of an existing embedding and returns an
// error matching common.ErrVectorNotFound when no embedding exists for id.
type VectorStore interface {
	UpsertEmbedding(ctx context.Context, id string, vector []float32, payload VectorPayload) error
	UpdatePayload(ctx context.Context, id string, payload VectorPayload) error
	Search(ctx context.Context, vector []float32, limit int) ([]VectorMatch, error)
	Close() error
}

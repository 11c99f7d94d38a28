package mutation

import (
	"slices"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
)

// Batch accumulates the node and edge mutations extracted from one document.
// Observations for the same node id or the same (source, target) edge key are
// merged as they arrive, so the batch never holds duplicate entries.
//
// A Batch is safe for concurrent use by the extraction workers of a single
// document. It is finalized exactly once and then discarded.
type Batch struct {
	documentID string

	mu        sync.Mutex
	nodes     map[string]*common.Node
	edges     map[common.EdgeKey]*common.Edge
	finalized bool
}

// Finalized is the immutable, deterministically ordered view of a batch.
// Nodes are sorted by id and edges by (source, target); this is the canonical
// commit and lock order.
type Finalized struct {
	DocumentID string
	Nodes      []common.Node
	Edges      []common.Edge

	placeholders map[string]struct{}
}

// NewBatch creates an empty batch for the given document.
func NewBatch(documentID string) *Batch {
	return &Batch{
		documentID: documentID,
		nodes:      make(map[string]*common.Node),
		edges:      make(map[common.EdgeKey]*common.Edge),
	}
}

// DocumentID returns the id of the document the batch was created for.
func (b *Batch) DocumentID() string {
	return b.documentID
}

// AddNode merges a node observation into the batch.
func (b *Batch) AddNode(id string, attrs common.NodeAttrs) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return common.Validationf("add node: empty id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return common.Validationf("add node %s: batch %s already finalized", id, b.documentID)
	}

	obs := common.Node{
		ID:          id,
		Name:        strings.TrimSpace(attrs.Name),
		Type:        common.NormalizeType(attrs.Type),
		Description: common.MergeDescriptions("", attrs.Description),
		Provenance:  common.UnionStrings(nil, attrs.Provenance),
	}

	if existing, ok := b.nodes[id]; ok {
		common.MergeNode(existing, obs)
		return nil
	}
	b.nodes[id] = &obs
	return nil
}

// AddEdge merges an edge observation into the batch. The edge is keyed by the
// exact (source, target) tuple; (A, B) and (B, A) are different edges.
func (b *Batch) AddEdge(source, target string, attrs common.EdgeAttrs) error {
	source = strings.TrimSpace(source)
	target = strings.TrimSpace(target)
	if source == "" || target == "" {
		return common.Validationf("add edge: empty endpoint (source=%q target=%q)", source, target)
	}

	weight := 0.0
	if attrs.Weight != nil {
		weight = *attrs.Weight
	}
	obs := common.Edge{
		Source:      source,
		Target:      target,
		Relation:    strings.TrimSpace(attrs.Relation),
		Description: common.MergeDescriptions("", attrs.Description),
		Weight:      weight,
		Provenance:  common.UnionStrings(nil, attrs.Provenance),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return common.Validationf("add edge %s->%s: batch %s already finalized", source, target, b.documentID)
	}

	key := obs.Key()
	if existing, ok := b.edges[key]; ok {
		common.MergeEdge(existing, obs)
		return nil
	}
	b.edges[key] = &obs
	return nil
}

// Len returns the number of distinct nodes and edges accumulated so far.
func (b *Batch) Len() (nodes, edges int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes), len(b.edges)
}

// Finalize seals the batch and returns its sorted view. Edge endpoints that
// were never added as nodes are synthesized as placeholder nodes of type
// UNKNOWN that are not vector backed. A second call fails with a validation
// error.
func (b *Batch) Finalize() (*Finalized, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, common.Validationf("finalize: batch %s already finalized", b.documentID)
	}
	b.finalized = true

	placeholders := make(map[string]struct{})
	for key := range b.edges {
		for _, id := range []string{key.Source, key.Target} {
			if _, ok := b.nodes[id]; ok {
				continue
			}
			placeholders[id] = struct{}{}
		}
	}

	nodes := make([]common.Node, 0, len(b.nodes)+len(placeholders))
	for _, n := range b.nodes {
		nodes = append(nodes, *n)
	}
	for id := range placeholders {
		nodes = append(nodes, common.Node{
			ID:           id,
			Type:         common.UnknownType,
			VectorBacked: false,
		})
	}
	slices.SortFunc(nodes, func(x, y common.Node) int {
		return strings.Compare(x.ID, y.ID)
	})

	edges := make([]common.Edge, 0, len(b.edges))
	for _, e := range b.edges {
		edges = append(edges, *e)
	}
	slices.SortFunc(edges, func(x, y common.Edge) int {
		return x.Key().Compare(y.Key())
	})

	return &Finalized{
		DocumentID:   b.documentID,
		Nodes:        nodes,
		Edges:        edges,
		placeholders: placeholders,
	}, nil
}

// EntityIDs returns the sorted, de-duplicated set of every node id the batch
// touches, including edge endpoints. This is the set a writer must lock.
func (f *Finalized) EntityIDs() []string {
	ids := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		ids = append(ids, n.ID)
	}
	for _, e := range f.Edges {
		ids = append(ids, e.Source, e.Target)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// IsPlaceholder reports whether the node was synthesized for a dangling edge
// endpoint rather than observed directly.
func (f *Finalized) IsPlaceholder(id string) bool {
	_, ok := f.placeholders[id]
	return ok
}

// Observed returns the directly observed nodes in id order.
func (f *Finalized) Observed() []common.Node {
	out := make([]common.Node, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		if f.IsPlaceholder(n.ID) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Empty reports whether the batch carries no mutations.
func (f *Finalized) Empty() bool {
	return len(f.Nodes) == 0 && len(f.Edges) == 0
}

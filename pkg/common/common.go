package common

import (
	"encoding/hex"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// UnknownType is the entity type of nodes whose type was never observed,
// including placeholder nodes synthesized for dangling edge endpoints.
const UnknownType = "UNKNOWN"

const descriptionSeparator = "\n"

// Node represents an entity in the graph. An entity can be an organization,
// person, location, or any other relevant concept.
//
// VectorBacked is true only after a durable embedding for the node has been
// written to the vector store. It travels with the node so that ordinary graph
// reads tell callers whether payload-only vector updates are safe.
type Node struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Description  string   `json:"description"`
	Provenance   []string `json:"provenance"`
	VectorBacked bool     `json:"vector_backed"`
}

// Edge represents a directed relationship between two entities. Direction is
// given by extraction and is never reordered.
type Edge struct {
	Source      string   `json:"source"`
	Target      string   `json:"target"`
	Relation    string   `json:"relation"`
	Description string   `json:"description"`
	Weight      float64  `json:"weight"`
	Provenance  []string `json:"provenance"`
}

// IsPlaceholder reports whether nothing was ever observed about the node: it
// only exists as an edge endpoint. Placeholders have no embedding.
func (n Node) IsPlaceholder() bool {
	return n.Name == "" && n.Description == "" && IsUnknownType(n.Type)
}

// EdgeKey identifies an edge by its ordered endpoints.
type EdgeKey struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Key returns the ordered (source, target) key of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Source: e.Source, Target: e.Target}
}

// Compare orders edge keys by source, then target.
func (k EdgeKey) Compare(o EdgeKey) int {
	if c := strings.Compare(k.Source, o.Source); c != 0 {
		return c
	}
	return strings.Compare(k.Target, o.Target)
}

// NodeAttrs is a single node observation produced by extraction.
type NodeAttrs struct {
	Name        string
	Type        string
	Description string
	Provenance  []string
}

// EdgeAttrs is a single edge observation produced by extraction. A nil Weight
// is treated as 0 when observations are merged.
type EdgeAttrs struct {
	Relation    string
	Description string
	Weight      *float64
	Provenance  []string
}

// CanonicalName normalizes an entity name so that spelling variants in
// whitespace and case map onto the same node id.
func CanonicalName(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}

// NodeID derives the stable node id of an entity from its canonical name.
func NodeID(name string) string {
	h, _ := blake2b.New(8, nil) // 64 bits
	h.Write([]byte(CanonicalName(name)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeType returns UnknownType for empty types and the upper-cased type
// otherwise.
func NormalizeType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	if t == "" {
		return UnknownType
	}
	return t
}

// IsUnknownType reports whether t carries no type information.
func IsUnknownType(t string) bool {
	return t == "" || t == UnknownType
}

// MergeDescriptions concatenates two newline separated description lists,
// dropping duplicates and empty lines while keeping first-seen order.
// Merging the same input twice yields the same result.
func MergeDescriptions(a, b string) string {
	if b == "" {
		return a
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, part := range slices.Concat(strings.Split(a, descriptionSeparator), strings.Split(b, descriptionSeparator)) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return strings.Join(out, descriptionSeparator)
}

// UnionStrings returns the sorted set union of a and b without empty values.
func UnionStrings(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if v != "" {
			out = append(out, v)
		}
	}
	for _, v := range b {
		if v != "" {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// MergeNode folds src into dst using the shared node merge policy: provenance
// is unioned, descriptions are concatenated and de-duplicated, and the first
// non-unknown type wins. VectorBacked is never cleared by a merge.
func MergeNode(dst *Node, src Node) {
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if IsUnknownType(dst.Type) && !IsUnknownType(src.Type) {
		dst.Type = src.Type
	}
	if dst.Type == "" {
		dst.Type = UnknownType
	}
	dst.Description = MergeDescriptions(dst.Description, src.Description)
	dst.Provenance = UnionStrings(dst.Provenance, src.Provenance)
	dst.VectorBacked = dst.VectorBacked || src.VectorBacked
}

// MergeEdge folds src into dst. Weights are summed, descriptions concatenated,
// provenance unioned and the first non-empty relation kept. Endpoints are
// never touched.
func MergeEdge(dst *Edge, src Edge) {
	if dst.Relation == "" {
		dst.Relation = src.Relation
	}
	dst.Weight += src.Weight
	dst.Description = MergeDescriptions(dst.Description, src.Description)
	dst.Provenance = UnionStrings(dst.Provenance, src.Provenance)
}

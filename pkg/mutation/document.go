package mutation

import (
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
)

// Document is the extraction result for one source document as produced by
// the extraction collaborator. Observation order carries no meaning.
type Document struct {
	ID    string            `json:"id"`
	Nodes []NodeObservation `json:"nodes"`
	Edges []EdgeObservation `json:"edges"`
}

// NodeObservation is one entity observation. When ID is empty it is derived
// from Name.
type NodeObservation struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Sources     []string `json:"sources"`
}

// EdgeObservation is one relationship observation. Endpoints are given either
// as ids or as entity names.
type EdgeObservation struct {
	SourceID    string   `json:"source_id,omitempty"`
	TargetID    string   `json:"target_id,omitempty"`
	SourceName  string   `json:"source,omitempty"`
	TargetName  string   `json:"target,omitempty"`
	Relation    string   `json:"relation"`
	Description string   `json:"description"`
	Weight      *float64 `json:"weight,omitempty"`
	Sources     []string `json:"sources"`
}

// FromDocument builds a batch from an extraction result.
func FromDocument(doc Document) (*Batch, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return nil, common.Validationf("document without id")
	}

	b := NewBatch(doc.ID)
	for i, n := range doc.Nodes {
		id := resolveID(n.ID, n.Name)
		err := b.AddNode(id, common.NodeAttrs{
			Name:        n.Name,
			Type:        n.Type,
			Description: n.Description,
			Provenance:  n.Sources,
		})
		if err != nil {
			return nil, fmt.Errorf("document %s node %d: %w", doc.ID, i, err)
		}
	}
	for i, e := range doc.Edges {
		err := b.AddEdge(resolveID(e.SourceID, e.SourceName), resolveID(e.TargetID, e.TargetName), common.EdgeAttrs{
			Relation:    e.Relation,
			Description: e.Description,
			Weight:      e.Weight,
			Provenance:  e.Sources,
		})
		if err != nil {
			return nil, fmt.Errorf("document %s edge %d: %w", doc.ID, i, err)
		}
	}
	return b, nil
}

func resolveID(id, name string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	if strings.TrimSpace(name) == "" {
		return ""
	}
	return common.NodeID(name)
}

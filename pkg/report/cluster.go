package report

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"
)

// Cluster is a group of related nodes and the edges between them.
type Cluster struct {
	ID       string           `json:"id"`
	NodeIDs  []string         `json:"node_ids"`
	EdgeKeys []common.EdgeKey `json:"edge_keys"`
}

// ClusterSummary aggregates a cluster snapshot.
type ClusterSummary struct {
	ClusterID   string         `json:"cluster_id"`
	Nodes       int            `json:"nodes"`
	Edges       int            `json:"edges"`
	NodesByType map[string]int `json:"nodes_by_type"`
	Relations   map[string]int `json:"relations"`
	TotalWeight float64        `json:"total_weight"`
	Description string         `json:"description"`
	Missing     []string       `json:"missing,omitempty"`
}

// ClusterSummaryJob returns a job summarising c.
func ClusterSummaryJob(c Cluster) Job {
	return Job{
		ID:       c.ID,
		NodeIDs:  c.NodeIDs,
		EdgeKeys: c.EdgeKeys,
		Run: func(ctx context.Context, snap store.Snapshot) (any, error) {
			return Summarize(c, snap), nil
		},
	}
}

// Summarize builds the summary of c from a snapshot of its nodes and edges.
func Summarize(c Cluster, snap store.Snapshot) ClusterSummary {
	sum := ClusterSummary{
		ClusterID:   c.ID,
		NodesByType: make(map[string]int),
		Relations:   make(map[string]int),
	}

	nodes := slices.Clone(snap.Nodes)
	slices.SortFunc(nodes, func(x, y common.Node) int {
		return strings.Compare(x.ID, y.ID)
	})
	found := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		found[n.ID] = struct{}{}
		sum.Nodes++
		sum.NodesByType[common.NormalizeType(n.Type)]++
		sum.Description = common.MergeDescriptions(sum.Description, n.Description)
	}
	for _, id := range c.NodeIDs {
		if _, ok := found[id]; !ok {
			sum.Missing = append(sum.Missing, id)
		}
	}

	for _, e := range snap.Edges {
		sum.Edges++
		sum.TotalWeight += e.Weight
		rel := e.Relation
		if rel == "" {
			rel = "related"
		}
		sum.Relations[rel]++
	}
	return sum
}

// Clusters groups the whole graph into weakly connected components. Nodes
// are listed in id order, clusters ordered by their smallest node id.
func Clusters(ctx context.Context, g store.GraphScanner) ([]Cluster, error) {
	parent := make(map[string]string)
	var find func(string) string
	find = func(id string) string {
		p, ok := parent[id]
		if !ok {
			parent[id] = id
			return id
		}
		if p == id {
			return id
		}
		root := find(p)
		parent[id] = root
		return root
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	err := g.ScanNodes(ctx, func(n common.Node) error {
		find(n.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan nodes: %w", err)
	}

	var edges []common.EdgeKey
	err = g.ScanEdges(ctx, func(e common.Edge) error {
		union(e.Source, e.Target)
		edges = append(edges, e.Key())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan edges: %w", err)
	}

	byRoot := make(map[string]*Cluster)
	for _, id := range slices.Sorted(maps.Keys(parent)) {
		root := find(id)
		c, ok := byRoot[root]
		if !ok {
			c = &Cluster{ID: "cluster-" + root}
			byRoot[root] = c
		}
		c.NodeIDs = append(c.NodeIDs, id)
	}
	for _, key := range edges {
		c := byRoot[find(key.Source)]
		c.EdgeKeys = append(c.EdgeKeys, key)
	}

	out := make([]Cluster, 0, len(byRoot))
	for _, root := range slices.Sorted(maps.Keys(byRoot)) {
		c := byRoot[root]
		slices.SortFunc(c.EdgeKeys, common.EdgeKey.Compare)
		out = append(out, *c)
	}
	return out, nil
}

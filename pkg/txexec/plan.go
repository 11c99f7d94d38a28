package txexec

import (
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"
)

// Plan splits a finalized batch into commit chunks.
//
// Nodes are cut into consecutive chunks of at most maxNodes in id order. Each
// edge, in (source, target) order, goes into the first chunk at or after the
// later of its endpoints' chunks that still has room for it; edge-only chunks
// are appended when every such chunk is full. Committing the chunks in order
// therefore never writes an edge before both of its endpoints.
func Plan(fin *mutation.Finalized, maxNodes, maxEdges int) []store.Chunk {
	if fin == nil || fin.Empty() {
		return nil
	}
	if maxNodes <= 0 {
		maxNodes = DefaultMaxChunkNodes
	}
	if maxEdges <= 0 {
		maxEdges = DefaultMaxChunkEdges
	}

	var chunks []store.Chunk
	chunkOf := make(map[string]int, len(fin.Nodes))
	_ = store.ChunkRange(len(fin.Nodes), maxNodes, func(start, end int) error {
		idx := len(chunks)
		nodes := fin.Nodes[start:end]
		for _, n := range nodes {
			chunkOf[n.ID] = idx
		}
		chunks = append(chunks, store.Chunk{
			Index:      idx,
			DocumentID: fin.DocumentID,
			Nodes:      nodes,
		})
		return nil
	})

	// firstOpen[i] caches the first chunk >= i known to have room, so
	// saturated prefixes are skipped instead of rescanned.
	firstOpen := make([]int, len(chunks))
	for i := range firstOpen {
		firstOpen[i] = i
	}

	for _, e := range fin.Edges {
		at := max(chunkOf[e.Source], chunkOf[e.Target])
		if at < len(firstOpen) {
			at = max(at, firstOpen[at])
		}
		for at < len(chunks) && len(chunks[at].Edges) >= maxEdges {
			at++
		}
		if at == len(chunks) {
			chunks = append(chunks, store.Chunk{
				Index:      at,
				DocumentID: fin.DocumentID,
			})
		}
		chunks[at].Edges = append(chunks[at].Edges, e)

		start := max(chunkOf[e.Source], chunkOf[e.Target])
		if start < len(firstOpen) {
			firstOpen[start] = at
		}
	}
	return chunks
}

func countEdges(chunks []store.Chunk) int {
	total := 0
	for _, c := range chunks {
		total += len(c.Edges)
	}
	return total
}

func nodeIDs(nodes []common.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

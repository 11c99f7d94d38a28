package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/config"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddedConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("GRAPH_BACKEND", "embedded")
	t.Setenv("BADGER_IN_MEMORY", "true")
	t.Setenv("SQLITE_DSN", ":memory:")
	t.Setenv("AI_EMBED_PROVIDER", "none")
	cfg, err := config.Parse()
	require.NoError(t, err)
	return cfg
}

func TestOpenEmbedded(t *testing.T) {
	a, err := Open(context.Background(), embeddedConfig(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.Nil(t, a.Embedder)
	assert.Nil(t, a.Lease)
	require.NoError(t, a.Ping(context.Background()))

	rep := a.Writer.ProcessDocuments(context.Background(), []mutation.Document{{
		ID:    "D1",
		Nodes: []mutation.NodeObservation{{Name: "Alpha", Type: "ORG"}},
	}})
	require.Equal(t, 1, rep.Succeeded, "failures: %+v", rep.Failures())

	nodes, err := a.Graph.GetNodes(context.Background(), []string{common.NodeID("Alpha")})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.False(t, nodes[0].VectorBacked)
}

func TestOpenEmbedded_OnDisk(t *testing.T) {
	dir := t.TempDir()
	cfg := embeddedConfig(t)
	cfg.Badger.InMemory = false
	cfg.Badger.Dir = filepath.Join(dir, "graph")
	cfg.SQLite.DSN = filepath.Join(dir, "vectors", "vectors.db")

	a, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	a.Close()

	_, err = os.Stat(filepath.Join(dir, "vectors"))
	assert.NoError(t, err)
}

func TestNewEmbedder(t *testing.T) {
	e, err := NewEmbedder(config.EmbeddingConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = NewEmbedder(config.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Key: "k", Dimensions: 8, Parallel: 1})
	require.NoError(t, err)
	assert.Equal(t, 8, e.Dimensions())

	e, err = NewEmbedder(config.EmbeddingConfig{Provider: "ollama", Model: "nomic-embed-text", URL: "http://localhost:11434", Dimensions: 4, Parallel: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, e.Dimensions())

	_, err = NewEmbedder(config.EmbeddingConfig{Provider: "cohere"})
	assert.Error(t, err)
}

func TestEnsureParentDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ensureParentDir(filepath.Join(dir, "a", "b.db")))
	_, err := os.Stat(filepath.Join(dir, "a"))
	assert.NoError(t, err)

	assert.NoError(t, ensureParentDir(":memory:"))
	assert.NoError(t, ensureParentDir("file:test.db?mode=memory"))
}

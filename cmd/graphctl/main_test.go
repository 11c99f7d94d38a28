package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/app"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/config"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/report"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEmbeddedEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GRAPH_BACKEND", "embedded")
	t.Setenv("BADGER_IN_MEMORY", "false")
	t.Setenv("BADGER_DIR", filepath.Join(dir, "graph"))
	t.Setenv("SQLITE_DSN", filepath.Join(dir, "vectors.db"))
	t.Setenv("AI_EMBED_PROVIDER", "none")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	err := app.Run(append([]string{"graphctl"}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDecodeDocuments(t *testing.T) {
	docs, err := decodeDocuments([]byte(`{"id":"D1","nodes":[{"name":"A"}]}`))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "D1", docs[0].ID)

	docs, err = decodeDocuments([]byte("  [{\"id\":\"D1\"},{\"id\":\"D2\"}]\n"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "D2", docs[1].ID)

	_, err = decodeDocuments([]byte(`{"id":`))
	assert.Error(t, err)
}

func TestLoadDocuments_DirectoryInNameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.json"), `{"id":"B"}`)
	writeFile(t, filepath.Join(dir, "a.json"), `[{"id":"A1"},{"id":"A2"}]`)
	writeFile(t, filepath.Join(dir, "notes.txt"), `ignored`)

	docs, err := loadDocuments([]string{dir})
	require.NoError(t, err)
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"A1", "A2", "B"}, ids)

	_, err = loadDocuments([]string{filepath.Join(dir, "missing.json")})
	assert.Error(t, err)
}

func TestIngestStatsReport(t *testing.T) {
	dir := setEmbeddedEnv(t)
	input := filepath.Join(dir, "in")
	require.NoError(t, os.Mkdir(input, 0755))
	writeFile(t, filepath.Join(input, "d1.json"), `{
		"id": "D1",
		"nodes": [{"name": "Alpha", "type": "ORG"}, {"name": "Beta", "type": "ORG"}],
		"edges": [{"source": "Alpha", "target": "Beta", "relation": "owns"}]
	}`)
	writeFile(t, filepath.Join(input, "d2.json"), `{
		"id": "D2",
		"nodes": [{"name": "Gamma", "type": "PERSON"}],
		"edges": [{"source": "Gamma", "target": "Delta", "relation": "knows"}]
	}`)

	out, err := run(t, "ingest", input)
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 succeeded, 0 failed")

	out, err = run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "nodes\t4\n")
	assert.Contains(t, out, "placeholders\t1\n")
	assert.Contains(t, out, "edges\t2\n")
	assert.Contains(t, out, "vector_backed\t0\n")

	out, err = run(t, "report")
	require.NoError(t, err)
	var summaries []report.ClusterSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 2)
	total := 0
	for _, s := range summaries {
		total += s.Nodes
	}
	assert.Equal(t, 4, total)
}

func TestMissingEmbeddingSkipsPlaceholders(t *testing.T) {
	dir := setEmbeddedEnv(t)
	path := filepath.Join(dir, "d1.json")
	writeFile(t, path, `{"id":"D1","nodes":[{"name":"Alpha","type":"ORG"}],"edges":[{"source":"Alpha","target":"Ghost","relation":"mentions"}]}`)
	out, err := run(t, "ingest", path)
	require.NoError(t, err, out)

	cfg, err := config.Parse()
	require.NoError(t, err)
	a, err := app.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	ids, err := nodeIDs(context.Background(), a.Graph, missingEmbedding)
	require.NoError(t, err)
	assert.Equal(t, []string{common.NodeID("Alpha")}, ids)
}

func TestIngest_FailedDocumentFailsCommand(t *testing.T) {
	dir := setEmbeddedEnv(t)
	path := filepath.Join(dir, "bad.json")
	writeFile(t, path, `[{"id":"D1","nodes":[{"name":"A"}]},{"id":"","nodes":[{"name":"B"}]}]`)

	out, err := run(t, "ingest", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 documents failed")
	assert.Contains(t, out, "1 succeeded, 1 failed")
}

func TestCommandErrors(t *testing.T) {
	setEmbeddedEnv(t)

	_, err := run(t, "ingest")
	assert.ErrorContains(t, err, "at least one file")

	_, err = run(t, "migrate")
	assert.ErrorContains(t, err, "GRAPH_BACKEND=postgres")

	_, err = run(t, "sync-embeddings", "--missing")
	assert.ErrorContains(t, err, "no embedding provider")

	_, err = run(t, "refresh-payloads")
	assert.ErrorContains(t, err, "--id or --all")

	_, err = run(t, "search")
	assert.ErrorContains(t, err, "needs a text")

	_, err = run(t, "enqueue")
	assert.ErrorContains(t, err, "--s3-prefix or --report")
}

func TestInvalidConfigFailsBeforeCommand(t *testing.T) {
	setEmbeddedEnv(t)
	t.Setenv("GRAPH_BACKEND", "cassandra")
	_, err := run(t, "stats")
	assert.Error(t, err)
}

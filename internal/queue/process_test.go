package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ingest"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/lockcoord"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/report"
	badgerstore "github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store/badger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPayloads struct {
	files map[string][]byte
}

func (m *memPayloads) GetFile(ctx context.Context, key string) ([]byte, error) {
	data, ok := m.files[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return data, nil
}

func (m *memPayloads) PutFile(ctx context.Context, key string, file io.ReadSeeker) error {
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	m.files[key] = data
	return nil
}

type recordingLeaser struct {
	keys []string
	opts leaselock.Options
}

func (l *recordingLeaser) WithLease(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error {
	l.keys = append(l.keys, key)
	l.opts = opts
	return fn(ctx)
}

func newProcessor(t *testing.T) (*Processor, *badgerstore.GraphStore, *memPayloads) {
	t.Helper()
	graph, err := badgerstore.NewMemoryGraphStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = graph.Close() })

	w, err := ingest.NewWriter(ingest.Deps{Graph: graph}, ingest.Config{
		Locks:  lockcoord.Config{MaxConcurrentBatches: 2, LockWaitTimeout: time.Second},
		Report: report.Config{MaxReportJobs: 1},
	})
	require.NoError(t, err)
	t.Cleanup(w.Close)

	payloads := &memPayloads{files: map[string][]byte{}}
	return &Processor{Writer: w, Payloads: payloads}, graph, payloads
}

func testDocument(id string) mutation.Document {
	return mutation.Document{
		ID: id,
		Nodes: []mutation.NodeObservation{
			{Name: "Alpha", Type: "ORG", Description: "first"},
			{Name: "Beta", Type: "ORG", Description: "second"},
		},
		Edges: []mutation.EdgeObservation{
			{SourceName: "Alpha", TargetName: "Beta", Relation: "owns"},
		},
	}
}

func countNodes(t *testing.T, graph *badgerstore.GraphStore) int {
	t.Helper()
	n := 0
	require.NoError(t, graph.ScanNodes(context.Background(), func(common.Node) error {
		n++
		return nil
	}))
	return n
}

func TestProcessExtraction_Inline(t *testing.T) {
	p, graph, _ := newProcessor(t)
	doc := testDocument("D1")
	body, err := json.Marshal(ExtractionMsg{Document: &doc})
	require.NoError(t, err)

	require.NoError(t, p.ProcessExtraction(context.Background(), body))
	assert.Equal(t, 2, countNodes(t, graph))
}

func TestProcessExtraction_FromPayloadStore(t *testing.T) {
	p, graph, payloads := newProcessor(t)
	doc := testDocument("")
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	payloads.files["extractions/D7.json"] = data

	body := []byte(`{"document_id":"D7","payload_key":"extractions/D7.json"}`)
	require.NoError(t, p.ProcessExtraction(context.Background(), body))

	nodes, err := graph.GetNodes(context.Background(), []string{common.NodeID("Alpha")})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "first", nodes[0].Description)
	assert.Equal(t, 2, countNodes(t, graph))
}

func TestProcessExtraction_Errors(t *testing.T) {
	p, _, _ := newProcessor(t)
	ctx := context.Background()

	err := p.ProcessExtraction(ctx, []byte(`not json`))
	assert.True(t, common.IsValidation(err))

	err = p.ProcessExtraction(ctx, []byte(`{"document_id":"D1"}`))
	assert.True(t, common.IsValidation(err))

	err = p.ProcessExtraction(ctx, []byte(`{"payload_key":"missing.json"}`))
	assert.True(t, ingest.IsRetryable(err), "missing payload should be retried: %v", err)

	err = p.ProcessExtraction(ctx, []byte(`{"document":{"id":"","nodes":[{"name":"A"}]}}`))
	assert.True(t, common.IsValidation(err))
}

func TestProcessExtraction_PayloadKeyWithoutStore(t *testing.T) {
	p, _, _ := newProcessor(t)
	p.Payloads = nil
	err := p.ProcessExtraction(context.Background(), []byte(`{"payload_key":"a.json"}`))
	assert.True(t, common.IsValidation(err))
}

func TestProcessReport(t *testing.T) {
	p, _, payloads := newProcessor(t)
	leaser := &recordingLeaser{}
	p.Lease = leaser
	p.LeaseTTL = time.Minute
	ctx := context.Background()

	doc := testDocument("D1")
	body, err := json.Marshal(ExtractionMsg{Document: &doc})
	require.NoError(t, err)
	require.NoError(t, p.ProcessExtraction(ctx, body))

	require.NoError(t, p.ProcessReport(ctx, []byte(`{"graph":"main"}`)))
	assert.Equal(t, []string{leaselock.ReportKey("main")}, leaser.keys)
	assert.Equal(t, time.Minute, leaser.opts.TTL)
	assert.True(t, leaser.opts.Wait)

	var summaries []report.ClusterSummary
	require.NoError(t, json.Unmarshal(payloads.files[ReportKey("main")], &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].Nodes)
	assert.Equal(t, 1, summaries[0].Edges)
}

func TestProcessReport_LeaseErrorPropagates(t *testing.T) {
	p, _, _ := newProcessor(t)
	p.Lease = failingLeaser{}
	err := p.ProcessReport(context.Background(), []byte(`{"graph":"main"}`))
	assert.ErrorIs(t, err, leaselock.ErrBusy)
}

func TestProcessReport_RequiresGraph(t *testing.T) {
	p, _, _ := newProcessor(t)
	err := p.ProcessReport(context.Background(), []byte(`{}`))
	assert.True(t, common.IsValidation(err))
}

type failingLeaser struct{}

func (failingLeaser) WithLease(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error {
	return fmt.Errorf("acquire %s: %w", key, leaselock.ErrBusy)
}

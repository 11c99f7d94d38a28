package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDocuments_RoundTripsThroughDecoder(t *testing.T) {
	pub := &fakePublisher{}
	docs := []mutation.Document{
		{ID: "D1", Nodes: []mutation.NodeObservation{{Name: "Alpha", Type: "ORG"}}},
		{ID: "D2", Nodes: []mutation.NodeObservation{{Name: "Beta"}}},
	}

	n, err := EnqueueDocuments(context.Background(), pub, "extraction_queue", docs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.sent, 2)

	ids := map[string]bool{}
	for i, p := range pub.sent {
		assert.Equal(t, "extraction_queue", p.key)
		assert.Equal(t, "application/json", p.msg.ContentType)
		assert.Equal(t, amqp091.Persistent, p.msg.DeliveryMode)

		msg, err := decodeExtraction(p.msg.Body)
		require.NoError(t, err)
		assert.Equal(t, docs[i].ID, msg.DocumentID)
		require.NotNil(t, msg.Document)
		assert.Equal(t, docs[i].Nodes[0].Name, msg.Document.Nodes[0].Name)
		assert.NotEmpty(t, msg.CorrelationID)
		ids[msg.CorrelationID] = true
	}
	assert.Len(t, ids, 2, "every message gets its own correlation id")
}

func TestEnqueueDocuments_StopsAtFirstError(t *testing.T) {
	n, err := EnqueueDocuments(context.Background(), &fakePublisher{}, "q", []mutation.Document{{ID: "D1"}, {ID: ""}})
	assert.True(t, common.IsValidation(err))
	assert.Equal(t, 1, n)

	down := errors.New("channel closed")
	n, err = EnqueueDocuments(context.Background(), &fakePublisher{err: down}, "q", []mutation.Document{{ID: "D1"}})
	assert.ErrorIs(t, err, down)
	assert.Zero(t, n)
}

func TestEnqueuePayloadsAndReport(t *testing.T) {
	pub := &fakePublisher{}
	n, err := EnqueuePayloads(context.Background(), pub, "extraction_queue", []string{"docs/d1.json"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, EnqueueReport(context.Background(), pub, "report_queue", "default"))
	require.Len(t, pub.sent, 2)

	ext, err := decodeExtraction(pub.sent[0].msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "docs/d1.json", ext.PayloadKey)

	assert.Equal(t, "report_queue", pub.sent[1].key)
	rep, err := decodeReport(pub.sent[1].msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "default", rep.Graph)

	assert.True(t, common.IsValidation(EnqueueReport(context.Background(), pub, "report_queue", "")))
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// EnqueueDocuments publishes one inline extraction message per document and
// returns how many were published before the first error.
func EnqueueDocuments(ctx context.Context, pub Publisher, queueName string, docs []mutation.Document) (int, error) {
	for i := range docs {
		if docs[i].ID == "" {
			return i, common.Validationf("enqueue document %d: empty id", i)
		}
		id, err := gonanoid.New()
		if err != nil {
			return i, err
		}
		msg := ExtractionMsg{CorrelationID: id, DocumentID: docs[i].ID, Document: &docs[i]}
		if err := publishJSON(ctx, pub, queueName, msg); err != nil {
			return i, fmt.Errorf("enqueue document %s: %w", docs[i].ID, err)
		}
	}
	return len(docs), nil
}

// EnqueuePayloads publishes one extraction message per payload key.
func EnqueuePayloads(ctx context.Context, pub Publisher, queueName string, keys []string) (int, error) {
	for i, key := range keys {
		id, err := gonanoid.New()
		if err != nil {
			return i, err
		}
		if err := publishJSON(ctx, pub, queueName, ExtractionMsg{CorrelationID: id, PayloadKey: key}); err != nil {
			return i, fmt.Errorf("enqueue payload %s: %w", key, err)
		}
	}
	return len(keys), nil
}

// EnqueueReport asks for the reports of graph to be rebuilt.
func EnqueueReport(ctx context.Context, pub Publisher, queueName, graph string) error {
	if graph == "" {
		return common.Validationf("enqueue report: empty graph")
	}
	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	return publishJSON(ctx, pub, queueName, ReportMsg{CorrelationID: id, Graph: graph})
}

func publishJSON(ctx context.Context, pub Publisher, queueName string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return PublishFIFO(ctx, pub, queueName, data)
}

package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/util"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ingest"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/report"
)

const storageAttempts = 3

// PayloadStore holds extraction payloads and built reports.
type PayloadStore interface {
	GetFile(ctx context.Context, key string) ([]byte, error)
	PutFile(ctx context.Context, key string, file io.ReadSeeker) error
}

// Leaser serializes report builds across processes.
type Leaser interface {
	WithLease(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error
}

// Processor turns queue messages into writer calls.
type Processor struct {
	Writer *ingest.Writer
	// Payloads is optional; without it only inline documents are accepted
	// and reports are logged but not stored.
	Payloads PayloadStore
	// Lease is optional; without it report builds are not serialized.
	Lease    Leaser
	LeaseTTL time.Duration
}

// ProcessExtraction commits one document. Per-node embedding failures are
// logged and do not fail the message.
func (p *Processor) ProcessExtraction(ctx context.Context, body []byte) error {
	msg, err := decodeExtraction(body)
	if err != nil {
		return err
	}
	doc, err := p.loadDocument(ctx, msg)
	if err != nil {
		return err
	}

	res := p.Writer.ProcessDocument(ctx, doc)
	if res.Err != nil {
		return fmt.Errorf("document %s: %w", doc.ID, res.Err)
	}
	for _, f := range res.Sync.Failed {
		logger.Warn("[Queue] Node not embedded", "document", doc.ID, "node", f.ID, "err", f.Err)
	}
	logger.Info("[Queue] Document committed",
		"document", doc.ID,
		"correlation_id", msg.CorrelationID,
		"nodes", res.Commit.Nodes,
		"edges", res.Commit.Edges,
		"embedded", len(res.Sync.Embedded),
		"duration", res.Duration,
	)
	return nil
}

func (p *Processor) loadDocument(ctx context.Context, msg ExtractionMsg) (mutation.Document, error) {
	var doc mutation.Document
	if msg.Document != nil {
		doc = *msg.Document
	} else {
		if p.Payloads == nil {
			return doc, common.Validationf("payload_key %s given but no payload store is configured", msg.PayloadKey)
		}
		data, err := util.RetryWithContext(ctx, storageAttempts, func(ctx context.Context) ([]byte, error) {
			return p.Payloads.GetFile(ctx, msg.PayloadKey)
		})
		if err != nil {
			return doc, common.Transient(err)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return doc, common.Validationf("decode payload %s: %v", msg.PayloadKey, err)
		}
	}
	if doc.ID == "" {
		doc.ID = msg.DocumentID
	}
	return doc, nil
}

// ProcessReport rebuilds the cluster reports of one graph while holding the
// graph's report lease. Any failed cluster fails the message.
func (p *Processor) ProcessReport(ctx context.Context, body []byte) error {
	msg, err := decodeReport(body)
	if err != nil {
		return err
	}
	build := func(ctx context.Context) error {
		return p.buildReports(ctx, msg)
	}
	if p.Lease == nil {
		return build(ctx)
	}
	return p.Lease.WithLease(ctx, leaselock.ReportKey(msg.Graph), leaselock.Options{
		TTL:  p.LeaseTTL,
		Wait: true,
	}, build)
}

func (p *Processor) buildReports(ctx context.Context, msg ReportMsg) error {
	clusters, err := p.Writer.Clusters(ctx)
	if err != nil {
		return err
	}
	results := p.Writer.BuildReports(ctx, clusters)

	summaries := make([]report.ClusterSummary, 0, len(results))
	var errs []error
	for _, r := range results {
		if r.State != report.Completed {
			errs = append(errs, fmt.Errorf("cluster %s: %w", r.ID, r.Err))
			continue
		}
		summaries = append(summaries, r.Output.(report.ClusterSummary))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	logger.Info("[Queue] Reports built", "graph", msg.Graph, "clusters", len(summaries), "correlation_id", msg.CorrelationID)
	if p.Payloads == nil {
		return nil
	}
	data, err := json.Marshal(summaries)
	if err != nil {
		return err
	}
	key := ReportKey(msg.Graph)
	err = util.RetryErrWithContext(ctx, storageAttempts, func(ctx context.Context) error {
		return p.Payloads.PutFile(ctx, key, bytes.NewReader(data))
	})
	if err != nil {
		return common.Transient(err)
	}
	logger.Debug("[Queue] Reports stored", "key", key)
	return nil
}

// ReportKey is the object key under which the reports of graph are stored.
func ReportKey(graph string) string {
	return path.Join("reports", graph, "clusters.json")
}

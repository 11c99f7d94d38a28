package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/config"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/queue"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/storage"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/common"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ingest"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/mutation"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/report"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"
	pgxstore "github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store/pgx"

	"github.com/urfave/cli/v2"
)

func ingestCommand(c *cli.Context) error {
	ctx := c.Context
	var (
		docs []mutation.Document
		err  error
	)
	if prefix := c.String("s3-prefix"); prefix != "" {
		docs, err = loadS3Documents(ctx, configFrom(c).S3, prefix)
	} else {
		if c.NArg() == 0 {
			return errors.New("ingest needs at least one file or directory")
		}
		docs, err = loadDocuments(c.Args().Slice())
	}
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return errors.New("no documents found")
	}

	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	rep := a.Writer.ProcessDocuments(ctx, docs)
	printDocumentReport(c.App.Writer, rep)
	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d documents failed", rep.Failed, len(docs))
	}
	return nil
}

// loadDocuments reads every path; directories contribute their *.json files
// in name order. A file holds one document or an array of documents.
func loadDocuments(paths []string) ([]mutation.Document, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}

	var docs []mutation.Document
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		parsed, err := decodeDocuments(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		docs = append(docs, parsed...)
	}
	return docs, nil
}

func decodeDocuments(data []byte) ([]mutation.Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var docs []mutation.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	var doc mutation.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return []mutation.Document{doc}, nil
}

func loadS3Documents(ctx context.Context, cfg config.S3Config, prefix string) ([]mutation.Document, error) {
	client, err := storage.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	keys, err := payloadKeys(ctx, client, prefix)
	if err != nil {
		return nil, err
	}

	var docs []mutation.Document
	for _, key := range keys {
		data, err := client.GetFile(ctx, key)
		if err != nil {
			return nil, err
		}
		parsed, err := decodeDocuments(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		docs = append(docs, parsed...)
	}
	return docs, nil
}

// payloadKeys lists the *.json objects under prefix in name order.
func payloadKeys(ctx context.Context, client *storage.Client, prefix string) ([]string, error) {
	all, err := client.ListFilesWithPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, key := range all {
		if strings.HasSuffix(key, ".json") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func enqueueCommand(c *cli.Context) error {
	ctx := c.Context
	cfg := configFrom(c)
	prefix, graph := c.String("s3-prefix"), c.String("report")
	if prefix == "" && graph == "" && c.NArg() == 0 {
		return errors.New("enqueue needs files, --s3-prefix or --report")
	}

	var (
		docs []mutation.Document
		keys []string
	)
	switch {
	case prefix != "":
		client, err := storage.NewClient(ctx, cfg.S3)
		if err != nil {
			return err
		}
		if keys, err = payloadKeys(ctx, client, prefix); err != nil {
			return err
		}
	case c.NArg() > 0:
		var err error
		if docs, err = loadDocuments(c.Args().Slice()); err != nil {
			return err
		}
	}

	conn, err := queue.Dial(cfg.Rabbit.URL)
	if err != nil {
		return err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, []string{cfg.Rabbit.ExtractionQueue, cfg.Rabbit.ReportQueue}, cfg.Rabbit.RetryDelay); err != nil {
		return err
	}

	var n int
	if len(keys) > 0 {
		n, err = queue.EnqueuePayloads(ctx, ch, cfg.Rabbit.ExtractionQueue, keys)
	} else {
		n, err = queue.EnqueueDocuments(ctx, ch, cfg.Rabbit.ExtractionQueue, docs)
	}
	fmt.Fprintf(c.App.Writer, "%d extraction messages published to %s\n", n, cfg.Rabbit.ExtractionQueue)
	if err != nil {
		return err
	}
	if graph == "" {
		return nil
	}
	if err := queue.EnqueueReport(ctx, ch, cfg.Rabbit.ReportQueue, graph); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "report request for %s published to %s\n", graph, cfg.Rabbit.ReportQueue)
	return nil
}

func printDocumentReport(w io.Writer, rep ingest.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tNODES\tEDGES\tCHUNKS\tEMBEDDED\tDURATION\tERROR")
	for _, d := range rep.Documents {
		errText := ""
		if d.Err != nil {
			errText = d.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			d.DocumentID, d.Commit.Nodes, d.Commit.Edges, d.Commit.Chunks, len(d.Sync.Embedded), d.Duration.Round(time.Millisecond), errText)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d succeeded, %d failed\n", rep.Succeeded, rep.Failed)
}

func reportCommand(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	var summaries []report.ClusterSummary
	build := func(ctx context.Context) error {
		clusters, err := a.Writer.Clusters(ctx)
		if err != nil {
			return err
		}
		var errs []error
		for _, r := range a.Writer.BuildReports(ctx, clusters) {
			if r.State != report.Completed {
				errs = append(errs, fmt.Errorf("cluster %s: %w", r.ID, r.Err))
				continue
			}
			summaries = append(summaries, r.Output.(report.ClusterSummary))
		}
		return errors.Join(errs...)
	}
	if a.Lease != nil {
		err = a.Lease.WithLease(c.Context, leaselock.ReportKey(c.String("graph")), leaselock.Options{Wait: true}, build)
	} else {
		err = build(c.Context)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}

func syncEmbeddingsCommand(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Embedder == nil {
		return errors.New("no embedding provider configured (AI_EMBED_PROVIDER)")
	}

	ids := c.StringSlice("id")
	if c.Bool("missing") {
		missing, err := nodeIDs(c.Context, a.Graph, missingEmbedding)
		if err != nil {
			return err
		}
		ids = append(ids, missing...)
	}
	if len(ids) == 0 {
		return errors.New("pass --id or --missing")
	}

	rep, err := a.Writer.SyncEmbeddings(c.Context, ids)
	if err != nil {
		return err
	}
	for _, s := range rep.Skipped {
		fmt.Fprintf(c.App.Writer, "skipped\t%s\t%v\n", s.ID, s.Err)
	}
	for _, f := range rep.Failed {
		fmt.Fprintf(c.App.Writer, "failed\t%s\t%v\n", f.ID, f.Err)
	}
	fmt.Fprintf(c.App.Writer, "%d embedded, %d skipped, %d failed\n", len(rep.Embedded), len(rep.Skipped), len(rep.Failed))
	return nil
}

func refreshPayloadsCommand(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ids := c.StringSlice("id")
	if c.Bool("all") {
		backed, err := nodeIDs(c.Context, a.Graph, func(n common.Node) bool { return n.VectorBacked })
		if err != nil {
			return err
		}
		ids = append(ids, backed...)
	}
	if len(ids) == 0 {
		return errors.New("pass --id or --all")
	}

	rep, err := a.Writer.RefreshPayloads(c.Context, ids)
	for _, s := range rep.Skipped {
		fmt.Fprintf(c.App.Writer, "skipped\t%s\t%v\n", s.ID, s.Err)
	}
	for _, f := range rep.Failed {
		fmt.Fprintf(c.App.Writer, "failed\t%s\t%v\n", f.ID, f.Err)
	}
	fmt.Fprintf(c.App.Writer, "%d updated, %d skipped, %d failed\n", len(rep.Updated), len(rep.Skipped), len(rep.Failed))
	return err
}

// missingEmbedding selects observed nodes that are not vector backed yet.
func missingEmbedding(n common.Node) bool {
	return !n.VectorBacked && !n.IsPlaceholder()
}

func nodeIDs(ctx context.Context, graph store.GraphStore, keep func(common.Node) bool) ([]string, error) {
	var ids []string
	err := graph.ScanNodes(ctx, func(n common.Node) error {
		if keep(n) {
			ids = append(ids, n.ID)
		}
		return nil
	})
	return ids, err
}

func searchCommand(c *cli.Context) error {
	text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if text == "" {
		return errors.New("search needs a text")
	}
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.Embedder == nil {
		return errors.New("no embedding provider configured (AI_EMBED_PROVIDER)")
	}

	vectors, err := a.Embedder.Embed(c.Context, []string{text})
	if err != nil {
		return err
	}
	if len(vectors) != 1 {
		return fmt.Errorf("embedder returned %d vectors", len(vectors))
	}
	matches, err := a.Vectors.Search(c.Context, vectors[0], c.Int("limit"))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tID\tNAME\tTYPE")
	for _, m := range matches {
		fmt.Fprintf(tw, "%.4f\t%s\t%s\t%s\n", m.Score, m.ID, m.Payload.Name, m.Payload.Type)
	}
	return tw.Flush()
}

func statsCommand(c *cli.Context) error {
	a, err := openApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	var nodes, backed, placeholders, edges int
	err = a.Graph.ScanNodes(c.Context, func(n common.Node) error {
		nodes++
		if n.VectorBacked {
			backed++
		}
		if n.IsPlaceholder() {
			placeholders++
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = a.Graph.ScanEdges(c.Context, func(common.Edge) error {
		edges++
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "nodes\t%d\nvector_backed\t%d\nplaceholders\t%d\nedges\t%d\n", nodes, backed, placeholders, edges)
	return nil
}

func migrateCommand(c *cli.Context) error {
	cfg := configFrom(c)
	if cfg.Backend != config.BackendPostgres {
		return fmt.Errorf("migrate needs GRAPH_BACKEND=%s", config.BackendPostgres)
	}
	if c.Bool("down") {
		if err := pgxstore.MigrateDown(cfg.Postgres.DatabaseURL); err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, "schema rolled back")
		return nil
	}
	version, err := pgxstore.Migrate(cfg.Postgres.DatabaseURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "schema at version %d\n", version)
	return nil
}

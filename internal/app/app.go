// Package app builds the stores, embedder and writer described by a Config.
// It is shared by every command.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/config"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ai/ollama"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ai/openai"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/ingest"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/leaselock"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger/console"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store"
	badgerstore "github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store/badger"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store/pgvector"
	pgxstore "github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store/pgx"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/store/sqlite"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App owns everything a command needs to write to the graph.
type App struct {
	Config   *config.Config
	Graph    store.GraphStore
	Vectors  store.VectorStore
	Embedder ai.Embedder
	Writer   *ingest.Writer
	// Lease is nil for the embedded backend, which is single process.
	Lease *leaselock.Client

	pool *pgxpool.Pool
}

// InitLogger installs the console logger configured by cfg.
func InitLogger(cfg *config.Config) error {
	l, err := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	if err != nil {
		return err
	}
	logger.Init(l)
	return nil
}

// Open builds the stores for cfg.Backend, the embedder and a writer on top.
// On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config) (a *App, err error) {
	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	switch cfg.Backend {
	case config.BackendPostgres:
		err = a.openPostgres(ctx)
	default:
		err = a.openEmbedded()
	}
	if err != nil {
		return a, err
	}

	a.Embedder, err = NewEmbedder(cfg.Embedding)
	if err != nil {
		return a, err
	}

	deps := ingest.Deps{Graph: a.Graph}
	if a.Embedder != nil {
		deps.Vectors = a.Vectors
		deps.Embedder = a.Embedder
	}
	a.Writer, err = ingest.NewWriter(deps, cfg.IngestConfig())
	if err != nil {
		return a, err
	}
	logger.Info("[App] Writer ready", "backend", cfg.Backend, "embeddings", cfg.Embedding.Provider)
	return a, nil
}

func (a *App) openEmbedded() error {
	cfg := a.Config
	backend, err := badgerstore.OpenBackend(cfg.Badger.Dir, cfg.Badger.InMemory)
	if err != nil {
		return fmt.Errorf("open badger: %w", err)
	}
	graph, err := badgerstore.NewGraphStore(backend)
	if err != nil {
		_ = backend.Close()
		return err
	}
	a.Graph = graph

	if err := ensureParentDir(cfg.SQLite.DSN); err != nil {
		return err
	}
	vectors, err := sqlite.Open(cfg.SQLite.DSN)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	a.Vectors = vectors
	return nil
}

func ensureParentDir(dsn string) error {
	if dsn == "" || strings.Contains(dsn, ":memory:") || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

func (a *App) openPostgres(ctx context.Context) error {
	cfg := a.Config.Postgres
	if cfg.AutoMigrate {
		if _, err := pgxstore.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
	}
	pool, err := pgxstore.NewPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
	if err != nil {
		return err
	}
	a.pool = pool

	var opts []pgxstore.GraphStoreOption
	if cfg.AdvisoryLocks {
		opts = append(opts, pgxstore.WithAdvisoryLocks())
	}
	a.Graph, err = pgxstore.NewGraphStore(pool, opts...)
	if err != nil {
		return err
	}
	a.Vectors, err = pgvector.New(pool, pgvector.WithErrorClassifier(pgxstore.Classify))
	if err != nil {
		return err
	}
	a.Lease = leaselock.New(pool)
	return nil
}

// NewEmbedder returns the embedder selected by cfg, or nil when embeddings
// are disabled.
func NewEmbedder(cfg config.EmbeddingConfig) (ai.Embedder, error) {
	switch cfg.Provider {
	case "openai":
		e, err := openai.NewEmbedder(openai.Params{
			Model:                 cfg.Model,
			BaseURL:               cfg.URL,
			APIKey:                cfg.Key,
			Dimensions:            cfg.Dimensions,
			MaxConcurrentRequests: cfg.Parallel,
			Timeout:               cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case "ollama":
		e, err := ollama.NewEmbedder(ollama.Params{
			Model:                 cfg.Model,
			BaseURL:               cfg.URL,
			ApiKey:                cfg.Key,
			Dimensions:            cfg.Dimensions,
			MaxConcurrentRequests: cfg.Parallel,
			Timeout:               cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case "", "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Ping checks that the graph store is reachable.
func (a *App) Ping(ctx context.Context) error {
	if a.pool != nil {
		return a.pool.Ping(ctx)
	}
	if p, ok := a.Graph.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close shuts down the writer and the stores.
func (a *App) Close() {
	if a.Writer != nil {
		a.Writer.Close()
	}
	var errs []error
	if a.Vectors != nil {
		errs = append(errs, a.Vectors.Close())
	}
	if a.Graph != nil {
		errs = append(errs, a.Graph.Close())
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error("[App] Failed to close stores", "err", err)
	}
}

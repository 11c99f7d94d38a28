package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/app"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/config"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/queue"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/server"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/storage"
	"github.com/OFFIS-RIT/kiwi/graphwriter/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger is not configured yet.
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	if err := app.InitLogger(cfg); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open stores", "err", err)
	}
	defer a.Close()

	proc := &queue.Processor{
		Writer:   a.Writer,
		LeaseTTL: cfg.Rabbit.ReportLeaseTTL,
	}
	if a.Lease != nil {
		proc.Lease = a.Lease
	}
	if cfg.S3.IsConfigured() {
		client, err := storage.NewClient(ctx, cfg.S3)
		if err != nil {
			logger.Fatal("Failed to create S3 client", "err", err)
		}
		proc.Payloads = client
	}

	conn, err := queue.Dial(cfg.Rabbit.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ops := server.New(cfg.Metrics, map[string]server.Check{"graph": a.Ping})

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return server.Run(ctx, ops, cfg.Metrics.Addr)
	})
	eg.Go(func() error {
		return queue.Run(ctx, conn, cfg.Rabbit, proc)
	})
	if err := eg.Wait(); err != nil {
		logger.Error("Worker stopped", "err", err)
		return
	}
	logger.Info("Shutdown signal received, exiting...")
}

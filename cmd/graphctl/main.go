package main

import (
	"fmt"
	"os"

	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/app"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/config"
	"github.com/OFFIS-RIT/kiwi/graphwriter/internal/util"

	"github.com/urfave/cli/v2"
)

const configKey = "config"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "graphctl",
		Usage: "Write extraction results into the knowledge graph and inspect it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override LOG_LEVEL (debug, info, warn, error)",
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Load environment variables from these files",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:      "ingest",
				Usage:     "Commit extraction JSON files (or a directory of them) as documents",
				ArgsUsage: "<file|dir>...",
				Action:    ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "s3-prefix",
						Usage: "Read extraction payloads from the S3 bucket under this prefix instead of local files",
					},
				},
			},
			{
				Name:      "enqueue",
				Usage:     "Publish extraction documents or a report request for the worker",
				ArgsUsage: "<file|dir>...",
				Action:    enqueueCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "s3-prefix",
						Usage: "Publish one message per payload under this S3 prefix instead of local files",
					},
					&cli.StringFlag{
						Name:  "report",
						Usage: "Also request a report rebuild for this graph",
					},
				},
			},
			{
				Name:   "report",
				Usage:  "Build cluster summaries and print them as JSON",
				Action: reportCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "graph",
						Usage: "Graph name used for the report lease",
						Value: "default",
					},
				},
			},
			{
				Name:   "sync-embeddings",
				Usage:  "Embed nodes and mark them vector backed",
				Action: syncEmbeddingsCommand,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "id",
						Usage: "Node id to embed (repeatable)",
					},
					&cli.BoolFlag{
						Name:  "missing",
						Usage: "Embed every node that is not vector backed yet",
					},
				},
			},
			{
				Name:   "refresh-payloads",
				Usage:  "Rewrite vector payloads from the current graph state",
				Action: refreshPayloadsCommand,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "id",
						Usage: "Node id to refresh (repeatable)",
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Refresh every vector backed node",
					},
				},
			},
			{
				Name:      "search",
				Usage:     "Find the nodes closest to a text",
				ArgsUsage: "<text>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of matches",
						Value: 10,
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Print node, edge and vector backed counts",
				Action: statsCommand,
			},
			{
				Name:   "migrate",
				Usage:  "Apply the PostgreSQL schema migrations",
				Action: migrateCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "down",
						Usage: "Roll back every migration",
					},
				},
			},
		},
	}
}

func setup(c *cli.Context) error {
	util.LoadEnv(c.StringSlice("env-file")...)
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := app.InitLogger(cfg); err != nil {
		return err
	}
	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

func configFrom(c *cli.Context) *config.Config {
	return c.App.Metadata[configKey].(*config.Config)
}

// openApp opens the configured stores for one command.
func openApp(c *cli.Context) (*app.App, error) {
	return app.Open(c.Context, configFrom(c))
}

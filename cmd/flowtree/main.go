// Package main provides the flowtree admin CLI for moving snapshots between a
// record store and blob storage.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flowtree/pkg/log"
)

func main() {
	log.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.WithModule("cli").Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	databaseURL := &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Database connection URL for persistence (file:// or postgres://)",
		Required: true,
		Sources:  cli.EnvVars("DATABASE_URL"),
	}
	archiveURL := &cli.StringFlag{
		Name:     "archive-url",
		Usage:    "Blob bucket holding snapshots (file://, s3://, mem://)",
		Required: true,
		Sources:  cli.EnvVars("ARCHIVE_URL"),
	}
	user := &cli.StringFlag{
		Name:     "user",
		Aliases:  []string{"u"},
		Usage:    "User the flows belong to",
		Required: true,
		Sources:  cli.EnvVars("FLOWTREE_USER"),
	}

	return &cli.Command{
		Name:                  "flowtree",
		Usage:                 "Export and import flow tree snapshots",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:      "export",
				Usage:     "Export the subtrees of the given flows to the archive",
				ArgsUsage: "FLOW_ID...",
				Flags: []cli.Flag{
					databaseURL,
					archiveURL,
					user,
					&cli.StringFlag{
						Name:  "key",
						Usage: "Archive key (defaults to snapshots/<timestamp>.<format>)",
					},
					&cli.StringFlag{
						Name:  "format",
						Usage: "Snapshot format (json, yaml)",
						Value: "json",
					},
				},
				Action: runExport,
			},
			{
				Name:  "import",
				Usage: "Import a snapshot from the archive",
				Flags: []cli.Flag{
					databaseURL,
					archiveURL,
					user,
					&cli.StringFlag{
						Name:     "key",
						Usage:    "Archive key of the snapshot",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "include-templates",
						Usage: "Also import the templates carried by the snapshot",
					},
				},
				Action: runImport,
			},
			{
				Name:  "list",
				Usage: "List archived snapshots",
				Flags: []cli.Flag{
					archiveURL,
					&cli.StringFlag{
						Name:  "prefix",
						Usage: "Only list keys starting with prefix",
					},
				},
				Action: runList,
			},
		},
	}
}

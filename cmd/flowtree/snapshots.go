package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flowtree/pkg/auth"
	"github.com/dukex/flowtree/pkg/cmd"
	"github.com/dukex/flowtree/pkg/log"
	"github.com/dukex/flowtree/pkg/persistence"
	"github.com/dukex/flowtree/pkg/services"
	"github.com/dukex/flowtree/pkg/snapshot"
)

var errNoFlowIDs = errors.New("at least one flow id is required")

// session holds the store, archive and transfer service for one command.
type session struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	archive     *snapshot.Archive
	transfer    *services.Transfer
}

func openSession(ctx context.Context, command *cli.Command) (*session, error) {
	logger := log.WithModule("cli")

	p, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, err
	}

	archive, err := snapshot.OpenArchive(ctx, command.String("archive-url"))
	if err != nil {
		_ = p.Close(ctx)

		return nil, err
	}

	flows := services.NewFlows(p, services.WithLogger(logger))

	return &session{
		logger:      logger,
		persistence: p,
		archive:     archive,
		transfer:    services.NewTransfer(flows),
	}, nil
}

func (s *session) close(ctx context.Context) {
	if err := s.archive.Close(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to close archive", "error", err)
	}

	if err := s.persistence.Close(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}

func runExport(ctx context.Context, command *cli.Command) error {
	ids := command.Args().Slice()
	if len(ids) == 0 {
		return errNoFlowIDs
	}

	format, err := snapshot.ParseFormat(command.String("format"))
	if err != nil {
		return err
	}

	key := command.String("key")
	if key == "" {
		key = "snapshots/" + time.Now().UTC().Format("20060102T150405Z") + format.Extension()
	}

	s, err := openSession(ctx, command)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	ctx = auth.WithUserID(ctx, command.String("user"))

	export, err := s.transfer.Export(ctx, ids)
	if err != nil {
		return err
	}

	if err := s.archive.Save(ctx, key, export, format); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "snapshot exported", "key", key, "flows", export.Metadata.TotalFlows)

	_, err = fmt.Fprintln(command.Root().Writer, key)

	return err
}

func runImport(ctx context.Context, command *cli.Command) error {
	s, err := openSession(ctx, command)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	key := command.String("key")

	export, err := s.archive.Load(ctx, key)
	if err != nil {
		return err
	}

	ctx = auth.WithUserID(ctx, command.String("user"))

	result, err := s.transfer.Import(ctx, export, services.ImportOptions{
		IncludeTemplates: command.Bool("include-templates"),
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "snapshot imported",
		"key", key,
		"flows", len(result.Flows),
		"templates", len(result.TemplateIDs),
		"detached", len(result.Detached),
	)

	_, err = fmt.Fprintf(command.Root().Writer, "imported %d flows, %d templates, %d detached\n",
		len(result.Flows), len(result.TemplateIDs), len(result.Detached))

	return err
}

func runList(ctx context.Context, command *cli.Command) error {
	archive, err := snapshot.OpenArchive(ctx, command.String("archive-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := archive.Close(); err != nil {
			log.WithModule("cli").ErrorContext(ctx, "Failed to close archive", "error", err)
		}
	}()

	keys, err := archive.Keys(ctx, command.String("prefix"))
	if err != nil {
		return err
	}

	for _, key := range keys {
		if _, err := fmt.Fprintln(command.Root().Writer, key); err != nil {
			return err
		}
	}

	return nil
}

// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowtree/pkg/persistence"
	"github.com/dukex/flowtree/pkg/persistence/file"
	"github.com/dukex/flowtree/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql"}

// NewPersistence selects a record store from the database URL scheme. A URL
// without a scheme is treated as a directory for the file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, err := parsePersistenceProvider(databaseURL)
	if err != nil {
		return nil, err
	}

	switch provider {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger.With("persistence", "postgresql"), databaseURL)
		if err != nil {
			return nil, err
		}

		return p, nil
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parsePersistenceProvider(databaseURL string) (string, error) {
	if databaseURL == "" {
		return "", errors.New("database url is required")
	}

	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file", nil
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider, nil
		}
	}

	return "", fmt.Errorf("unsupported persistence provider %q", provider)
}

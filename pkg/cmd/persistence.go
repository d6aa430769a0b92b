package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/persistence/file"
	"github.com/dukex/callflow/pkg/persistence/memory"
	"github.com/dukex/callflow/pkg/persistence/postgresql"
	"github.com/dukex/callflow/pkg/persistence/redis"
)

func parsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	switch scheme {
	case "postgres", "postgresql":
		return "postgresql"
	case "memory", "redis", "file":
		return scheme
	default:
		return "file"
	}
}

// NewPersistence opens workflow and routing rule storage for databaseURL.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL persistence: %w", err)
		}

		return p, nil
	case "memory":
		return memory.NewPersistence(), nil
	case "file":
		return file.NewPersistence(databaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider for %q", databaseURL)
	}
}

// pgCallLog owns the connection pool it was opened with.
type pgCallLog struct {
	*postgresql.CallLogRepository
	p *postgresql.Persistence
}

func (l pgCallLog) Close(ctx context.Context) error {
	return l.p.Close(ctx)
}

// NewCallLog opens the call log store for url. ttl applies to Redis only.
func NewCallLog(ctx context.Context, logger *slog.Logger, url string, ttl time.Duration) (persistence.CallLogRepository, error) {
	switch parsePersistenceProvider(url) {
	case "memory":
		return memory.NewCallLog(), nil
	case "redis":
		l, err := redis.NewCallLog(ctx, logger, url, redis.WithTTL(ttl))
		if err != nil {
			return nil, fmt.Errorf("failed to open Redis call log: %w", err)
		}

		return l, nil
	case "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, url)
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL call log: %w", err)
		}

		return pgCallLog{CallLogRepository: p.CallLog(), p: p}, nil
	default:
		return nil, fmt.Errorf("unsupported call log provider for %q", url)
	}
}

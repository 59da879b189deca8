package storage

import (
	"context"
	"errors"
	"strings"

	"volley/internal/dispatch"
	logx "volley/pkg/logx"
)

// Store persists session summaries. It satisfies dispatch.Persistence.
type Store interface {
	SaveSessionResult(ctx context.Context, s dispatch.Summary) error
	// RecentSessions returns up to n summaries, newest first.
	RecentSessions(ctx context.Context, n int) ([]dispatch.Summary, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

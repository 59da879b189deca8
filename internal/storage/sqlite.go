package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"volley/internal/dispatch"
	logx "volley/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, keep: cfg.keep()}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveSessionResult(ctx context.Context, sum dispatch.Summary) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, started_at, finished_at, state, target_url, total, sent, successful, failed, body)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET finished_at=excluded.finished_at, state=excluded.state,
		   sent=excluded.sent, successful=excluded.successful, failed=excluded.failed, body=excluded.body`,
		sum.SessionID, sum.StartedAt.UnixNano(), sum.FinishedAt.UnixNano(), string(sum.State), sum.TargetURL,
		sum.Total, sum.Sent, sum.Successful, sum.Failed, string(body),
	)
	if err != nil {
		return err
	}
	if err := s.prune(ctx); err != nil {
		s.log.Debug("storage.prune_failed", logx.Err(err))
	}
	return nil
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN (
		   SELECT id FROM sessions ORDER BY finished_at DESC LIMIT ?)`, s.keep)
	return err
}

func (s *sqliteStore) RecentSessions(ctx context.Context, n int) ([]dispatch.Summary, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 || n > s.keep {
		n = s.keep
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM sessions ORDER BY finished_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.Summary
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var sum dispatch.Summary
		if err := json.Unmarshal([]byte(body), &sum); err != nil {
			s.log.Debug("storage.skip_corrupt_row", logx.Err(err))
			continue
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "feedbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
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

	st := &sqliteStore{db: db, log: log, retention: cfg.retention(), pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) KnownFeed(ctx context.Context, feedID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM (SELECT 1 FROM seen WHERE feed = ? LIMIT 1)`, feedID).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) Unseen(ctx context.Context, feedID string, guids []string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if len(guids) == 0 {
		return []string{}, nil
	}
	seen := make(map[string]struct{}, len(guids))
	// Stay well under SQLITE_MAX_VARIABLE_NUMBER.
	const chunk = 500
	for start := 0; start < len(guids); start += chunk {
		part := guids[start:min(start+chunk, len(guids))]
		args := make([]any, 0, len(part)+1)
		args = append(args, feedID)
		for _, g := range part {
			args = append(args, g)
		}
		q := `SELECT guid FROM seen WHERE feed = ? AND guid IN (?` + strings.Repeat(",?", len(part)-1) + `)`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var g string
			if err := rows.Scan(&g); err != nil {
				_ = rows.Close()
				return nil, err
			}
			seen[g] = struct{}{}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(guids))
	for _, g := range guids {
		if _, ok := seen[g]; !ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *sqliteStore) MarkSeen(ctx context.Context, feedID string, guids []string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if feedID == "" || len(guids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO seen(feed, guid, at) VALUES(?,?,?)
		ON CONFLICT(feed, guid) DO UPDATE SET at=excluded.at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	ms := at.UnixMilli()
	for _, g := range guids {
		if g == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, feedID, g, ms); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.maybePrune()
	return nil
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, cycle_id, feed, guid, channel, title, link, deferred, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), nullStr(r.CycleID), r.FeedID, r.GUID, r.ChannelID,
		nullStr(r.Title), nullStr(r.Link), r.Deferred, r.OK, nullStr(r.Error), r.TookMS,
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := s.pruneExpired(ctx); err != nil {
		s.log.Debug("sqlite prune failed", logx.Err(err))
	}
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli()); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE at < ?`, now.Add(-s.retention).UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

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

	logx "plantpal/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteLedger struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteLedger{db: db, log: log, retention: cfg.retention(), pruneEvery: 200}
	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteLedger) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteLedger) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_audit(at, batch_id, task_key, reminder_id, state, attempts, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.BatchID, e.TaskKey, e.ReminderID, e.State, e.Attempts, nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqliteLedger) MarkSent(ctx context.Context, rec SentRecord) error {
	key := strings.TrimSpace(rec.Key)
	if key == "" {
		return nil
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_ledger(key, reminder_id, provider_id, to_addr, sent_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET provider_id=excluded.provider_id, to_addr=excluded.to_addr, sent_at=excluded.sent_at`,
		key, rec.ReminderID, nullStr(rec.ProviderID), nullStr(rec.To), rec.SentAt.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("ledger prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteLedger) Lookup(ctx context.Context, key string) (SentRecord, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return SentRecord{}, false, nil
	}
	var (
		rec        SentRecord
		providerID sql.NullString
		to         sql.NullString
		ms         int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, reminder_id, provider_id, to_addr, sent_at FROM sent_ledger WHERE key = ? AND sent_at >= ?`,
		key, time.Now().Add(-s.retention).UnixMilli(),
	).Scan(&rec.Key, &rec.ReminderID, &providerID, &to, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return SentRecord{}, false, nil
	}
	if err != nil {
		return SentRecord{}, false, err
	}
	rec.ProviderID = providerID.String
	rec.To = to.String
	rec.SentAt = time.UnixMilli(ms)
	return rec, true, nil
}

func (s *sqliteLedger) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sent_ledger WHERE sent_at < ?`, time.Now().Add(-s.retention).UnixMilli())
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

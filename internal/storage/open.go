package storage

import (
	"context"
	"errors"
	"strings"

	logx "plantpal/pkg/logx"
)

// Ledger is the persistence API used by the delivery pipeline.
type Ledger interface {
	// Lookup returns the sent record for an occurrence key, if any.
	Lookup(ctx context.Context, key string) (SentRecord, bool, error)
	MarkSent(ctx context.Context, rec SentRecord) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured ledger.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Ledger, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return openMemory(cfg), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package storage

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// memoryLedger keeps sent records in an expiring LRU. Audit entries are not
// retained.
type memoryLedger struct {
	sent   *expirable.LRU[string, SentRecord]
	closed atomic.Bool
}

func openMemory(cfg Config) *memoryLedger {
	size := cfg.MaxEntries
	if size <= 0 {
		size = 50000
	}
	return &memoryLedger{sent: expirable.NewLRU[string, SentRecord](size, nil, cfg.retention())}
}

func (m *memoryLedger) Lookup(ctx context.Context, key string) (SentRecord, bool, error) {
	if m.closed.Load() {
		return SentRecord{}, false, ErrClosed
	}
	rec, ok := m.sent.Get(strings.TrimSpace(key))
	return rec, ok, nil
}

func (m *memoryLedger) MarkSent(ctx context.Context, rec SentRecord) error {
	if m.closed.Load() {
		return ErrClosed
	}
	key := strings.TrimSpace(rec.Key)
	if key == "" {
		return nil
	}
	m.sent.Add(key, rec)
	return nil
}

func (m *memoryLedger) AppendAudit(ctx context.Context, e AuditEntry) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *memoryLedger) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.sent.Purge()
	}
	return nil
}

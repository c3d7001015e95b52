package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "plantpal/pkg/logx"
)

func nopLog() logx.Logger { return logx.Nop() }

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		l, err := Open(Config{Driver: driver}, nopLog())
		if err != nil || l != nil {
			t.Fatalf("driver %q: got ledger=%v err=%v, want nil,nil", driver, l, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, nopLog()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestLedgerDrivers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  func(dir string) Config
	}{
		{name: "memory", cfg: func(string) Config { return Config{Driver: "memory"} }},
		{name: "file", cfg: func(dir string) Config { return Config{Driver: "file", Path: filepath.Join(dir, "ledger.db")} }},
		{name: "sqlite", cfg: func(dir string) Config { return Config{Driver: "sqlite", Path: filepath.Join(dir, "ledger.sqlite")} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			l, err := Open(tt.cfg(t.TempDir()), nopLog())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer l.Close()

			if _, ok, err := l.Lookup(ctx, "r1@2026-01-01T09:00:00Z"); err != nil || ok {
				t.Fatalf("lookup before mark: ok=%v err=%v", ok, err)
			}
			rec := SentRecord{
				Key:        "r1@2026-01-01T09:00:00Z",
				ReminderID: "r1",
				ProviderID: "SM123",
				To:         "+6591234567",
				SentAt:     time.Now().Truncate(time.Millisecond),
			}
			if err := l.MarkSent(ctx, rec); err != nil {
				t.Fatalf("MarkSent: %v", err)
			}
			got, ok, err := l.Lookup(ctx, rec.Key)
			if err != nil || !ok {
				t.Fatalf("lookup after mark: ok=%v err=%v", ok, err)
			}
			if got.ProviderID != "SM123" || got.ReminderID != "r1" || got.To != rec.To {
				t.Fatalf("unexpected record: %+v", got)
			}
			if !got.SentAt.Equal(rec.SentAt) {
				t.Fatalf("sentAt=%v want %v", got.SentAt, rec.SentAt)
			}

			// Other occurrences of the same reminder are independent.
			if _, ok, _ := l.Lookup(ctx, "r1@2026-01-02T09:00:00Z"); ok {
				t.Fatalf("next occurrence must not be marked")
			}

			if err := l.AppendAudit(ctx, AuditEntry{BatchID: "b", TaskKey: "send-r1", ReminderID: "r1", State: "done", Attempts: 1}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestLedgerRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	for _, cfg := range []Config{
		{Driver: "file", Path: filepath.Join(dir, "a.db"), Retention: time.Hour},
		{Driver: "sqlite", Path: filepath.Join(dir, "b.sqlite"), Retention: time.Hour},
	} {
		l, err := Open(cfg, nopLog())
		if err != nil {
			t.Fatalf("%s: Open: %v", cfg.Driver, err)
		}
		old := SentRecord{Key: "old", ReminderID: "r", SentAt: time.Now().Add(-2 * time.Hour)}
		if err := l.MarkSent(ctx, old); err != nil {
			t.Fatalf("%s: MarkSent: %v", cfg.Driver, err)
		}
		if _, ok, _ := l.Lookup(ctx, "old"); ok {
			t.Fatalf("%s: expired record must not be found", cfg.Driver)
		}
		_ = l.Close()
	}
}

func TestFileLedgerReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(Config{Driver: "file", Path: path}, nopLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.MarkSent(ctx, SentRecord{Key: "k1", ReminderID: "r1", SentAt: time.Now()}); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := l.AppendAudit(ctx, AuditEntry{BatchID: "b1", TaskKey: "send-r1", ReminderID: "r1", State: "done"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := l.Lookup(ctx, "k1"); err != ErrClosed {
		t.Fatalf("lookup after close err=%v, want ErrClosed", err)
	}

	// Journal written after the snapshot is replayed, torn lines are skipped.
	journal := filepath.Join(filepath.Dir(path), "ledger.sent.journal.jsonl")
	line := `{"key":"k2","reminder_id":"r2","sent_at":"` + time.Now().UTC().Format(time.RFC3339Nano) + `"}` + "\n" + `{"key":"k3","remi`
	if err := os.WriteFile(journal, []byte(line), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	l2, err := Open(Config{Driver: "file", Path: path}, nopLog())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	for _, k := range []string{"k1", "k2"} {
		if _, ok, err := l2.Lookup(ctx, k); err != nil || !ok {
			t.Fatalf("%s after reopen: ok=%v err=%v", k, ok, err)
		}
	}
	if _, ok, _ := l2.Lookup(ctx, "k3"); ok {
		t.Fatalf("torn journal line must be ignored")
	}

	audit, err := os.ReadFile(filepath.Join(filepath.Dir(path), "ledger.audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(audit), `"task_key":"send-r1"`) {
		t.Fatalf("audit missing entry: %s", audit)
	}
}

func TestMemoryLedgerClosed(t *testing.T) {
	t.Parallel()

	l := openMemory(Config{MaxEntries: 2})
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_ = l.MarkSent(ctx, SentRecord{Key: k, SentAt: time.Now()})
	}
	if _, ok, _ := l.Lookup(ctx, "a"); ok {
		t.Fatalf("oldest entry should be evicted at capacity")
	}
	_ = l.Close()
	if err := l.MarkSent(ctx, SentRecord{Key: "d"}); err != ErrClosed {
		t.Fatalf("err=%v, want ErrClosed", err)
	}
}

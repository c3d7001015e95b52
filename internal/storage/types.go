package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process expiring LRU (lost on restart)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	Retention   time.Duration // how long sent records are kept; 0 means 48h
	MaxEntries  int           // memory only; 0 means 50000
	BusyTimeout time.Duration // sqlite only; 0 means default
}

func (c Config) retention() time.Duration {
	if c.Retention <= 0 {
		return 48 * time.Hour
	}
	return c.Retention
}

// SentRecord marks one reminder occurrence as delivered.
type SentRecord struct {
	Key        string    `json:"key"`
	ReminderID string    `json:"reminder_id"`
	ProviderID string    `json:"provider_id,omitempty"`
	To         string    `json:"to,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// AuditEntry records the outcome of one delivery task.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time `json:"at"`
	BatchID    string    `json:"batch_id"`
	TaskKey    string    `json:"task_key"`
	ReminderID string    `json:"reminder_id"`
	State      string    `json:"state"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	TookMS     int64     `json:"took_ms"`
}

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "plantpal/pkg/logx"
)

// fileLedger is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl        (append-only JSON Lines)
//   - <prefix>.sent.snapshot.json (periodic snapshot)
//   - <prefix>.sent.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileLedger struct {
	log       logx.Logger
	retention time.Duration

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	sent         map[string]SentRecord

	writes int
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Ledger, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".sent.snapshot.json"
	journalPath := prefix + ".sent.journal.jsonl"

	retention := cfg.retention()
	sent := map[string]SentRecord{}
	if err := loadSnapshot(snapPath, sent); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, sent); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger journal replay incomplete", logx.String("path", journalPath), logx.Err(err))
	}
	pruneExpired(sent, retention, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileLedger{
		log:          log,
		retention:    retention,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		sent:         sent,
	}, nil
}

func (s *fileLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileLedger) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileLedger) MarkSent(ctx context.Context, rec SentRecord) error {
	rec.Key = strings.TrimSpace(rec.Key)
	if rec.Key == "" {
		return nil
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.sent[rec.Key] = rec
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileLedger) Lookup(ctx context.Context, key string) (SentRecord, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return SentRecord{}, false, ErrClosed
	}
	rec, ok := s.sent[key]
	if !ok || time.Since(rec.SentAt) > s.retention {
		return SentRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *fileLedger) compactLocked() error {
	pruneExpired(s.sent, s.retention, time.Now())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.sent); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]SentRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]SentRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]SentRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r SentRecord
		// A torn final line after a crash is skipped.
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r
	}
	return sc.Err()
}

func pruneExpired(m map[string]SentRecord, retention time.Duration, now time.Time) {
	for k, v := range m {
		if now.Sub(v.SentAt) > retention {
			delete(m, k)
		}
	}
}

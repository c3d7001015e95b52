// Package reminderdb reads due reminders straight from the reminder
// service's Postgres table. It is the alternative to reminderapi when the
// scheduler runs next to the database.
package reminderdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"plantpal/internal/reminder"
	logx "plantpal/pkg/logx"
)

// Row maps reminders.reminder_list.
type Row struct {
	ID      string     `gorm:"column:id;primaryKey"`
	UserID  string     `gorm:"column:user_id"`
	Name    string     `gorm:"column:name"`
	Notes   *string    `gorm:"column:notes"`
	IsProxy bool       `gorm:"column:is_proxy"`
	Proxy   *string    `gorm:"column:proxy"`
	DueAt   time.Time  `gorm:"column:due_at"`
	SentAt  *time.Time `gorm:"column:sent_at"`
}

func (Row) TableName() string { return "reminders.reminder_list" }

func (r Row) toReminder() reminder.Reminder {
	out := reminder.Reminder{
		ID:      r.ID,
		OwnerID: r.UserID,
		Title:   r.Name,
		DueAt:   r.DueAt,
		IsProxy: r.IsProxy,
		SentAt:  r.SentAt,
	}
	if r.Notes != nil {
		out.Notes = *r.Notes
	}
	if r.Proxy != nil {
		out.ProxyNumber = *r.Proxy
	}
	return out
}

type Config struct {
	DSN     string
	Timeout time.Duration
	// MarkSent enables the sent_at write-back.
	MarkSent bool
}

// Store implements reminder.Source and reminder.SentMarker.
type Store struct {
	db       *gorm.DB
	timeout  time.Duration
	markSent bool
	log      logx.Logger
	now      func() time.Time
}

// Open connects to Postgres.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("reminderdb: dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("reminderdb: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	return New(db, cfg, log), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, cfg Config, log logx.Logger) *Store {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Store{db: db, timeout: timeout, markSent: cfg.MarkSent, log: log, now: time.Now}
}

// ListDue returns reminders with due_at in [now, now+windowSec] that have not
// been sent for this occurrence.
func (s *Store) ListDue(ctx context.Context, windowSec int) ([]reminder.Reminder, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now().UTC()
	var rows []Row
	err := s.db.WithContext(ctx).
		Where("due_at >= ? AND due_at <= ?", now, now.Add(time.Duration(windowSec)*time.Second)).
		Where("sent_at IS NULL OR sent_at < due_at").
		Order("due_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	out := make([]reminder.Reminder, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toReminder())
	}
	return out, nil
}

func (s *Store) MarkSent(ctx context.Context, reminderID string, sentAt time.Time) error {
	if !s.markSent {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res := s.db.WithContext(ctx).Model(&Row{}).Where("id = ?", reminderID).Update("sent_at", sentAt.UTC())
	if res.Error != nil {
		return fmt.Errorf("mark sent %s: %w", reminderID, res.Error)
	}
	if res.RowsAffected == 0 {
		s.log.Debug("mark sent matched no rows", logx.String("reminder", reminderID))
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

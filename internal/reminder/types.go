// Package reminder defines the reminder snapshot and the ports the delivery
// pipeline uses to reach external systems.
package reminder

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNoOwnerLookup = errors.New("reminder: no owner lookup configured")

// Reminder is a read-only snapshot of a reminder that is due soon.
type Reminder struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"user_id"`
	Title       string     `json:"name"`
	Notes       string     `json:"notes,omitempty"`
	DueAt       time.Time  `json:"due_at"`
	IsProxy     bool       `json:"is_proxy"`
	ProxyNumber string     `json:"proxy,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}

// HasProxy reports whether the reminder carries a usable proxy number.
func (r Reminder) HasProxy() bool {
	return r.IsProxy && strings.TrimSpace(r.ProxyNumber) != ""
}

// OccurrenceKey identifies one due occurrence of a recurring reminder.
func (r Reminder) OccurrenceKey() string {
	return r.ID + "@" + r.DueAt.UTC().Format(time.RFC3339)
}

// Channel is the outbound messaging channel.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

func ParseChannel(s string) Channel {
	if strings.EqualFold(strings.TrimSpace(s), string(ChannelWhatsApp)) {
		return ChannelWhatsApp
	}
	return ChannelSMS
}

// Notification is the message handed to a Gateway.
type Notification struct {
	// IdempotencyKey is stable across retries of the same delivery.
	IdempotencyKey string
	Channel        Channel
	To             string
	Title          string
	Body           string
	DueAt          time.Time
	Timezone       string
}

// Receipt is the gateway's acknowledgement.
type Receipt struct {
	ProviderID string    `json:"provider_id"`
	To         string    `json:"to"`
	SentAt     time.Time `json:"sent_at"`
}

// Source lists reminders due within windowSec seconds from now.
type Source interface {
	ListDue(ctx context.Context, windowSec int) ([]Reminder, error)
}

// Resolver maps a reminder owner to a destination phone number. When
// isProxy is set and proxyNumber is non-empty, proxyNumber is authoritative.
type Resolver interface {
	Resolve(ctx context.Context, ownerID string, isProxy bool, proxyNumber string) (string, error)
}

// Gateway sends a notification.
type Gateway interface {
	Send(ctx context.Context, n Notification) (Receipt, error)
}

// SentMarker is optionally implemented by a Source that can record delivery
// back on the reminder row.
type SentMarker interface {
	MarkSent(ctx context.Context, reminderID string, sentAt time.Time) error
}

// OwnerLookup returns an owner's own registered number.
type OwnerLookup interface {
	LookupOwner(ctx context.Context, ownerID string) (string, error)
}

// ProxyResolver returns the proxy number when one is set and otherwise asks
// Owners. The owner path is never taken for a usable proxy.
type ProxyResolver struct {
	Owners OwnerLookup
}

func (p ProxyResolver) Resolve(ctx context.Context, ownerID string, isProxy bool, proxyNumber string) (string, error) {
	if isProxy {
		if n := strings.TrimSpace(proxyNumber); n != "" {
			return n, nil
		}
	}
	if p.Owners == nil {
		return "", ErrNoOwnerLookup
	}
	return p.Owners.LookupOwner(ctx, ownerID)
}

// Package reminderapi reads due reminders from the reminder service over
// HTTP and writes back their sent_at timestamp.
package reminderapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"plantpal/internal/clients/httpx"
	"plantpal/internal/reminder"
	logx "plantpal/pkg/logx"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	// MarkSent enables the sent_at write-back call.
	MarkSent bool
}

// Client implements reminder.Source and reminder.SentMarker.
type Client struct {
	base     string
	markSent bool
	http     *http.Client
	auth     httpx.Authorizer
	log      logx.Logger
}

func New(cfg Config, auth httpx.Authorizer, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("reminderapi: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("reminderapi: base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if auth == nil {
		auth = httpx.StaticBearer("")
	}
	return &Client{
		base:     base,
		markSent: cfg.MarkSent,
		http:     &http.Client{Timeout: timeout},
		auth:     auth,
		log:      log,
	}, nil
}

type dueResponse struct {
	Reminders []reminder.Reminder `json:"reminders"`
}

// ListDue calls GET /reminder/v1/reminders/due?windowSec=N.
func (c *Client) ListDue(ctx context.Context, windowSec int) ([]reminder.Reminder, error) {
	u := c.base + "/reminder/v1/reminders/due?windowSec=" + strconv.Itoa(windowSec)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if err := c.auth.Authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list due reminders: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, httpx.Classify("list due reminders", resp)
	}

	var out dueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("list due reminders: decode: %w", err)
	}
	if out.Reminders == nil {
		return []reminder.Reminder{}, nil
	}
	return out.Reminders, nil
}

// MarkSent calls POST /reminder/v1/reminder/{id}/sent. It is a no-op when
// the write-back is disabled.
func (c *Client) MarkSent(ctx context.Context, reminderID string, sentAt time.Time) error {
	if !c.markSent {
		return nil
	}
	body, err := json.Marshal(map[string]string{"sent_at": sentAt.UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	u := c.base + "/reminder/v1/reminder/" + url.PathEscape(reminderID) + "/sent"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.auth.Authorize(req); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return httpx.Classify("mark sent", resp)
	}
	c.log.Debug("reminder marked sent", logx.String("reminder", reminderID))
	return nil
}

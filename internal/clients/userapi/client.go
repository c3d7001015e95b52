// Package userapi looks up a reminder owner's phone number in the user
// service.
package userapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"plantpal/internal/clients/httpx"
	"plantpal/internal/task/engine"
	logx "plantpal/pkg/logx"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrNoPhone      = errors.New("user has no phone number")
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	// CacheTTL enables a per-process cache of owner numbers; 0 disables it.
	CacheTTL  time.Duration
	CacheSize int
}

// Client implements reminder.OwnerLookup.
type Client struct {
	base  string
	http  *http.Client
	auth  httpx.Authorizer
	log   logx.Logger
	cache *expirable.LRU[string, string]
}

func New(cfg Config, auth httpx.Authorizer, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("userapi: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if auth == nil {
		auth = httpx.StaticBearer("")
	}
	c := &Client{base: base, http: &http.Client{Timeout: timeout}, auth: auth, log: log}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = 1024
		}
		c.cache = expirable.NewLRU[string, string](size, nil, cfg.CacheTTL)
	}
	return c, nil
}

type userResponse struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// LookupOwner calls GET /users/{id}. A missing user or a user without a
// phone number is a permanent failure.
func (c *Client) LookupOwner(ctx context.Context, ownerID string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", engine.NoRetry(fmt.Errorf("%w: empty owner id", ErrUserNotFound))
	}
	if c.cache != nil {
		if n, ok := c.cache.Get(ownerID); ok {
			return n, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/users/"+url.PathEscape(ownerID), http.NoBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if err := c.auth.Authorize(req); err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("lookup owner %s: %w", ownerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", engine.NoRetry(fmt.Errorf("%w: %s", ErrUserNotFound, ownerID))
	}
	if resp.StatusCode/100 != 2 {
		return "", httpx.Classify("lookup owner "+ownerID, resp)
	}

	var u userResponse
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return "", fmt.Errorf("lookup owner %s: decode: %w", ownerID, err)
	}
	n := strings.TrimSpace(u.PhoneNumber)
	if n == "" {
		return "", engine.NoRetry(fmt.Errorf("%w: %s", ErrNoPhone, ownerID))
	}
	if c.cache != nil {
		c.cache.Add(ownerID, n)
	}
	return n, nil
}

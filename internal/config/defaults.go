package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	DefaultScheduleID   = "poll-due-reminders"
	DefaultWorkflowType = "PollDueReminders"
	DefaultTimezone     = "Asia/Singapore"
)

// Defaults returns a config populated with the built-in defaults.
func Defaults() *Config {
	c := &Config{}
	c.Logging.Console = true
	c.Health.Enabled = true
	c.FillDefaults()
	return c
}

// FillDefaults sets every omitted field to its default value.
func (c *Config) FillDefaults() {
	setStr := func(p *string, v string) {
		if strings.TrimSpace(*p) == "" {
			*p = v
		}
	}

	setStr(&c.Logging.Level, "info")
	setStr(&c.Logging.Alert.MinLevel, "error")
	if c.Logging.Alert.RatePerSec <= 0 {
		c.Logging.Alert.RatePerSec = 1
	}

	setStr(&c.Trigger.ScheduleID, DefaultScheduleID)
	setStr(&c.Trigger.WorkflowType, DefaultWorkflowType)
	setStr(&c.Trigger.PollInterval, "30s")
	setStr(&c.Trigger.Timezone, DefaultTimezone)

	if c.Poll.WindowSec <= 0 {
		c.Poll.WindowSec = 60
	}
	setStr(&c.Poll.DrainTimeout, "3m")

	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = 5
	}
	setStr(&c.Delivery.InitialBackoff, "2s")
	if c.Delivery.BackoffCoefficient <= 0 {
		c.Delivery.BackoffCoefficient = 2
	}
	setStr(&c.Delivery.MaxBackoff, "1m")
	setStr(&c.Delivery.AttemptTimeout, "2m")
	setStr(&c.Delivery.FallbackTitle, "Reminder")
	setStr(&c.Delivery.FallbackBody, "No notes provided")
	setStr(&c.Delivery.DefaultCountryCode, "65")
	setStr(&c.Delivery.Channel, "sms")

	setStr(&c.Source.Driver, "http")
	setStr(&c.Source.Timeout, "15s")
	setStr(&c.Resolver.Timeout, "10s")
	if c.Resolver.CacheSize <= 0 {
		c.Resolver.CacheSize = 1024
	}

	setStr(&c.Auth.Bearer, "DEV")
	setStr(&c.Auth.Issuer, "plantpal-scheduler")
	setStr(&c.Auth.TTL, "5m")

	setStr(&c.Gateway.Driver, "log")
	if c.Gateway.RatePerSec <= 0 {
		c.Gateway.RatePerSec = 10
	}
	setStr(&c.Gateway.Timezone, c.Trigger.Timezone)

	setStr(&c.Ledger.Driver, "memory")
	setStr(&c.Ledger.Retention, "48h")
	if c.Ledger.MaxEntries <= 0 {
		c.Ledger.MaxEntries = 50000
	}

	setStr(&c.Health.Addr, ":4000")
}

// PollInterval returns the configured trigger interval before clamping.
func (c *Config) PollInterval() (time.Duration, error) {
	return ParseDurationOrDefault("trigger.poll_interval", c.Trigger.PollInterval, 30*time.Second)
}

// Validate reports every invalid field in one joined error.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("trigger.poll_interval", c.Trigger.PollInterval)
	dur("poll.drain_timeout", c.Poll.DrainTimeout)
	dur("delivery.initial_backoff", c.Delivery.InitialBackoff)
	dur("delivery.max_backoff", c.Delivery.MaxBackoff)
	dur("delivery.attempt_timeout", c.Delivery.AttemptTimeout)
	dur("source.timeout", c.Source.Timeout)
	dur("resolver.timeout", c.Resolver.Timeout)
	dur("resolver.cache_ttl", c.Resolver.CacheTTL)
	dur("auth.ttl", c.Auth.TTL)
	dur("ledger.retention", c.Ledger.Retention)
	dur("ledger.busy_timeout", c.Ledger.BusyTimeout)
	dur("health.stale_after", c.Health.StaleAfter)

	if _, err := time.LoadLocation(c.Trigger.Timezone); err != nil {
		add(fmt.Errorf("trigger.timezone: %w", err))
	}
	if _, err := time.LoadLocation(c.Gateway.Timezone); err != nil {
		add(fmt.Errorf("gateway.timezone: %w", err))
	}
	if c.Poll.MaxConcurrency < 0 {
		add(errors.New("poll.max_concurrency must be >= 0"))
	}
	if c.Delivery.Jitter < 0 || c.Delivery.Jitter > 1 {
		add(errors.New("delivery.jitter must be within [0,1]"))
	}
	switch strings.ToLower(c.Delivery.Channel) {
	case "sms", "whatsapp":
	default:
		add(fmt.Errorf("delivery.channel: unknown channel %q", c.Delivery.Channel))
	}

	switch strings.ToLower(c.Source.Driver) {
	case "http":
		add(requireURL("source.base_url", c.Source.BaseURL))
	case "postgres":
		if strings.TrimSpace(c.Source.DSN) == "" {
			add(errors.New("source.dsn is required for driver postgres"))
		}
	default:
		add(fmt.Errorf("source.driver: unknown driver %q", c.Source.Driver))
	}
	add(requireURL("resolver.base_url", c.Resolver.BaseURL))

	switch strings.ToLower(c.Gateway.Driver) {
	case "log":
	case "twilio":
		if c.Gateway.AccountSID == "" || c.Gateway.AuthToken == "" {
			add(errors.New("gateway: account_sid and auth_token are required for driver twilio"))
		}
		if c.Gateway.From == "" && c.Gateway.WhatsAppFrom == "" {
			add(errors.New("gateway: from or whatsapp_from is required for driver twilio"))
		}
	default:
		add(fmt.Errorf("gateway.driver: unknown driver %q", c.Gateway.Driver))
	}

	switch strings.ToLower(c.Ledger.Driver) {
	case "none", "memory":
	case "file", "sqlite":
		if strings.TrimSpace(c.Ledger.Path) == "" {
			add(fmt.Errorf("ledger.path is required for driver %s", c.Ledger.Driver))
		}
	default:
		add(fmt.Errorf("ledger.driver: unknown driver %q", c.Ledger.Driver))
	}

	if c.Logging.Alert.Enabled && strings.TrimSpace(c.Logging.Alert.To) == "" {
		add(errors.New("logging.alert.to is required when alerts are enabled"))
	}
	return errors.Join(errs...)
}

func requireURL(path, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s is required", path)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: invalid url %q", path, raw)
	}
	return nil
}

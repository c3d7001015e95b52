package config

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2m").
// Omitted fields fall back to Defaults(); environment variables override
// file values (see ApplyEnv).
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Trigger  TriggerConfig  `json:"trigger"`
	Poll     PollConfig     `json:"poll"`
	Delivery DeliveryConfig `json:"delivery"`
	Source   SourceConfig   `json:"source"`
	Resolver ResolverConfig `json:"resolver"`
	Auth     AuthConfig     `json:"auth"`
	Gateway  GatewayConfig  `json:"gateway"`
	Ledger   LedgerConfig   `json:"ledger"`
	Health   HealthConfig   `json:"health"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-severity log lines to an operator phone number
// through the notification gateway.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	To         string `json:"to,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TriggerConfig describes the recurring poll schedule.
//
// Defaults:
//   - schedule_id: "poll-due-reminders"
//   - workflow_type: "PollDueReminders"
//   - poll_interval: "30s" (clamped to >= 5s, whole seconds)
//   - timezone: "Asia/Singapore"
type TriggerConfig struct {
	ScheduleID   string `json:"schedule_id,omitempty"`
	WorkflowType string `json:"workflow_type,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	Paused       bool   `json:"paused,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

type PollConfig struct {
	WindowSec int `json:"window_sec,omitempty"`
	// MaxConcurrency bounds in-flight delivery tasks per cycle. 0 = unbounded.
	MaxConcurrency int `json:"max_concurrency,omitempty"`
	// DrainTimeout bounds how long Stop waits for an in-progress cycle.
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// DeliveryConfig controls the per-reminder retry policy and message defaults.
type DeliveryConfig struct {
	MaxAttempts        int     `json:"max_attempts,omitempty"`
	InitialBackoff     string  `json:"initial_backoff,omitempty"`
	BackoffCoefficient float64 `json:"backoff_coefficient,omitempty"`
	MaxBackoff         string  `json:"max_backoff,omitempty"`
	AttemptTimeout     string  `json:"attempt_timeout,omitempty"`
	// Jitter is a fraction in [0,1] applied to each backoff delay.
	Jitter float64 `json:"jitter,omitempty"`

	FallbackTitle      string `json:"fallback_title,omitempty"`
	FallbackBody       string `json:"fallback_body,omitempty"`
	DefaultCountryCode string `json:"default_country_code,omitempty"`
	Channel            string `json:"channel,omitempty"` // sms | whatsapp
}

// SourceConfig selects where due reminders come from.
//
// Example:
//
//	source: { driver: postgres, dsn: "host=... dbname=plantpal" }
type SourceConfig struct {
	Driver   string `json:"driver,omitempty"` // http | postgres
	BaseURL  string `json:"base_url,omitempty"`
	DSN      string `json:"dsn,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	MarkSent bool   `json:"mark_sent,omitempty"`
}

type ResolverConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// CacheTTL caches resolved owner numbers. 0 disables caching.
	CacheTTL  string `json:"cache_ttl,omitempty"`
	CacheSize int    `json:"cache_size,omitempty"`
}

// AuthConfig configures the bearer credential presented to internal services.
// When jwt_secret is set a short-lived HS256 service token is minted instead
// of sending the static bearer.
type AuthConfig struct {
	Bearer    string `json:"bearer,omitempty"`
	JWTSecret string `json:"jwt_secret,omitempty"`
	Issuer    string `json:"issuer,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}

type GatewayConfig struct {
	Driver       string `json:"driver,omitempty"` // twilio | log
	AccountSID   string `json:"account_sid,omitempty"`
	AuthToken    string `json:"auth_token,omitempty"`
	From         string `json:"from,omitempty"`
	WhatsAppFrom string `json:"whatsapp_from,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// LedgerConfig controls the sent-occurrence ledger.
//
// Example:
//
//	ledger: { driver: sqlite, path: ./plantpal.db }
type LedgerConfig struct {
	Driver      string `json:"driver,omitempty"` // none | memory | file | sqlite
	Path        string `json:"path,omitempty"`
	Retention   string `json:"retention,omitempty"`
	MaxEntries  int    `json:"max_entries,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// HealthConfig controls the HTTP health/metrics listener.
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`
	// StaleAfter marks the loop unhealthy when no cycle completed for this long.
	// 0 disables the staleness check.
	StaleAfter string `json:"stale_after,omitempty"`
}

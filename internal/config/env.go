package config

import (
	"errors"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides file values with the deployment environment variables.
// getenv is usually os.Getenv.
func ApplyEnv(c *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	str("REMINDER_SERVICE_BASEURL", &c.Source.BaseURL)
	str("USER_SERVICE_BASEURL", &c.Resolver.BaseURL)
	str("DATABASE_URL", &c.Source.DSN)
	str("AUTH_BEARER", &c.Auth.Bearer)
	str("AUTH_JWT_SECRET", &c.Auth.JWTSecret)
	str("TZ", &c.Trigger.Timezone)
	str("TWILIO_ACCOUNT_SID", &c.Gateway.AccountSID)
	str("TWILIO_AUTH_TOKEN", &c.Gateway.AuthToken)
	str("TWILIO_FROM", &c.Gateway.From)
	str("TWILIO_WHATSAPP_FROM", &c.Gateway.WhatsAppFrom)
	str("LOG_LEVEL", &c.Logging.Level)

	if v := strings.TrimSpace(getenv("POLL_INTERVAL_MS")); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.Trigger.PollInterval = (time.Duration(ms) * time.Millisecond).String()
		}
	}
	if v := strings.TrimSpace(getenv("DUE_WINDOW_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Poll.WindowSec = n
		}
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			c.Health.Addr = ":" + v
		}
	}
}

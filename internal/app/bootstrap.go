package app

import (
	"fmt"
	"strings"
	"time"

	"plantpal/internal/config"
	"plantpal/internal/delivery"
	"plantpal/internal/observability/health"
	"plantpal/internal/poller"
	"plantpal/internal/reminder"
	"plantpal/internal/storage"
	"plantpal/internal/task/engine"
	logx "plantpal/pkg/logx"
)

// Mapping from the on-disk config to component configs. Every function
// here is also used on hot reload, so it must not have side effects.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	initial, err := config.ParseDurationOrDefault("delivery.initial_backoff", d.InitialBackoff, 2*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	maxBackoff, err := config.ParseDurationOrDefault("delivery.max_backoff", d.MaxBackoff, time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	attempt, err := config.ParseDurationOrDefault("delivery.attempt_timeout", d.AttemptTimeout, 2*time.Minute)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		Policy: engine.Policy{
			MaxAttempts:     d.MaxAttempts,
			InitialInterval: initial,
			Coefficient:     d.BackoffCoefficient,
			MaxInterval:     maxBackoff,
			AttemptTimeout:  attempt,
			Jitter:          d.Jitter,
		},
		FallbackTitle: d.FallbackTitle,
		FallbackBody:  d.FallbackBody,
		Channel:       reminder.ParseChannel(d.Channel),
		Timezone:      cfg.Gateway.Timezone,
	}, nil
}

func mapPollConfig(cfg *config.Config) poller.Config {
	return poller.Config{WindowSec: cfg.Poll.WindowSec, MaxConcurrency: cfg.Poll.MaxConcurrency}
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	stale, err := config.ParseDurationField("health.stale_after", cfg.Health.StaleAfter)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		Enabled:    cfg.Health.Enabled,
		Addr:       cfg.Health.Addr,
		Pprof:      cfg.Health.Pprof,
		StaleAfter: stale,
	}, nil
}

// mapLedgerConfig returns enabled=false when the ledger is switched off.
func mapLedgerConfig(cfg *config.Config) (storage.Config, bool, error) {
	lc := cfg.Ledger
	driver := strings.ToLower(strings.TrimSpace(lc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	retention, err := config.ParseDurationOrDefault("ledger.retention", lc.Retention, 48*time.Hour)
	if err != nil {
		return storage.Config{}, false, err
	}
	sc := storage.Config{
		Driver:     driver,
		Path:       strings.TrimSpace(lc.Path),
		Retention:  retention,
		MaxEntries: lc.MaxEntries,
	}
	switch driver {
	case "memory":
	case "file":
	case "sqlite", "sqlite3":
		if sc.Path == "" {
			return storage.Config{}, false, fmt.Errorf("ledger.path is required when ledger.driver=sqlite")
		}
		sc.BusyTimeout, err = config.ParseDurationOrDefault("ledger.busy_timeout", lc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown ledger.driver: %s", lc.Driver)
	}
	return sc, true, nil
}

func durationOr(path, raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault(path, raw, def)
	if err != nil {
		return def
	}
	return d
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "plantpal/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, DSNs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}
	if oldCfg.Trigger != newCfg.Trigger {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.String("trigger.poll_interval", newCfg.Trigger.PollInterval),
			logx.Bool("trigger.paused", newCfg.Trigger.Paused),
		)
	}
	if oldCfg.Poll != newCfg.Poll {
		changed = append(changed, "poll")
		attrs = append(attrs,
			logx.Int("poll.window_sec", newCfg.Poll.WindowSec),
			logx.Int("poll.max_concurrency", newCfg.Poll.MaxConcurrency),
		)
	}
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.max_attempts", newCfg.Delivery.MaxAttempts),
			logx.String("delivery.initial_backoff", newCfg.Delivery.InitialBackoff),
			logx.String("delivery.channel", newCfg.Delivery.Channel),
		)
	}
	if oldCfg.Source != newCfg.Source {
		changed = append(changed, "source")
		attrs = append(attrs, logx.String("source.driver", newCfg.Source.Driver))
	}
	if oldCfg.Resolver != newCfg.Resolver {
		changed = append(changed, "resolver")
	}
	if oldCfg.Auth != newCfg.Auth {
		changed = append(changed, "auth")
		attrs = append(attrs, logx.Bool("auth.jwt", strings.TrimSpace(newCfg.Auth.JWTSecret) != ""))
	}
	if oldCfg.Gateway != newCfg.Gateway {
		changed = append(changed, "gateway")
		attrs = append(attrs, logx.String("gateway.driver", newCfg.Gateway.Driver))
	}
	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs, logx.String("ledger.driver", newCfg.Ledger.Driver))
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", newCfg.Health.Enabled),
			logx.String("health.addr", newCfg.Health.Addr),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// HasSection reports whether name is in the changed list.
func HasSection(changed []string, name string) bool {
	for _, c := range changed {
		if c == name {
			return true
		}
	}
	return false
}

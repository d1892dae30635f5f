package config

import (
	"sort"
	"strings"

	logx "meteobot/pkg/logx"
)

// DefaultNotifier is what the notifier runs with when the section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// EffectiveNotifier resolves an omitted notifier section to its defaults.
func (c *Config) EffectiveNotifier() NotifierConfig {
	if c == nil || c.Notifier == nil {
		return DefaultNotifier()
	}
	return *c.Notifier
}

// SummarizeConfigChange returns the sorted names of changed sections and
// log fields describing the new values. Tokens and DSNs are never included.
// restart lists the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	trim := strings.TrimSpace

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		trim(oldCfg.Telegram.PollTimeout) != trim(newCfg.Telegram.PollTimeout) ||
		trim(oldCfg.Telegram.OpsChat) != trim(newCfg.Telegram.OpsChat) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", trim(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.ops_chat_set", trim(newCfg.Telegram.OpsChat) != ""),
		)
		if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
			trim(oldCfg.Telegram.PollTimeout) != trim(newCfg.Telegram.PollTimeout) {
			restart = append(restart, "telegram")
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.room", newCfg.Logging.Room.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", trim(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.fire_timeout", trim(newCfg.Scheduler.FireTimeout)),
			logx.String("scheduler.reconcile", trim(newCfg.Scheduler.Reconcile)),
		)
	}

	if oldCfg.Weather != newCfg.Weather {
		changed = append(changed, "weather")
		restart = append(restart, "weather")
		attrs = append(attrs,
			logx.String("weather.base_url", trim(newCfg.Weather.BaseURL)),
			logx.Int("weather.rate_per_sec", newCfg.Weather.RatePerSec),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", trim(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", trim(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", trim(newCfg.Storage.DSN) != ""),
		)
	}

	if oldN, newN := oldCfg.EffectiveNotifier(), newCfg.EffectiveNotifier(); oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	if oldCfg.Observability != newCfg.Observability {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", newCfg.Observability.Enabled),
			logx.String("observability.addr", trim(newCfg.Observability.Addr)),
			logx.Bool("observability.pprof", newCfg.Observability.Pprof),
			logx.Bool("observability.token_set", trim(newCfg.Observability.Token) != ""),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

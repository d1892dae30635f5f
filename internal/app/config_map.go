package app

import (
	"fmt"
	"strings"
	"time"

	"meteobot/internal/config"
	"meteobot/internal/notifier"
	"meteobot/internal/observability/server"
	"meteobot/internal/storage"
	"meteobot/internal/task/scheduler"
	"meteobot/internal/weather/meteofrance"
	logx "meteobot/pkg/logx"
)

const defaultReconcileSpec = "@every 15m"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Room: logx.RoomConfig{
			Enabled:    cfg.Logging.Room.Enabled,
			MinLevel:   cfg.Logging.Room.MinLevel,
			RatePerSec: cfg.Logging.Room.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	ft, err := config.ParseDurationField("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Timezone: tz, FireTimeout: ft}, nil
}

// reconcileSpec is "" when reconciliation is switched off with "off".
func reconcileSpec(cfg *config.Config) string {
	spec := strings.TrimSpace(cfg.Scheduler.Reconcile)
	switch strings.ToLower(spec) {
	case "":
		return defaultReconcileSpec
	case "off", "none", "disabled":
		return ""
	}
	return spec
}

func mapWeatherConfig(cfg *config.Config, loc *time.Location) (meteofrance.Config, error) {
	timeout, err := config.ParseDurationOrDefault("weather.timeout", cfg.Weather.Timeout, 10*time.Second)
	if err != nil {
		return meteofrance.Config{}, err
	}
	rps := cfg.Weather.RatePerSec
	if rps == 0 {
		rps = 5
	}
	return meteofrance.Config{
		BaseURL:     strings.TrimSpace(cfg.Weather.BaseURL),
		RainBaseURL: strings.TrimSpace(cfg.Weather.RainBaseURL),
		Timeout:     timeout,
		RatePerSec:  rps,
		Location:    loc,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		driver = "file"
		if path == "" {
			path = "./meteobot.json"
		}
	case "sqlite", "bolt":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		Key:         strings.TrimSpace(sc.Key),
		BusyTimeout: busy,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.EffectiveNotifier()
	def := config.DefaultNotifier()

	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, config.DurationOr(def.RetryBase, 500*time.Millisecond))
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, config.DurationOr(def.RetryMaxDelay, 10*time.Second))
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, config.DurationOr(def.DedupWindow, time.Minute))
	if err != nil {
		return notifier.Config{}, err
	}
	if retryMaxDelay < retryBase {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max_delay (%s) must be >= retry_base (%s)", retryMaxDelay, retryBase)
	}

	orDefault := func(v, d int) int {
		if v <= 0 {
			return d
		}
		return v
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         orDefault(nc.Workers, def.Workers),
		QueueSize:       orDefault(nc.QueueSize, def.QueueSize),
		RatePerSec:      orDefault(nc.RatePerSec, def.RatePerSec),
		RetryMax:        orDefault(nc.RetryMax, def.RetryMax),
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: orDefault(nc.DedupMaxEntries, def.DedupMaxEntries),
	}, nil
}

func mapObservabilityConfig(cfg *config.Config) (server.Config, error) {
	oc := cfg.Observability
	readTimeout, err := config.ParseDurationOrDefault("observability.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("observability.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Prefix:        strings.TrimSpace(oc.Prefix),
		Pprof:         oc.Pprof,
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		ReadTimeout:   readTimeout,
		// pprof/profile streams for up to 30s by default.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  idleTimeout,
	}, nil
}

// validateConfig runs every mapping so a reload that one service would
// reject is refused as a whole.
func validateConfig(cfg *config.Config) error {
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWeatherConfig(cfg, nil); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapObservabilityConfig(cfg); err != nil {
		return err
	}
	return nil
}

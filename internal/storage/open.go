package storage

import (
	"context"
	"fmt"
	"strings"

	logx "meteobot/pkg/logx"
)

// Open initializes the configured driver.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = DefaultKey
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "memory":
		st = NewMemory()
	case "", "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "bolt", "bbolt":
		st, err = openBolt(cfg)
	case "postgres", "postgresql", "pg":
		st, err = openPostgres(ctx, cfg)
	case "redis":
		st, err = openRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", driver, err)
	}
	log.Info("storage opened")
	return st, nil
}

func requirePath(cfg Config) (string, error) {
	p := strings.TrimSpace(cfg.Path)
	if p == "" {
		return "", fmt.Errorf("%w: path", ErrMissingSetting)
	}
	return p, nil
}

func requireDSN(cfg Config) (string, error) {
	d := strings.TrimSpace(cfg.DSN)
	if d == "" {
		return "", fmt.Errorf("%w: dsn", ErrMissingSetting)
	}
	return d, nil
}

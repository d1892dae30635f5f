package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// auditCap bounds the audit list kept in redis.
const auditCap = 10000

type redisStore struct {
	rdb      *redis.Client
	key      string
	auditKey string
}

func openRedis(ctx context.Context, cfg Config) (Store, error) {
	dsn, err := requireDSN(cfg)
	if err != nil {
		return nil, err
	}
	var opts *redis.Options
	if strings.Contains(dsn, "://") {
		opts, err = redis.ParseURL(dsn)
		if err != nil {
			return nil, err
		}
	} else {
		opts = &redis.Options{Addr: dsn}
	}
	rdb := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	key := "meteobot:" + cfg.Key
	return &redisStore{rdb: rdb, key: key, auditKey: key + ":audit"}, nil
}

func (s *redisStore) Load(ctx context.Context) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (s *redisStore) Save(ctx context.Context, blob []byte) error {
	return s.rdb.Set(ctx, s.key, blob, 0).Err()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.auditKey, b)
		p.LTrim(ctx, s.auditKey, -auditCap, -1)
		return nil
	})
	return err
}

func (s *redisStore) Close() error { return s.rdb.Close() }

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	pool *pgxpool.Pool
	key  string
}

var pgSchema = []string{
	`create table if not exists meteobot_blobs (
		key text primary key,
		data bytea not null,
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists meteobot_audit (
		id bigserial primary key,
		at timestamptz not null,
		room text not null,
		actor_id bigint,
		actor_username text,
		action text not null,
		subscription_id bigint not null,
		location text,
		err text
	)`,
}

func openPostgres(ctx context.Context, cfg Config) (Store, error) {
	dsn, err := requireDSN(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, err
	}
	for _, q := range pgSchema {
		if _, err := pool.Exec(pctx, q); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &pgStore{pool: pool, key: cfg.Key}, nil
}

func (s *pgStore) Load(ctx context.Context) ([]byte, error) {
	var b []byte
	err := s.pool.QueryRow(ctx, `select data from meteobot_blobs where key = $1`, s.key).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *pgStore) Save(ctx context.Context, blob []byte) error {
	_, err := s.pool.Exec(ctx,
		`insert into meteobot_blobs (key, data, updated_at) values ($1, $2, now())
		 on conflict (key) do update set data = excluded.data, updated_at = excluded.updated_at`,
		s.key, blob,
	)
	return err
}

func (s *pgStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`insert into meteobot_audit (at, room, actor_id, actor_username, action, subscription_id, location, err)
		 values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.At, e.Room, e.ActorID, nullStr(e.ActorUsername), e.Action, e.SubscriptionID, nullStr(e.Location), nullStr(e.Error),
	)
	return err
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed         = errors.New("storage closed")
	ErrUnknownDriver  = errors.New("unknown storage driver")
	ErrMissingSetting = errors.New("storage setting missing")
)

const DefaultKey = "subscriptions"

// Config selects and configures a driver.
//
// Driver values:
//   - "memory": process-local, lost on exit
//   - "file": blob file written by rename, audit as JSON lines
//   - "sqlite": SQLite database file
//   - "bolt": bbolt database file
//   - "postgres": DSN is a postgres URL
//   - "redis": DSN is a redis URL or host:port
//
// An empty Driver means "file".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Key         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one subscription change.
type AuditEntry struct {
	At             time.Time `json:"at"`
	Room           string    `json:"room"`
	ActorID        int64     `json:"actor_id,omitempty"`
	ActorUsername  string    `json:"actor_username,omitempty"`
	Action         string    `json:"action"`
	SubscriptionID int64     `json:"subscription_id"`
	Location       string    `json:"location,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Store is a durable blob slot plus an audit log.
//
// Load returns (nil, nil) when nothing has been saved yet.
// Save replaces the blob atomically: a failed Save leaves the previous blob intact.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

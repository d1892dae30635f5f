package storage

import (
	"context"
	"sync"
)

// Memory keeps everything in process. Useful for tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	blob   []byte
	audit  []AuditEntry
	closed bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.blob == nil {
		return nil, nil
	}
	return append([]byte(nil), m.blob...), nil
}

func (m *Memory) Save(ctx context.Context, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.blob = append([]byte(nil), blob...)
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the recorded entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Package idempotency stores responses keyed by the Idempotency-Key header so
// retried credit and debit requests replay the first result instead of moving
// points twice.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a recorded response is replayed.
const DefaultTTL = 24 * time.Hour

// Entry is a recorded response.
type Entry struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Store records and replays responses.
type Store interface {
	// Get returns the recorded entry for key, if any.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Put records entry under key unless one is already present.
	Put(ctx context.Context, key string, entry Entry, ttl time.Duration) error
}

type memoryEntry struct {
	entry   Entry
	expires time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return Entry{}, false, nil
	}
	return Entry{Status: e.entry.Status, Body: append([]byte(nil), e.entry.Body...)}, true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	m.entries[key] = memoryEntry{
		entry:   Entry{Status: entry.Status, Body: append([]byte(nil), entry.Body...)},
		expires: expires,
	}
	return nil
}

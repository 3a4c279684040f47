package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/loyalty_layer/internal/app/storage"
)

const defaultMaxAttempts = 5

// Store is an in-memory implementation of storage.Store. Transactions use
// optimistic concurrency: every document carries a version, reads record the
// version they observed and the commit fails when any of them moved. It is
// safe for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu          sync.RWMutex
	docs        map[string]record
	seq         int64
	now         func() time.Time
	maxAttempts int
}

var _ storage.Store = (*Store)(nil)

type record struct {
	data    []byte
	created time.Time
	updated time.Time
	version int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the server clock used for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxAttempts bounds how often a conflicting transaction is re-run.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:        make(map[string]record),
		now:         func() time.Time { return time.Now().UTC() },
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(ctx context.Context, path string) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[path]
	if !ok {
		return storage.Snapshot{}, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
	}
	return rec.snapshot(path), nil
}

func (s *Store) Create(ctx context.Context, path string, v interface{}) error {
	return s.RunTransaction(ctx, func(_ context.Context, tx storage.Tx) error {
		tx.Create(path, v)
		return nil
	})
}

func (s *Store) Set(ctx context.Context, path string, v interface{}) error {
	return s.RunTransaction(ctx, func(_ context.Context, tx storage.Tx) error {
		tx.Set(path, v)
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.RunTransaction(ctx, func(_ context.Context, tx storage.Tx) error {
		tx.Delete(path)
		return nil
	})
}

func (s *Store) Query(ctx context.Context, q storage.Query) ([]storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := q.Collection + "/"

	s.mu.RLock()
	var matched []storage.Snapshot
	for path, rec := range s.docs {
		if !strings.HasPrefix(path, prefix) || strings.Contains(path[len(prefix):], "/") {
			continue
		}
		snap := rec.snapshot(path)
		if storage.Matches(snap, q.Filters) {
			matched = append(matched, snap)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return storage.CompareOrder(matched[i], matched[j], q.OrderBy) < 0
	})

	if q.StartAfter != nil {
		idx := sort.Search(len(matched), func(i int) bool {
			return storage.CompareOrder(matched[i], *q.StartAfter, q.OrderBy) > 0
		})
		matched = matched[idx:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (s *Store) RunTransaction(ctx context.Context, fn storage.TxFunc) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := &tx{store: s, reads: make(map[string]int64), now: s.now()}
		if err := fn(ctx, t); err != nil {
			return err
		}
		if err := t.Err(); err != nil {
			return err
		}
		committed, err := s.commit(t)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
	}
	return storage.ErrContention
}

// commit validates the read set and applies the staged writes atomically.
// It reports false when a concurrent commit invalidated a read.
func (s *Store) commit(t *tx) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for path, seen := range t.reads {
		if s.docs[path].version != seen {
			return false, nil
		}
	}

	pending := make(map[string][]byte)
	var order []string
	for _, m := range t.Mutations() {
		current, staged := pending[m.Path]
		if !staged {
			if rec, ok := s.docs[m.Path]; ok {
				current = rec.data
			}
			order = append(order, m.Path)
		}
		next, err := storage.Apply(current, m)
		if err != nil {
			return true, err
		}
		pending[m.Path] = next
	}

	for _, path := range order {
		data := pending[path]
		if data == nil {
			delete(s.docs, path)
			continue
		}
		s.seq++
		rec, exists := s.docs[path]
		if !exists {
			rec.created = t.now
		}
		rec.data = data
		rec.updated = t.now
		rec.version = s.seq
		s.docs[path] = rec
	}
	return true, nil
}

func (r record) snapshot(path string) storage.Snapshot {
	return storage.Snapshot{
		Path:       path,
		ID:         storage.ID(path),
		Data:       append([]byte(nil), r.data...),
		CreateTime: r.created,
		UpdateTime: r.updated,
		Version:    r.version,
	}
}

type tx struct {
	storage.WriteSet
	store *Store
	reads map[string]int64
	now   time.Time
}

func (t *tx) Get(ctx context.Context, path string) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	t.store.mu.RLock()
	rec, ok := t.store.docs[path]
	t.store.mu.RUnlock()

	if _, seen := t.reads[path]; !seen {
		t.reads[path] = rec.version
	}
	if !ok {
		return storage.Snapshot{}, fmt.Errorf("%s: %w", path, storage.ErrNotFound)
	}
	return rec.snapshot(path), nil
}

func (t *tx) Time() time.Time { return t.now }

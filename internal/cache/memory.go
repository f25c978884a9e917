package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// MemoryStore is an in-process Store. Keys are spread over shards, each
// with its own lock, so unrelated keys never contend.
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type shard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates a MemoryStore. If cleanupInterval is positive, a
// background goroutine sweeps expired entries at that interval until Close.
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{now: time.Now, stop: make(chan struct{})}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]memoryEntry)}
	}
	for _, opt := range opts {
		opt(m)
	}
	if cleanupInterval > 0 {
		m.wg.Add(1)
		go m.janitor(cleanupInterval)
	}
	return m
}

func (m *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Get returns the value for key. An expired entry is deleted under the same
// lock that observed it, so a concurrent Set of a fresh value is never lost.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores a copy of value for ttl.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.now()
	v := make([]byte, len(value))
	copy(v, value)

	s := m.shardFor(key)
	s.mu.Lock()
	s.entries[key] = memoryEntry{value: v, createdAt: now, expiresAt: now.Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Clear removes every entry.
func (m *MemoryStore) Clear(context.Context) error {
	for _, s := range m.shards {
		s.mu.Lock()
		s.entries = make(map[string]memoryEntry)
		s.mu.Unlock()
	}
	return nil
}

// Len counts entries, including expired ones the janitor hasn't swept yet.
func (m *MemoryStore) Len(context.Context) (int, error) {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n, nil
}

// DeleteExpired sweeps every shard and returns how many entries it removed.
func (m *MemoryStore) DeleteExpired() int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (m *MemoryStore) janitor(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DeleteExpired()
		case <-m.stop:
			return
		}
	}
}

// Close stops the janitor. It is safe to call more than once.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	return nil
}

// Package memorybackend is an in-process fake of backend.Adapter used to
// unit test the Subscriber Engine and Append Pipeline without a live Redis
// or NATS instance. It honors the same semantics as the real adapters
// (TTL expiry, NotFound on absent counters, best-effort pub/sub) but keeps
// everything in a map guarded by a mutex.
package memorybackend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NSLS2/test-redis-ws/internal/backend"
)

type entry struct {
	frame     backend.Frame
	expiresAt time.Time
	hasTTL    bool
}

// Backend is a goroutine-safe in-memory implementation of backend.Adapter.
type Backend struct {
	mu       sync.Mutex
	counters map[string]int64
	hashes   map[string]entry
	topics   map[string][]*subscription

	now func() time.Time
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		counters: make(map[string]int64),
		hashes:   make(map[string]entry),
		topics:   make(map[string][]*subscription),
		now:      time.Now,
	}
}

func (b *Backend) CounterInitIfAbsent(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.counters[key]; !ok {
		b.counters[key] = 0
	}
	return nil
}

func (b *Backend) CounterIncr(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[key]++
	return b.counters[key], nil
}

func (b *Backend) CounterGet(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.counters[key]
	if !ok {
		return 0, backend.ErrNotFound
	}
	return v, nil
}

func (b *Backend) CounterDelete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.counters, key)
	return nil
}

func (b *Backend) HashPut(ctx context.Context, key string, frame backend.Frame, ttl int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := entry{frame: frame}
	if ttl > 0 {
		e.hasTTL = true
		e.expiresAt = b.now().Add(time.Duration(ttl) * time.Second)
	}
	b.hashes[key] = e
	return nil
}

func (b *Backend) HashGet(ctx context.Context, key string) (backend.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.hashes[key]
	if !ok {
		return backend.Frame{}, backend.ErrNotFound
	}
	if e.hasTTL && b.now().After(e.expiresAt) {
		delete(b.hashes, key)
		return backend.Frame{}, backend.ErrNotFound
	}
	return e.frame, nil
}

func (b *Backend) Publish(ctx context.Context, channel string, seq int64) error {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.topics[channel]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(seq)
	}
	return nil
}

func (b *Backend) Subscribe(ctx context.Context, channel string) (backend.Subscription, error) {
	s := newSubscription(b, channel)
	b.mu.Lock()
	b.topics[channel] = append(b.topics[channel], s)
	b.mu.Unlock()
	return s, nil
}

func (b *Backend) unsubscribe(channel string, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[channel]
	for i, existing := range subs {
		if existing == s {
			b.topics[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Backend) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0)
	for k := range b.counters {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) Close() error { return nil }

// SetClock overrides the backend's notion of "now", for deterministic TTL
// expiry tests.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

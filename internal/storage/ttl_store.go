package storage

import (
	"context"
	"sync"
	"time"
)

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLStore is a keyed store whose entries expire after a fixed TTL. A
// janitor goroutine sweeps expired entries until Close is called; reads also
// ignore expired entries so results do not depend on sweep timing.
type TTLStore[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]ttlEntry[V]
	ttl   time.Duration
	now   func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewTTLStore creates a store and starts its janitor. sweepEvery <= 0
// disables the janitor.
func NewTTLStore[K comparable, V any](ttl, sweepEvery time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:  make(map[K]ttlEntry[V]),
		ttl:    ttl,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if sweepEvery > 0 {
		go s.janitor(sweepEvery)
	} else {
		close(s.doneCh)
	}
	return s
}

func (s *TTLStore[K, V]) janitor(every time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Set stores value under key, resetting its TTL.
func (s *TTLStore[K, V]) Set(key K, value V) {
	s.mu.Lock()
	s.items[key] = ttlEntry[V]{value: value, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()
}

// SetIfAbsent stores value only when key is missing or expired and reports
// whether it did.
func (s *TTLStore[K, V]) SetIfAbsent(key K, value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.items[key]; ok && now.Before(e.expiresAt) {
		return false
	}
	s.items[key] = ttlEntry[V]{value: value, expiresAt: now.Add(s.ttl)}
	return true
}

// Get returns the live value for key.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || !s.now().Before(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key.
func (s *TTLStore[K, V]) Delete(key K) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len counts live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, e := range s.items {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Sweep drops expired entries and returns how many it removed.
func (s *TTLStore[K, V]) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.items {
		if !now.Before(e.expiresAt) {
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

// Close stops the janitor and waits for it to exit.
func (s *TTLStore[K, V]) Close() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// MemorySeenSet is a SeenSet backed by a TTLStore.
type MemorySeenSet struct {
	store *TTLStore[string, struct{}]
}

// NewMemorySeenSet remembers ids for ttl.
func NewMemorySeenSet(ttl time.Duration) *MemorySeenSet {
	sweep := ttl / 4
	if sweep < time.Second {
		sweep = time.Second
	}
	return &MemorySeenSet{store: NewTTLStore[string, struct{}](ttl, sweep)}
}

func (s *MemorySeenSet) FirstSeen(_ context.Context, id string) (bool, error) {
	return s.store.SetIfAbsent(id, struct{}{}), nil
}

func (s *MemorySeenSet) Forget(_ context.Context, id string) error {
	s.store.Delete(id)
	return nil
}

// Close stops the underlying janitor.
func (s *MemorySeenSet) Close() {
	s.store.Close()
}

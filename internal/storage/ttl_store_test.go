package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTTLStore_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := NewTTLStore[string, int](time.Minute, 0)
	s.now = clock.Now
	defer s.Close()

	s.Set("a", 1)
	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.False(t, s.SetIfAbsent("a", 2), "live key must not be replaced")

	clock.Advance(time.Minute)
	_, ok = s.Get("a")
	assert.False(t, ok, "entry must expire at its TTL")
	assert.Equal(t, 0, s.Len())

	assert.True(t, s.SetIfAbsent("a", 3), "expired key can be claimed again")
	v, _ = s.Get("a")
	assert.Equal(t, 3, v)

	s.Set("b", 4)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, s.Sweep())
}

func TestTTLStore_JanitorStops(t *testing.T) {
	s := NewTTLStore[string, struct{}](10*time.Millisecond, 5*time.Millisecond)
	s.Set("x", struct{}{})

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.items) == 0
	}, time.Second, 5*time.Millisecond)

	s.Close()
	s.Close()
}

func TestMemorySeenSet(t *testing.T) {
	ctx := testContext(t)
	seen := NewMemorySeenSet(time.Hour)
	defer seen.Close()

	first, err := seen.FirstSeen(ctx, "delivery-1")
	assert.NoError(t, err)
	assert.True(t, first)

	first, _ = seen.FirstSeen(ctx, "delivery-1")
	assert.False(t, first)

	assert.NoError(t, seen.Forget(ctx, "delivery-1"))
	first, _ = seen.FirstSeen(ctx, "delivery-1")
	assert.True(t, first)
}

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced clock shared by store tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// storeHarness describes one backend under test. clock is nil for backends
// whose expiry is driven by the server's own clock.
type storeHarness struct {
	store  Store
	clock  *testClock
	prefix string
}

// runStoreSuite exercises the Store contract shared by every backend.
func runStoreSuite(t *testing.T, newHarness func(t *testing.T) storeHarness) {
	ctx := context.Background()

	t.Run("get missing key", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.Get(ctx, h.prefix+"missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set and get", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Set(ctx, h.prefix+"a", []byte("one"), time.Minute))

		got, err := h.store.Get(ctx, h.prefix+"a")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), got)

		require.NoError(t, h.store.Set(ctx, h.prefix+"a", []byte("two"), time.Minute))
		got, err = h.store.Get(ctx, h.prefix+"a")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got)
	})

	t.Run("no ttl never expires", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Set(ctx, h.prefix+"forever", []byte("x"), 0))
		if h.clock != nil {
			h.clock.Advance(365 * 24 * time.Hour)
		}
		_, err := h.store.Get(ctx, h.prefix+"forever")
		assert.NoError(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Set(ctx, h.prefix+"d", []byte("x"), time.Minute))

		existed, err := h.store.Delete(ctx, h.prefix+"d")
		require.NoError(t, err)
		assert.True(t, existed)

		existed, err = h.store.Delete(ctx, h.prefix+"d")
		require.NoError(t, err)
		assert.False(t, existed)

		_, err = h.store.Get(ctx, h.prefix+"d")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("keys by pattern", func(t *testing.T) {
		h := newHarness(t)
		for _, k := range []string{"rate_limit:ip:b", "rate_limit:ip:a", "rate_limit:user:a", "ad_token:valid:1"} {
			require.NoError(t, h.store.Set(ctx, h.prefix+k, []byte("1"), time.Minute))
		}

		keys, err := h.store.Keys(ctx, h.prefix+"rate_limit:ip:*")
		require.NoError(t, err)
		assert.Equal(t, []string{h.prefix + "rate_limit:ip:a", h.prefix + "rate_limit:ip:b"}, keys)

		keys, err = h.store.Keys(ctx, h.prefix+"*")
		require.NoError(t, err)
		assert.Len(t, keys, 4)

		keys, err = h.store.Keys(ctx, h.prefix+"nothing:*")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("set if absent", func(t *testing.T) {
		h := newHarness(t)
		claimer, ok := h.store.(Claimer)
		require.True(t, ok, "store should implement Claimer")

		created, err := claimer.SetIfAbsent(ctx, h.prefix+"claim", []byte("first"), time.Minute)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = claimer.SetIfAbsent(ctx, h.prefix+"claim", []byte("second"), time.Minute)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := h.store.Get(ctx, h.prefix+"claim")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), got)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		h := newHarness(t)
		claimer := h.store.(Claimer)

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				created, err := claimer.SetIfAbsent(ctx, h.prefix+"race", []byte(fmt.Sprint(i)), time.Minute)
				if err == nil && created {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})

	t.Run("json helpers", func(t *testing.T) {
		h := newHarness(t)
		type record struct {
			Count int   `json:"count"`
			Reset int64 `json:"resetAt"`
		}

		var got record
		found, err := GetJSON(ctx, h.store, h.prefix+"json", &got)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, SetJSON(ctx, h.store, h.prefix+"json", record{Count: 3, Reset: 42}, time.Minute))
		found, err = GetJSON(ctx, h.store, h.prefix+"json", &got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, record{Count: 3, Reset: 42}, got)
	})

	t.Run("ping", func(t *testing.T) {
		h := newHarness(t)
		assert.NoError(t, h.store.Ping(ctx))
	})

	t.Run("ttl expiry", func(t *testing.T) {
		h := newHarness(t)
		if h.clock == nil {
			t.Skip("backend expiry is not clock-controlled")
		}
		require.NoError(t, h.store.Set(ctx, h.prefix+"ttl", []byte("x"), 10*time.Second))

		h.clock.Advance(9 * time.Second)
		_, err := h.store.Get(ctx, h.prefix+"ttl")
		require.NoError(t, err)

		h.clock.Advance(time.Second)
		_, err = h.store.Get(ctx, h.prefix+"ttl")
		assert.ErrorIs(t, err, ErrNotFound)

		keys, err := h.store.Keys(ctx, h.prefix+"*")
		require.NoError(t, err)
		assert.Empty(t, keys)

		existed, err := h.store.Delete(ctx, h.prefix+"ttl")
		require.NoError(t, err)
		assert.False(t, existed, "expired key should not count as existing")
	})

	t.Run("expired key can be claimed again", func(t *testing.T) {
		h := newHarness(t)
		if h.clock == nil {
			t.Skip("backend expiry is not clock-controlled")
		}
		claimer := h.store.(Claimer)

		created, err := claimer.SetIfAbsent(ctx, h.prefix+"reclaim", []byte("a"), time.Second)
		require.NoError(t, err)
		require.True(t, created)

		h.clock.Advance(2 * time.Second)
		created, err = claimer.SetIfAbsent(ctx, h.prefix+"reclaim", []byte("b"), time.Minute)
		require.NoError(t, err)
		assert.True(t, created)
	})
}

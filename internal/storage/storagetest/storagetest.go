// Package storagetest provides store fakes and a manual clock for tests of
// packages built on storage.Store.
package storagetest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gatekeeper/internal/storage"
)

// ErrInjected is returned by FaultyStore operations that are set to fail.
var ErrInjected = errors.New("injected store failure")

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewMemoryStore returns a memory store driven by clock.
func NewMemoryStore(clock *Clock) *storage.MemoryStore {
	return storage.NewMemoryStore(storage.Config{Now: clock.Now})
}

// FaultyStore wraps a store and fails selected operations on demand.
type FaultyStore struct {
	storage.Store

	mu         sync.Mutex
	failGet    bool
	failSet    bool
	failDelete bool
	failKeys   bool
	sets       int

	failSetPrefix string
}

// NewFaultyStore wraps inner. No operation fails until configured.
func NewFaultyStore(inner storage.Store) *FaultyStore {
	return &FaultyStore{Store: inner}
}

func (f *FaultyStore) FailGet(v bool)    { f.mu.Lock(); f.failGet = v; f.mu.Unlock() }
func (f *FaultyStore) FailSet(v bool)    { f.mu.Lock(); f.failSet = v; f.mu.Unlock() }
func (f *FaultyStore) FailDelete(v bool) { f.mu.Lock(); f.failDelete = v; f.mu.Unlock() }
func (f *FaultyStore) FailKeys(v bool)   { f.mu.Lock(); f.failKeys = v; f.mu.Unlock() }

// FailSetPrefix makes writes to keys starting with prefix fail. An empty
// prefix clears it.
func (f *FaultyStore) FailSetPrefix(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSetPrefix = prefix
}

// setFails must be called with f.mu held.
func (f *FaultyStore) setFails(key string) bool {
	return f.failSet || (f.failSetPrefix != "" && strings.HasPrefix(key, f.failSetPrefix))
}

// FailAll toggles every operation at once.
func (f *FaultyStore) FailAll(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet, f.failSet, f.failDelete, f.failKeys = v, v, v, v
}

// Sets returns how many Set calls reached the wrapper, failed or not.
func (f *FaultyStore) Sets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

func (f *FaultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}
	return f.Store.Get(ctx, key)
}

func (f *FaultyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	f.sets++
	fail := f.setFails(key)
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *FaultyStore) Delete(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	fail := f.failDelete
	f.mu.Unlock()
	if fail {
		return false, ErrInjected
	}
	return f.Store.Delete(ctx, key)
}

func (f *FaultyStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	fail := f.failKeys
	f.mu.Unlock()
	if fail {
		return nil, ErrInjected
	}
	return f.Store.Keys(ctx, pattern)
}

// SetIfAbsent forwards to the inner store when it supports claims. A failing
// Set also fails claims.
func (f *FaultyStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	f.sets++
	fail := f.setFails(key)
	f.mu.Unlock()
	if fail {
		return false, ErrInjected
	}
	claimer, ok := f.Store.(storage.Claimer)
	if !ok {
		return false, errors.New("inner store does not support claims")
	}
	return claimer.SetIfAbsent(ctx, key, value, ttl)
}

// PlainStore hides any Claimer implementation of the wrapped store, forcing
// callers onto their non-atomic fallback path.
type PlainStore struct {
	storage.Store
}

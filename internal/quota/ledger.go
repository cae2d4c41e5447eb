// Package quota implements the fixed-window quota ledger. Each identity tier
// has a counter that resets wholesale at a fixed timestamp; the counter lives
// in the shared store so any instance can decide for any caller.
//
// The ledger performs one read and at most one write per operation and takes
// no locks. Concurrent consumes for the same identity may both observe the
// same count and both be admitted; the overshoot is bounded by the number of
// concurrent requests and is accepted.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
)

const keyPrefix = "rate_limit:"

// Limits holds per-tier request limits for one fixed window.
type Limits struct {
	IP     int
	User   int
	Window time.Duration
}

// LimitsFrom converts the quota configuration section.
func LimitsFrom(cfg models.QuotaConfig) Limits {
	return Limits{IP: cfg.IPLimit, User: cfg.UserLimit, Window: cfg.Window}
}

// Record is the persisted counter for one identity. ResetAt is epoch millis;
// a record whose ResetAt has passed is treated as absent.
type Record struct {
	Count   int   `json:"count"`
	ResetAt int64 `json:"resetAt"`
	// Bonus holds extra units granted in this window by redeemed credits.
	Bonus int `json:"bonus,omitempty"`
}

// Status is the outcome of a ledger operation.
type Status struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   int64 // epoch millis
}

// Ledger tracks per-identity usage against tiered limits.
type Ledger struct {
	store  storage.Store
	limits Limits
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger used for infrastructure faults.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a ledger over store.
func NewLedger(store storage.Store, limits Limits, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		limits: limits,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the store key for an identity's quota record.
func Key(id models.Identity) string {
	return KeyFor(id.Method, id.Identifier())
}

// KeyFor returns the quota key for an already-formed identifier. Only users
// have their own namespace; every anonymous tier shares the ip namespace.
func KeyFor(method models.Method, identifier string) string {
	ns := "ip"
	if method == models.MethodUser {
		ns = "user"
	}
	return keyPrefix + ns + ":" + identifier
}

// Limit returns the base limit for an identity's tier.
func (l *Ledger) Limit(id models.Identity) int {
	if id.IsLoggedIn() {
		return l.limits.User
	}
	return l.limits.IP
}

// Check reports the identity's current standing without consuming a unit.
// An absent or expired record yields a fresh window that is not written.
func (l *Ledger) Check(ctx context.Context, id models.Identity) Status {
	l.clearAnonymous(ctx, id)

	now := l.now()
	rec, err := l.load(ctx, Key(id), now)
	if err != nil {
		return l.failOpen(id, now, "check", err)
	}
	return l.status(id, rec)
}

// Consume admits one request when the identity is within its limit and
// records it. A denied request does not touch the store.
func (l *Ledger) Consume(ctx context.Context, id models.Identity) Status {
	l.clearAnonymous(ctx, id)

	now := l.now()
	key := Key(id)
	rec, err := l.load(ctx, key, now)
	if err != nil {
		return l.failOpen(id, now, "consume", err)
	}

	if rec.Count >= l.Limit(id)+rec.Bonus {
		st := l.status(id, rec)
		st.Allowed = false
		st.Remaining = 0
		return st
	}

	rec.Count++
	if err := l.save(ctx, key, rec, now); err != nil {
		l.logger.Error("Failed to record quota usage",
			"event", "infrastructure",
			"identity", id.String(),
			"error", err,
		)
	}

	st := l.status(id, rec)
	st.Allowed = true
	return st
}

// Grant adds n bonus units to the identity's current window, opening a new
// window if none is live.
func (l *Ledger) Grant(ctx context.Context, id models.Identity, n int) (Status, error) {
	if n <= 0 {
		return Status{}, fmt.Errorf("grant must be positive, got %d", n)
	}

	now := l.now()
	key := Key(id)
	rec, err := l.load(ctx, key, now)
	if err != nil {
		return Status{}, fmt.Errorf("failed to load quota record: %w", err)
	}

	rec.Bonus += n
	if err := l.save(ctx, key, rec, now); err != nil {
		return Status{}, fmt.Errorf("failed to save quota record: %w", err)
	}
	return l.status(id, rec), nil
}

// Reset deletes the identity's quota record.
func (l *Ledger) Reset(ctx context.Context, id models.Identity) (bool, error) {
	return l.ResetIdentifier(ctx, id.Method, id.Identifier())
}

// ResetIdentifier deletes the quota record for an already-formed identifier.
func (l *Ledger) ResetIdentifier(ctx context.Context, method models.Method, identifier string) (bool, error) {
	existed, err := l.store.Delete(ctx, KeyFor(method, identifier))
	if err != nil {
		return false, fmt.Errorf("failed to reset quota: %w", err)
	}
	return existed, nil
}

// clearAnonymous drops the IP-tier record of an authenticated caller so that
// anonymous usage neither leaks into nor blocks the logged-in session.
func (l *Ledger) clearAnonymous(ctx context.Context, id models.Identity) {
	if !id.IsLoggedIn() || id.IP == "" {
		return
	}
	if _, err := l.store.Delete(ctx, Key(models.IPIdentity(id.IP))); err != nil {
		l.logger.Warn("Failed to clear anonymous quota record",
			"event", "infrastructure",
			"identity", id.String(),
			"error", err,
		)
	}
}

// load returns the live record for key, or a fresh window when the record is
// absent or its reset time has passed.
func (l *Ledger) load(ctx context.Context, key string, now time.Time) (Record, error) {
	var rec Record
	found, err := storage.GetJSON(ctx, l.store, key, &rec)
	if err != nil {
		return Record{}, err
	}
	if !found || rec.ResetAt <= now.UnixMilli() {
		return l.fresh(now), nil
	}
	return rec, nil
}

func (l *Ledger) fresh(now time.Time) Record {
	return Record{Count: 0, ResetAt: now.Add(l.limits.Window).UnixMilli()}
}

// save writes rec with a TTL that ends at the window's reset time.
func (l *Ledger) save(ctx context.Context, key string, rec Record, now time.Time) error {
	ttl := time.Duration(rec.ResetAt-now.UnixMilli()) * time.Millisecond
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return storage.SetJSON(ctx, l.store, key, rec, ttl)
}

func (l *Ledger) status(id models.Identity, rec Record) Status {
	limit := l.Limit(id) + rec.Bonus
	remaining := limit - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Allowed:   rec.Count < limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   rec.ResetAt,
	}
}

func (l *Ledger) failOpen(id models.Identity, now time.Time, op string, err error) Status {
	l.logger.Error("Quota store unavailable, failing open",
		"event", "infrastructure",
		"operation", op,
		"identity", id.String(),
		"error", err,
	)
	limit := l.Limit(id)
	return Status{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   now.Add(l.limits.Window).UnixMilli(),
	}
}

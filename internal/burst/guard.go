// Package burst implements the sliding-window burst guard. Every identity is
// evaluated against three trailing windows at once, and the admitted request
// history is analysed for patterns typical of scripted clients.
package burst

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
)

const keyPrefix = "rate_limit:burst_"

// Window is one trailing horizon with its request allowance.
type Window struct {
	Name        string
	Duration    time.Duration
	MaxRequests int
}

// Config holds the windows, ordered short to long, and the cleanup interval.
type Config struct {
	Windows         [3]Window
	CleanupInterval time.Duration
}

// DefaultConfig returns the 10s/5, 60s/15, 300s/40 windows.
func DefaultConfig() Config {
	return ConfigFrom(models.NewDefaultConfig().Burst)
}

// ConfigFrom converts the burst configuration section.
func ConfigFrom(cfg models.BurstConfig) Config {
	return Config{
		Windows: [3]Window{
			{Name: "short", Duration: cfg.Short.Duration, MaxRequests: cfg.Short.MaxRequests},
			{Name: "medium", Duration: cfg.Medium.Duration, MaxRequests: cfg.Medium.MaxRequests},
			{Name: "long", Duration: cfg.Long.Duration, MaxRequests: cfg.Long.MaxRequests},
		},
		CleanupInterval: cfg.CleanupInterval,
	}
}

func (c Config) medium() Window  { return c.Windows[1] }
func (c Config) longest() Window { return c.Windows[2] }

// stateTTL keeps state around long enough to cover the longest window plus
// one cleanup cycle.
func (c Config) stateTTL() time.Duration {
	return c.longest().Duration + c.CleanupInterval
}

// State is the persisted per-identity history. Timestamps are epoch millis
// of admitted requests in insertion order.
type State struct {
	Timestamps            []int64  `json:"timestamps"`
	LastCleanupAt         int64    `json:"lastCleanupAt"`
	SuspicionTags         []string `json:"suspicionTags,omitempty"`
	ConsecutiveViolations int      `json:"consecutiveViolations"`
}

// Guard evaluates and records requests against the burst windows.
type Guard struct {
	store  storage.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger used for infrastructure faults.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// NewGuard creates a guard over store.
func NewGuard(store storage.Store, cfg Config, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key returns the store key for an identity's burst state.
func Key(id models.Identity) string {
	return KeyFor(id.Method, id.Identifier())
}

// KeyFor returns the burst key for an already-formed identifier.
func KeyFor(method models.Method, identifier string) string {
	return keyPrefix + string(method) + ":" + identifier
}

// CheckAndRecord evaluates the request and, when it is admitted, appends it
// to the identity's history. Store failures fail open.
func (g *Guard) CheckAndRecord(ctx context.Context, id models.Identity) models.BurstResult {
	return g.evaluate(ctx, id, true)
}

// Peek evaluates the identity's standing without recording anything.
func (g *Guard) Peek(ctx context.Context, id models.Identity) models.BurstResult {
	return g.evaluate(ctx, id, false)
}

// Reset drops the identity's history.
func (g *Guard) Reset(ctx context.Context, id models.Identity) (bool, error) {
	return g.ResetIdentifier(ctx, id.Method, id.Identifier())
}

// ResetIdentifier drops the history for an already-formed identifier.
func (g *Guard) ResetIdentifier(ctx context.Context, method models.Method, identifier string) (bool, error) {
	existed, err := g.store.Delete(ctx, KeyFor(method, identifier))
	if err != nil {
		return false, fmt.Errorf("failed to reset burst state: %w", err)
	}
	return existed, nil
}

func (g *Guard) evaluate(ctx context.Context, id models.Identity, record bool) models.BurstResult {
	key := Key(id)
	now := g.now().UnixMilli()

	var state State
	if _, err := storage.GetJSON(ctx, g.store, key, &state); err != nil {
		g.logger.Error("Burst store unavailable, failing open",
			"event", "infrastructure",
			"identity", id.String(),
			"error", err,
		)
		return allowAll()
	}

	result := g.decide(&state, now, record)

	if record {
		if err := storage.SetJSON(ctx, g.store, key, state, g.cfg.stateTTL()); err != nil {
			g.logger.Error("Failed to persist burst state",
				"event", "infrastructure",
				"identity", id.String(),
				"error", err,
			)
		}
	}

	if !result.Allowed || result.SuspiciousActivity {
		g.logger.Warn("Burst pattern detected",
			"event", "security",
			"identity", id.String(),
			"allowed", result.Allowed,
			"level", result.BurstLevel,
			"windows_violated", result.WindowsViolated,
			"tags", result.SuspicionTags,
		)
	}
	return result
}

// decide runs one evaluation against state at now (epoch millis). When
// record is true the state is updated in place for persistence.
func (g *Guard) decide(state *State, now int64, record bool) models.BurstResult {
	g.cleanup(state, now)

	var counts [3]int
	var violated []string
	level := models.BurstNone
	for i, w := range g.cfg.Windows {
		counts[i] = countSince(state.Timestamps, now-w.Duration.Milliseconds())
		if counts[i] >= w.MaxRequests {
			violated = append(violated, w.Name)
			level = level.Max(windowLevels[i])
		}
	}
	allowed := len(violated) == 0

	consecutive := state.ConsecutiveViolations
	if !allowed {
		consecutive++
	}
	history := append([]int64(nil), state.Timestamps...)
	if record {
		history = append(history, now)
	}
	detected := analyze(history, now, consecutive)
	tags := mergeTags(state.SuspicionTags, detected)
	for _, tag := range tags {
		level = level.Max(tagLevels[tag])
	}

	result := models.BurstResult{
		Allowed:            allowed,
		BurstLevel:         level,
		WindowsViolated:    violated,
		SuspiciousActivity: len(tags) > 0,
		SuspicionTags:      tags,
	}
	if result.WindowsViolated == nil {
		result.WindowsViolated = []string{}
	}

	if allowed {
		if record {
			state.Timestamps = append(state.Timestamps, now)
			for i := range counts {
				counts[i]++
			}
		}
		consecutive = 0
	} else {
		result.NextAllowedTime = g.nextAllowed(state.Timestamps, now)
	}

	result.RequestsInWindows = models.WindowCounts{Short: counts[0], Medium: counts[1], Long: counts[2]}

	if record {
		state.ConsecutiveViolations = consecutive
		state.SuspicionTags = tags
	}
	return result
}

// cleanup drops timestamps outside the longest window once per cleanup
// interval. When the identity has been quiet for longer than the medium
// window its violation streak and suspicion tags are forgotten.
func (g *Guard) cleanup(state *State, now int64) {
	if now-state.LastCleanupAt <= g.cfg.CleanupInterval.Milliseconds() {
		return
	}

	cutoff := now - g.cfg.longest().Duration.Milliseconds()
	kept := state.Timestamps[:0]
	for _, ts := range state.Timestamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	state.Timestamps = kept

	if len(kept) == 0 || newest(kept) <= now-g.cfg.medium().Duration.Milliseconds() {
		state.ConsecutiveViolations = 0
		state.SuspicionTags = nil
	}
	state.LastCleanupAt = now
}

// nextAllowed returns the latest moment at which every violated window will
// have room again: the oldest in-window timestamp plus the window, plus 1ms.
func (g *Guard) nextAllowed(timestamps []int64, now int64) int64 {
	var next int64
	for _, w := range g.cfg.Windows {
		since := now - w.Duration.Milliseconds()
		if countSince(timestamps, since) < w.MaxRequests {
			continue
		}
		oldest := int64(-1)
		for _, ts := range timestamps {
			if ts > since && (oldest < 0 || ts < oldest) {
				oldest = ts
			}
		}
		if candidate := oldest + w.Duration.Milliseconds() + 1; candidate > next {
			next = candidate
		}
	}
	return next
}

func countSince(timestamps []int64, since int64) int {
	n := 0
	for _, ts := range timestamps {
		if ts > since {
			n++
		}
	}
	return n
}

func newest(timestamps []int64) int64 {
	var max int64
	for _, ts := range timestamps {
		if ts > max {
			max = ts
		}
	}
	return max
}

func allowAll() models.BurstResult {
	return models.BurstResult{
		Allowed:         true,
		BurstLevel:      models.BurstNone,
		WindowsViolated: []string{},
	}
}

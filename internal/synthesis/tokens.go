// Package synthesis issues one-time speech synthesis tokens. A token is bound
// to the exact text it was issued for and can be redeemed once; if the
// generated result was attached after that redemption, presenting the token
// again replays the cached result instead of generating a second time.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gatekeeper/internal/storage"

	"github.com/google/uuid"
)

const keyPrefix = "tts_token:"

// Redeem rejection reasons.
const (
	ReasonNotFound     = "Token not found"
	ReasonTextMismatch = "Text mismatch"
	ReasonAlreadyUsed  = "Token already used"
)

var (
	// ErrUnknownToken is returned by AttachResult for tokens that are absent or expired.
	ErrUnknownToken = errors.New("synthesis token not found")
	// ErrNotRedeemed is returned by AttachResult before the token was redeemed.
	ErrNotRedeemed = errors.New("synthesis token has not been redeemed")
)

// Record is the persisted token state. ExpiresAt is epoch millis.
type Record struct {
	Token     string `json:"token"`
	Text      string `json:"text"`
	Character string `json:"character,omitempty"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	Used      bool   `json:"used"`
	Result    []byte `json:"result,omitempty"`
}

// Issued is returned by Issue.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Redemption is the outcome of presenting a token.
type Redemption struct {
	Valid     bool
	Reason    string
	Cached    bool
	Result    []byte
	Character string
}

// Tokens manages synthesis tokens in the shared store.
type Tokens struct {
	store  storage.Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Tokens)

func WithClock(now func() time.Time) Option {
	return func(t *Tokens) { t.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tokens) { t.logger = logger }
}

// NewTokens creates a token manager. A non-positive ttl defaults to 10 minutes.
func NewTokens(store storage.Store, ttl time.Duration, opts ...Option) *Tokens {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	t := &Tokens{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Key returns the store key for a token.
func Key(token string) string {
	return keyPrefix + token
}

// Issue creates a token bound to text.
func (t *Tokens) Issue(ctx context.Context, text, character string) (Issued, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Issued{}, errors.New("text is required")
	}

	now := t.now()
	expiresAt := now.Add(t.ttl)
	rec := Record{
		Token:     uuid.NewString(),
		Text:      text,
		Character: strings.TrimSpace(character),
		IssuedAt:  now.UnixMilli(),
		ExpiresAt: expiresAt.UnixMilli(),
	}

	if err := storage.SetJSON(ctx, t.store, Key(rec.Token), rec, t.ttl); err != nil {
		t.logger.Error("Failed to record synthesis token",
			"event", "infrastructure",
			"error", err,
		)
		return Issued{}, fmt.Errorf("failed to record synthesis token: %w", err)
	}

	return Issued{Token: rec.Token, ExpiresAt: expiresAt}, nil
}

// Redeem presents token for text. The first successful redemption marks the
// token used. A store read failure is returned as an error and leaves the
// token untouched.
func (t *Tokens) Redeem(ctx context.Context, token, text string) (Redemption, error) {
	token = strings.TrimSpace(token)
	text = strings.TrimSpace(text)

	rec, ok, err := t.load(ctx, token)
	if err != nil {
		return Redemption{}, err
	}
	if !ok {
		t.reject(ReasonNotFound, token)
		return Redemption{Reason: ReasonNotFound}, nil
	}
	if rec.Text != text {
		t.reject(ReasonTextMismatch, token)
		return Redemption{Reason: ReasonTextMismatch}, nil
	}

	if rec.Used {
		if len(rec.Result) > 0 {
			t.logger.Debug("Replaying cached synthesis result", "token", token)
			return Redemption{Valid: true, Cached: true, Result: rec.Result, Character: rec.Character}, nil
		}
		t.reject(ReasonAlreadyUsed, token)
		return Redemption{Reason: ReasonAlreadyUsed}, nil
	}

	rec.Used = true
	if err := t.save(ctx, rec); err != nil {
		t.logger.Error("Failed to mark synthesis token used",
			"event", "infrastructure",
			"token", token,
			"error", err,
		)
	}
	return Redemption{Valid: true, Character: rec.Character}, nil
}

// AttachResult caches the generated result on a redeemed token so that a
// retry with the same token replays it.
func (t *Tokens) AttachResult(ctx context.Context, token string, result []byte) error {
	if len(result) == 0 {
		return errors.New("result is empty")
	}
	rec, ok, err := t.load(ctx, strings.TrimSpace(token))
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownToken
	}
	if !rec.Used {
		return ErrNotRedeemed
	}
	rec.Result = result
	if err := t.save(ctx, rec); err != nil {
		return fmt.Errorf("failed to attach synthesis result: %w", err)
	}
	return nil
}

func (t *Tokens) load(ctx context.Context, token string) (Record, bool, error) {
	if token == "" {
		return Record{}, false, nil
	}
	var rec Record
	found, err := storage.GetJSON(ctx, t.store, Key(token), &rec)
	if err != nil {
		t.logger.Error("Failed to load synthesis token",
			"event", "infrastructure",
			"token", token,
			"error", err,
		)
		return Record{}, false, fmt.Errorf("failed to load synthesis token: %w", err)
	}
	return rec, found, nil
}

// save rewrites the record with whatever lifetime it has left.
func (t *Tokens) save(ctx context.Context, rec Record) error {
	remaining := time.UnixMilli(rec.ExpiresAt).Sub(t.now())
	if remaining <= 0 {
		return nil
	}
	return storage.SetJSON(ctx, t.store, Key(rec.Token), rec, remaining)
}

func (t *Tokens) reject(reason, token string) {
	t.logger.Warn("Synthesis token rejected",
		"event", "security",
		"reason", reason,
		"token", token,
	)
}

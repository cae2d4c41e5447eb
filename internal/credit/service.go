// Package credit issues and redeems single-use signed credit tokens. A token
// binds a random nonce to the browser fingerprint it was issued to; redeeming
// it once grants the caller one bonus quota unit.
//
// Two store markers track a token by id: ad_token:valid:{id} holds the bound
// fingerprint while the token is pending, and ad_token:used:{id} is a
// tombstone written on redemption. When the store can claim keys atomically
// the tombstone claim is the replay gate.
package credit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Kind is the type tag carried by every credit token.
const Kind = "credit"

const (
	validPrefix = "ad_token:valid:"
	usedPrefix  = "ad_token:used:"

	claimKind        = "kind"
	claimFingerprint = "fingerprint"
	claimNonce       = "nonce"
)

// Redeem rejection reasons.
const (
	ReasonMissingInput              = "Missing token or fingerprint"
	ReasonInvalidSignature          = "Invalid token signature"
	ReasonInvalidType               = "Invalid token type"
	ReasonExpired                   = "Token expired"
	ReasonAlreadyUsed               = "Token already used"
	ReasonNotFound                  = "Token not found in valid tokens"
	ReasonStoredFingerprintMismatch = "Stored fingerprint mismatch"
	ReasonFingerprintMismatch       = "Fingerprint mismatch"
)

// Payload is the verified content of a credit token. Times are epoch seconds.
type Payload struct {
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint"`
	Nonce       string `json:"nonce"`
	ID          string `json:"id"`
	IssuedAt    int64  `json:"issuedAt"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// Issued is returned by Issue.
type Issued struct {
	Token     string
	ID        string
	ExpiresAt int64 // epoch seconds
}

// RedeemResult reports the outcome of a redemption. Reason is set whenever
// Valid is false.
type RedeemResult struct {
	Valid   bool     `json:"valid"`
	Reason  string   `json:"reason,omitempty"`
	Payload *Payload `json:"payload,omitempty"`
}

// Config holds the signing secret and marker lifetimes.
type Config struct {
	Secret        []byte
	Lifetime      time.Duration
	UsedMarkerTTL time.Duration
}

// ConfigFrom converts the credit configuration section. The secret must be
// resolved by the caller.
func ConfigFrom(cfg models.CreditConfig) Config {
	return Config{
		Secret:        []byte(cfg.Secret),
		Lifetime:      cfg.TokenLifetime,
		UsedMarkerTTL: cfg.UsedMarkerTTL,
	}
}

// Service issues and redeems credit tokens.
type Service struct {
	store  storage.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger for security and infrastructure events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a credit token service. The secret is required.
func NewService(store storage.Store, cfg Config, opts ...Option) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("credit signing secret is required")
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 5 * time.Minute
	}
	if cfg.UsedMarkerTTL <= 0 {
		cfg.UsedMarkerTTL = 24 * time.Hour
	}

	s := &Service{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GenerateSecret returns a random 256-bit secret encoded as hex.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue signs a new token bound to fingerprint and records it as pending.
// A store failure is returned as an error since the token could never be
// redeemed.
func (s *Service) Issue(ctx context.Context, fingerprint string) (Issued, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return Issued{}, errors.New("fingerprint is required")
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Issued{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	id := uuid.NewString()
	issuedAt := s.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(s.cfg.Lifetime)

	tok, err := jwt.NewBuilder().
		JwtID(id).
		IssuedAt(issuedAt).
		Expiration(expiresAt).
		Claim(claimKind, Kind).
		Claim(claimFingerprint, fingerprint).
		Claim(claimNonce, hex.EncodeToString(nonce)).
		Build()
	if err != nil {
		return Issued{}, fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.cfg.Secret))
	if err != nil {
		return Issued{}, fmt.Errorf("failed to sign token: %w", err)
	}

	if err := s.store.Set(ctx, validPrefix+id, []byte(fingerprint), s.cfg.Lifetime); err != nil {
		s.logger.Error("Failed to record issued credit token",
			"event", "infrastructure",
			"token_id", id,
			"error", err,
		)
		return Issued{}, fmt.Errorf("failed to record token: %w", err)
	}

	s.logger.Debug("Credit token issued", "token_id", id, "expires_at", expiresAt.Unix())

	return Issued{Token: string(signed), ID: id, ExpiresAt: expiresAt.Unix()}, nil
}

// Redeem validates token for the caller's fingerprint and consumes it. A
// non-nil error means the store could not be consulted before the token was
// consumed; the token stays redeemable and the caller may retry.
func (s *Service) Redeem(ctx context.Context, token, fingerprint string) (RedeemResult, error) {
	token = strings.TrimSpace(token)
	fingerprint = strings.TrimSpace(fingerprint)
	if token == "" || fingerprint == "" {
		return reject(ReasonMissingInput), nil
	}

	payload, reason := s.verify(token)
	if reason != "" {
		s.securityEvent(reason, payload)
		return reject(reason), nil
	}

	if claimer, ok := s.store.(storage.Claimer); ok {
		return s.redeemWithClaim(ctx, claimer, payload, fingerprint)
	}
	return s.redeemCheckThenAct(ctx, payload, fingerprint)
}

// verify checks the signature, type tag and expiry and extracts the payload.
func (s *Service) verify(token string) (*Payload, string) {
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256, s.cfg.Secret),
		jwt.WithValidate(false),
	)
	if err != nil {
		return nil, ReasonInvalidSignature
	}

	payload := &Payload{
		Kind:        stringClaim(tok, claimKind),
		Fingerprint: stringClaim(tok, claimFingerprint),
		Nonce:       stringClaim(tok, claimNonce),
		ID:          tok.JwtID(),
		IssuedAt:    tok.IssuedAt().Unix(),
		ExpiresAt:   tok.Expiration().Unix(),
	}

	if payload.Kind != Kind {
		return payload, ReasonInvalidType
	}
	if payload.ID == "" || payload.Fingerprint == "" || payload.Nonce == "" || tok.Expiration().IsZero() {
		return payload, ReasonInvalidSignature
	}
	if !s.now().Before(tok.Expiration()) {
		return payload, ReasonExpired
	}
	return payload, ""
}

// redeemWithClaim makes the atomic used-marker claim the only replay gate.
// The caller binding is checked first because it needs no store access and a
// mismatching caller must not burn someone else's token. Once claimed the
// token is spent even if a later security check fails; a failed lookup gives
// the claim back.
func (s *Service) redeemWithClaim(ctx context.Context, claimer storage.Claimer, p *Payload, fingerprint string) (RedeemResult, error) {
	if p.Fingerprint != fingerprint {
		s.securityEvent(ReasonFingerprintMismatch, p)
		return reject(ReasonFingerprintMismatch), nil
	}

	claimed, err := claimer.SetIfAbsent(ctx, usedPrefix+p.ID, []byte(fingerprint), s.cfg.UsedMarkerTTL)
	if err != nil {
		s.infrastructureEvent("claim", p.ID, err)
		return RedeemResult{}, fmt.Errorf("failed to claim token: %w", err)
	}
	if !claimed {
		s.securityEvent(ReasonAlreadyUsed, p)
		return reject(ReasonAlreadyUsed), nil
	}

	stored, err := s.store.Get(ctx, validPrefix+p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		s.securityEvent(ReasonNotFound, p)
		return reject(ReasonNotFound), nil
	}
	if err != nil {
		s.infrastructureEvent("lookup", p.ID, err)
		// Give the claim back so the caller can retry.
		if _, derr := s.store.Delete(ctx, usedPrefix+p.ID); derr != nil {
			s.infrastructureEvent("release", p.ID, derr)
		}
		return RedeemResult{}, fmt.Errorf("failed to look up token: %w", err)
	}
	if string(stored) != p.Fingerprint {
		s.securityEvent(ReasonStoredFingerprintMismatch, p)
		return reject(ReasonStoredFingerprintMismatch), nil
	}

	if _, err := s.store.Delete(ctx, validPrefix+p.ID); err != nil {
		s.infrastructureEvent("finalize", p.ID, err)
	}
	return s.accept(p), nil
}

// redeemCheckThenAct is used with stores that cannot claim atomically. Two
// concurrent redeems of the same token can both pass the used check.
func (s *Service) redeemCheckThenAct(ctx context.Context, p *Payload, fingerprint string) (RedeemResult, error) {
	_, err := s.store.Get(ctx, usedPrefix+p.ID)
	switch {
	case err == nil:
		s.securityEvent(ReasonAlreadyUsed, p)
		return reject(ReasonAlreadyUsed), nil
	case !errors.Is(err, storage.ErrNotFound):
		s.infrastructureEvent("lookup", p.ID, err)
		return RedeemResult{}, fmt.Errorf("failed to check used marker: %w", err)
	}

	stored, err := s.store.Get(ctx, validPrefix+p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		s.securityEvent(ReasonNotFound, p)
		return reject(ReasonNotFound), nil
	}
	if err != nil {
		s.infrastructureEvent("lookup", p.ID, err)
		return RedeemResult{}, fmt.Errorf("failed to look up token: %w", err)
	}
	if string(stored) != p.Fingerprint {
		s.securityEvent(ReasonStoredFingerprintMismatch, p)
		return reject(ReasonStoredFingerprintMismatch), nil
	}
	if p.Fingerprint != fingerprint {
		s.securityEvent(ReasonFingerprintMismatch, p)
		return reject(ReasonFingerprintMismatch), nil
	}

	if err := s.store.Set(ctx, usedPrefix+p.ID, []byte(fingerprint), s.cfg.UsedMarkerTTL); err != nil {
		s.infrastructureEvent("finalize", p.ID, err)
	}
	if _, err := s.store.Delete(ctx, validPrefix+p.ID); err != nil {
		s.infrastructureEvent("finalize", p.ID, err)
	}
	return s.accept(p), nil
}

func (s *Service) accept(p *Payload) RedeemResult {
	s.logger.Info("Credit token redeemed", "token_id", p.ID)
	return RedeemResult{Valid: true, Payload: p}
}

// Restore returns a redeemed token to the pending state so it can be
// redeemed again. It is used when the grant that follows a redemption could
// not be written.
func (s *Service) Restore(ctx context.Context, p *Payload) error {
	if p == nil || p.ID == "" {
		return errors.New("restore requires a redeemed payload")
	}
	ttl := time.Unix(p.ExpiresAt, 0).Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("token %s expired before it could be restored", p.ID)
	}
	if err := s.store.Set(ctx, validPrefix+p.ID, []byte(p.Fingerprint), ttl); err != nil {
		s.infrastructureEvent("restore", p.ID, err)
		return fmt.Errorf("failed to restore token: %w", err)
	}
	if _, err := s.store.Delete(ctx, usedPrefix+p.ID); err != nil {
		s.infrastructureEvent("restore", p.ID, err)
		return fmt.Errorf("failed to release used marker: %w", err)
	}
	s.logger.Info("Credit token restored", "token_id", p.ID)
	return nil
}

func reject(reason string) RedeemResult {
	return RedeemResult{Valid: false, Reason: reason}
}

func (s *Service) securityEvent(reason string, p *Payload) {
	attrs := []any{"event", "security", "reason", reason}
	if p != nil && p.ID != "" {
		attrs = append(attrs, "token_id", p.ID)
	}
	s.logger.Warn("Credit token rejected", attrs...)
}

func (s *Service) infrastructureEvent(step, id string, err error) {
	s.logger.Error("Credit token store failure",
		"event", "infrastructure",
		"step", step,
		"token_id", id,
		"error", err,
	)
}

func stringClaim(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

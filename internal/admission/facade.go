// Package admission composes the quota ledger, burst guard, fingerprint
// scorer and credit tokens into a single allow/deny decision per request.
//
// Order of evaluation for Admit:
//
//	fingerprint score -> identity tier -> quota check -> burst check+record -> quota consume
//
// A quota denial short-circuits before the burst guard so that a caller who
// is already out of quota does not accumulate burst history.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gatekeeper/internal/burst"
	"gatekeeper/internal/credit"
	"gatekeeper/internal/fingerprint"
	"gatekeeper/internal/models"
	"gatekeeper/internal/quota"
	"gatekeeper/internal/storage"
)

// DefaultKeyPattern is used by DebugKeys when no pattern is given.
const DefaultKeyPattern = "rate_limit:*"

// ErrCreditsDisabled is returned by credit operations when no credit service
// is configured.
var ErrCreditsDisabled = errors.New("credit tokens are disabled")

// ErrMalformedFingerprint is returned by IssueCredit when the request carries
// neither a parseable signal set nor a fingerprint hash.
var ErrMalformedFingerprint = errors.New("fingerprint is missing or malformed")

// Request carries the identity materials of one caller. FingerprintPayload
// is the raw signal JSON as sent by the browser.
type Request struct {
	IP                 string
	UserID             string
	FingerprintPayload []byte
}

// Recorder receives decision outcomes for metrics.
type Recorder interface {
	RecordDecision(ctx context.Context, decision models.AdmissionDecision)
	RecordCredit(ctx context.Context, operation, outcome string)
}

// CreditOutcome is the result of redeeming a credit token. Decision carries
// the caller's refreshed quota when the bonus unit was granted.
type CreditOutcome struct {
	Result   credit.RedeemResult
	Decision *models.AdmissionDecision
}

// ResetResult reports which records an administrative reset removed.
type ResetResult struct {
	Quota bool
	Burst bool
}

// Facade is the composition root for admission decisions. It is stateless;
// all state lives in the store shared by its components.
type Facade struct {
	store       storage.Store
	ledger      *quota.Ledger
	guard       *burst.Guard
	credits     *credit.Service
	policy      models.IdentityPolicy
	fingerprint bool
	recorder    Recorder
	logger      *slog.Logger
}

// Option configures a Facade.
type Option func(*Facade)

// WithBurstGuard enables burst checks. Without it only quota is enforced.
func WithBurstGuard(g *burst.Guard) Option {
	return func(f *Facade) { f.guard = g }
}

// WithCredits enables credit token issue and redemption.
func WithCredits(c *credit.Service) Option {
	return func(f *Facade) { f.credits = c }
}

// WithFingerprintPolicy enables fingerprint identity tiers with the given
// confidence thresholds.
func WithFingerprintPolicy(policy models.IdentityPolicy) Option {
	return func(f *Facade) {
		f.policy = policy
		f.fingerprint = true
	}
}

func WithRecorder(r Recorder) Option {
	return func(f *Facade) { f.recorder = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Facade) { f.logger = logger }
}

// NewFacade creates a facade over a ledger and the store it uses.
func NewFacade(store storage.Store, ledger *quota.Ledger, opts ...Option) *Facade {
	f := &Facade{
		store:  store,
		ledger: ledger,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreditsEnabled reports whether credit tokens are available.
func (f *Facade) CreditsEnabled() bool {
	return f.credits != nil
}

// Identify selects the identity tier for a request.
func (f *Facade) Identify(req Request) models.Identity {
	in := models.SelectionInput{IP: req.IP, UserID: req.UserID}

	if f.fingerprint && len(req.FingerprintPayload) > 0 {
		if res, ok := fingerprint.ScoreRaw(req.FingerprintPayload); ok {
			in.FingerprintHash = res.Hash
			in.FingerprintConfidence = res.Confidence
			in.FingerprintOK = true
			if res.Suspicious() {
				f.logger.Warn("Suspicious fingerprint",
					"event", "security",
					"fingerprint", res.Hash,
					"tags", res.SuspicionTags,
					"confidence", res.Confidence,
				)
			}
		}
	}

	return models.SelectIdentity(in, f.policy)
}

// Admit decides whether the request may proceed and, when it may, consumes
// one quota unit and records it in the burst history.
func (f *Facade) Admit(ctx context.Context, req Request) models.AdmissionDecision {
	id := f.Identify(req)

	st := f.ledger.Check(ctx, id)
	if !st.Allowed {
		return f.finish(ctx, id, quotaDenied(id, st))
	}

	var br *models.BurstResult
	if f.guard != nil {
		res := f.guard.CheckAndRecord(ctx, id)
		if !res.Allowed {
			return f.finish(ctx, id, burstDenied(id, st, res))
		}
		br = &res
	}

	st = f.ledger.Consume(ctx, id)
	if !st.Allowed {
		return f.finish(ctx, id, quotaDenied(id, st))
	}
	d := newDecision(id, st)
	if br != nil {
		d.Burst = br
	}
	return f.finish(ctx, id, d)
}

// Peek reports the decision Admit would make without recording anything.
func (f *Facade) Peek(ctx context.Context, req Request) models.AdmissionDecision {
	id := f.Identify(req)

	st := f.ledger.Check(ctx, id)
	if !st.Allowed {
		return quotaDenied(id, st)
	}
	if f.guard != nil {
		br := f.guard.Peek(ctx, id)
		if !br.Allowed {
			return burstDenied(id, st, br)
		}
		d := newDecision(id, st)
		d.Burst = &br
		return d
	}
	return newDecision(id, st)
}

// IssueCredit issues a credit token bound to the request's fingerprint.
// The payload may be raw signals or a precomputed hash.
func (f *Facade) IssueCredit(ctx context.Context, req Request) (credit.Issued, error) {
	if f.credits == nil {
		return credit.Issued{}, ErrCreditsDisabled
	}
	hash, ok := fingerprint.BindingHash(req.FingerprintPayload)
	if !ok {
		return credit.Issued{}, ErrMalformedFingerprint
	}
	issued, err := f.credits.Issue(ctx, hash)
	if err != nil {
		f.recordCredit(ctx, "issue", "error")
		return credit.Issued{}, err
	}
	f.recordCredit(ctx, "issue", "issued")
	return issued, nil
}

// RedeemCredit validates token against the request's fingerprint and grants
// the caller one bonus quota unit. An error means either the token could not
// be checked or the grant could not be written; in both cases the token is
// left redeemable so the caller may retry.
func (f *Facade) RedeemCredit(ctx context.Context, req Request, token string) (CreditOutcome, error) {
	if f.credits == nil {
		return CreditOutcome{}, ErrCreditsDisabled
	}

	hash, _ := fingerprint.BindingHash(req.FingerprintPayload)
	res, err := f.credits.Redeem(ctx, token, hash)
	if err != nil {
		f.recordCredit(ctx, "redeem", "error")
		return CreditOutcome{}, err
	}
	if !res.Valid {
		f.recordCredit(ctx, "redeem", "rejected")
		return CreditOutcome{Result: res}, nil
	}

	id := f.Identify(req)
	st, err := f.ledger.Grant(ctx, id, 1)
	if err != nil {
		f.logger.Error("Failed to grant credit after redemption",
			"event", "infrastructure",
			"identity", id.String(),
			"token_id", res.Payload.ID,
			"error", err,
		)
		f.recordCredit(ctx, "redeem", "error")
		if rerr := f.credits.Restore(ctx, res.Payload); rerr != nil {
			f.logger.Error("Failed to restore credit token, credit lost",
				"event", "infrastructure",
				"token_id", res.Payload.ID,
				"error", rerr,
			)
		}
		return CreditOutcome{}, fmt.Errorf("failed to grant credit: %w", err)
	}

	f.recordCredit(ctx, "redeem", "granted")
	f.logger.Info("Credit granted", "identity", id.String(), "limit", st.Limit)

	d := newDecision(id, st)
	return CreditOutcome{Result: res, Decision: &d}, nil
}

// Reset clears quota and burst state for an identifier as it appears in store
// keys (see DebugKeys).
func (f *Facade) Reset(ctx context.Context, method models.Method, identifier string) (ResetResult, error) {
	var out ResetResult
	var err error

	out.Quota, err = f.ledger.ResetIdentifier(ctx, method, identifier)
	if err != nil {
		return out, err
	}
	if f.guard != nil {
		out.Burst, err = f.guard.ResetIdentifier(ctx, method, identifier)
		if err != nil {
			return out, err
		}
	}

	f.logger.Info("Admission state reset",
		"method", method,
		"identifier", identifier,
		"quota", out.Quota,
		"burst", out.Burst,
	)
	return out, nil
}

// DebugKeys lists live store keys matching pattern.
func (f *Facade) DebugKeys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = DefaultKeyPattern
	}
	keys, err := f.store.Keys(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

func (f *Facade) finish(ctx context.Context, id models.Identity, d models.AdmissionDecision) models.AdmissionDecision {
	if !d.Allowed {
		f.logger.Info("Request denied",
			"identity", id.String(),
			"reason", d.Reason,
			"remaining", d.Remaining,
		)
	}
	if f.recorder != nil {
		f.recorder.RecordDecision(ctx, d)
	}
	return d
}

func (f *Facade) recordCredit(ctx context.Context, operation, outcome string) {
	if f.recorder != nil {
		f.recorder.RecordCredit(ctx, operation, outcome)
	}
}

func newDecision(id models.Identity, st quota.Status) models.AdmissionDecision {
	d := models.AdmissionDecision{
		Allowed:    st.Allowed,
		Limit:      st.Limit,
		Remaining:  st.Remaining,
		ResetAt:    st.ResetAt,
		IsLoggedIn: id.IsLoggedIn(),
		Method:     id.Method,
	}
	if id.HasConfidence() {
		c := id.Confidence
		d.Confidence = &c
	}
	return d
}

func quotaDenied(id models.Identity, st quota.Status) models.AdmissionDecision {
	d := newDecision(id, st)
	d.Allowed = false
	d.Remaining = 0
	d.RequiresAuth = !id.IsLoggedIn()
	d.Reason = models.ReasonQuotaExceeded
	return d
}

func burstDenied(id models.Identity, st quota.Status, br models.BurstResult) models.AdmissionDecision {
	d := newDecision(id, st)
	d.Allowed = false
	d.Reason = models.ReasonBurstLimited
	d.Burst = &br
	return d
}

package admission

import (
	"context"

	"gatekeeper/internal/credit"
	"gatekeeper/internal/models"
)

// ServiceInterface is the admission surface consumed by transports.
type ServiceInterface interface {
	// Admit decides a request and consumes a quota unit when it is allowed
	Admit(ctx context.Context, req Request) models.AdmissionDecision

	// Peek reports the decision Admit would make without recording it
	Peek(ctx context.Context, req Request) models.AdmissionDecision

	CreditsEnabled() bool
	IssueCredit(ctx context.Context, req Request) (credit.Issued, error)
	RedeemCredit(ctx context.Context, req Request, token string) (CreditOutcome, error)

	// Reset and DebugKeys are administrative
	Reset(ctx context.Context, method models.Method, identifier string) (ResetResult, error)
	DebugKeys(ctx context.Context, pattern string) ([]string, error)
}

// Ensure Facade implements ServiceInterface
var _ ServiceInterface = (*Facade)(nil)

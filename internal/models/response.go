// Package models - API response types and error handling.
// This file defines the outgoing API structures shared by every endpoint.
//
// Response Design Principles:
//   - Consistent JSON structure across all endpoints
//   - Timestamps in the admission shapes are epoch milliseconds, matching the
//     values persisted in the store
//   - Optional fields use omitempty to keep denials and peeks small
package models

import (
	"time"
)

// BurstLevel is an ordinal severity for burst pattern analysis.
type BurstLevel string

const (
	BurstNone     BurstLevel = "none"
	BurstLow      BurstLevel = "low"
	BurstMedium   BurstLevel = "medium"
	BurstHigh     BurstLevel = "high"
	BurstCritical BurstLevel = "critical"
)

var burstRank = map[BurstLevel]int{
	BurstNone:     0,
	BurstLow:      1,
	BurstMedium:   2,
	BurstHigh:     3,
	BurstCritical: 4,
}

// Rank returns the ordinal position of the level (none = 0).
func (l BurstLevel) Rank() int {
	return burstRank[l]
}

// Max returns the more severe of two levels.
func (l BurstLevel) Max(other BurstLevel) BurstLevel {
	if other.Rank() > l.Rank() {
		return other
	}
	return l
}

// WindowCounts reports how many admitted requests fall in each burst window.
type WindowCounts struct {
	Short  int `json:"short"`
	Medium int `json:"medium"`
	Long   int `json:"long"`
}

// BurstResult is the outcome of a burst guard evaluation.
type BurstResult struct {
	Allowed            bool         `json:"allowed"`
	BurstLevel         BurstLevel   `json:"burstLevel"`
	WindowsViolated    []string     `json:"windowsViolated"`
	NextAllowedTime    int64        `json:"nextAllowedTime,omitempty"` // epoch millis
	RequestsInWindows  WindowCounts `json:"requestsInWindows"`
	SuspiciousActivity bool         `json:"suspiciousActivity"`
	SuspicionTags      []string     `json:"suspicionTags,omitempty"`
}

// AdmissionDecision is the combined quota + burst verdict returned to callers.
type AdmissionDecision struct {
	Allowed      bool         `json:"allowed"`
	Limit        int          `json:"limit"`
	Remaining    int          `json:"remaining"`
	ResetAt      int64        `json:"resetAt"` // epoch millis
	RequiresAuth bool         `json:"requiresAuth"`
	IsLoggedIn   bool         `json:"isLoggedIn"`
	Method       Method       `json:"method"`
	Confidence   *float64     `json:"confidence,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Burst        *BurstResult `json:"burst,omitempty"`
}

// Denial reasons reported in AdmissionDecision.Reason.
const (
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonBurstLimited  = "burst_limited"
)

// CreditIssueResponse is returned when a credit token is issued.
type CreditIssueResponse struct {
	Token     string `json:"token"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expiresAt"` // epoch seconds
}

// CreditRedeemResponse wraps a redeem result together with the refreshed
// quota state when the credit was granted.
type CreditRedeemResponse struct {
	Valid   bool               `json:"valid"`
	Reason  string             `json:"reason,omitempty"`
	Payload interface{}        `json:"payload,omitempty"`
	Quota   *AdmissionDecision `json:"quota,omitempty"`
}

// SynthesisTokenResponse is returned when a synthesis token is issued.
type SynthesisTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SynthesisRedeemResponse reports whether a synthesis may proceed, or carries
// the cached result of an earlier synthesis for the same token.
type SynthesisRedeemResponse struct {
	Valid     bool   `json:"valid"`
	Reason    string `json:"reason,omitempty"`
	Cached    bool   `json:"cached"`
	Result    []byte `json:"result,omitempty"`
	Character string `json:"character,omitempty"`
}

// ResetResponse is returned by the administrative reset endpoint.
type ResetResponse struct {
	Method     Method `json:"method"`
	Identifier string `json:"identifier"`
	Message    string `json:"message"`
}

// KeysResponse is returned by the debug key enumeration endpoint.
type KeysResponse struct {
	Pattern string   `json:"pattern"`
	Keys    []string `json:"keys"`
	Count   int      `json:"count"`
}

// ErrorResponse provides structured error information.
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
)

// Standard HTTP Error Codes
//
// Error Code Strategy:
// - Upper-case with underscores for consistency
// - Maps to standard HTTP status codes
// - Machine-readable for client error handling
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Invalid request format
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400: Invalid request data
	ErrorCodeValidation         = "VALIDATION_ERROR"    // 422: Input validation failed
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeUnauthorized       = "UNAUTHORIZED"        // 401: Authentication required
	ErrorCodeForbidden          = "FORBIDDEN"           // 403: Permission denied
	ErrorCodeConflict           = "CONFLICT"            // 409: Resource in the wrong state
	ErrorCodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"   // 413: Request body over the limit
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED" // 429: Quota or burst limit reached
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Service temporarily down
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

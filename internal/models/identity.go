// Package models - Caller identity and tier selection.
//
// A decision is always made against exactly one identity tier. Tiers are a
// priority order, not a union: an authenticated user is never also counted
// against their IP, and a trusted fingerprint replaces the IP.
package models

import (
	"fmt"
	"strings"
)

// Method names the identity tier used for a decision. The values are part of
// the store key namespace and the admission response.
type Method string

const (
	MethodIP          Method = "ip"
	MethodFingerprint Method = "fingerprint"
	MethodCombined    Method = "combined"
	MethodUser        Method = "user"
)

// ParseMethod validates an identity method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodIP, MethodFingerprint, MethodCombined, MethodUser:
		return m, nil
	default:
		return "", fmt.Errorf("unknown identity method: %q", s)
	}
}

// Identity is a tagged variant over the supported identity tiers. Only the
// fields relevant to Method are meaningful; use the constructors.
type Identity struct {
	Method      Method
	IP          string
	Fingerprint string
	Confidence  float64
	UserID      string
}

func IPIdentity(ip string) Identity {
	return Identity{Method: MethodIP, IP: ip}
}

func FingerprintIdentity(hash string, confidence float64) Identity {
	return Identity{Method: MethodFingerprint, Fingerprint: hash, Confidence: confidence}
}

func CombinedIdentity(ip, hash string, confidence float64) Identity {
	return Identity{Method: MethodCombined, IP: ip, Fingerprint: hash, Confidence: confidence}
}

// UserIdentity carries the caller's IP so that anonymous history recorded
// against it can be cleared once the caller is authenticated.
func UserIdentity(userID, ip string) Identity {
	return Identity{Method: MethodUser, UserID: userID, IP: ip}
}

// IsLoggedIn reports whether the identity is an authenticated user.
func (id Identity) IsLoggedIn() bool {
	return id.Method == MethodUser
}

// Identifier returns the per-tier identifier used in store keys.
func (id Identity) Identifier() string {
	switch id.Method {
	case MethodUser:
		return SanitizeKeySegment(id.UserID)
	case MethodFingerprint:
		return "fp_" + SanitizeKeySegment(id.Fingerprint)
	case MethodCombined:
		return SanitizeKeySegment(id.IP) + "_" + SanitizeKeySegment(id.Fingerprint)
	default:
		return SanitizeKeySegment(id.IP)
	}
}

// QuotaNamespace returns the ledger namespace. Only authenticated users get
// their own namespace; every anonymous tier shares the IP limit.
func (id Identity) QuotaNamespace() string {
	if id.Method == MethodUser {
		return "user"
	}
	return "ip"
}

// HasConfidence reports whether the confidence value is meaningful.
func (id Identity) HasConfidence() bool {
	return id.Method == MethodFingerprint || id.Method == MethodCombined
}

func (id Identity) String() string {
	return string(id.Method) + ":" + id.Identifier()
}

// SanitizeKeySegment escapes the key delimiter so that a caller-controlled
// identifier containing ':' cannot address another caller's key.
//
//   - "_" becomes "__"
//   - ":" becomes "_c"
//   - "*", "?", "[" are escaped as "_s", "_q", "_b" so identifiers never act as
//     glob patterns during key enumeration
//   - "/" becomes "_f" since glob '*' does not cross it
func SanitizeKeySegment(s string) string {
	s = strings.ReplaceAll(s, "_", "__")
	s = strings.ReplaceAll(s, ":", "_c")
	s = strings.ReplaceAll(s, "*", "_s")
	s = strings.ReplaceAll(s, "?", "_q")
	s = strings.ReplaceAll(s, "[", "_b")
	s = strings.ReplaceAll(s, "/", "_f")
	return s
}

// IdentityPolicy holds the confidence thresholds for fingerprint tiers.
type IdentityPolicy struct {
	MinConfidence  float64
	HighConfidence float64
}

// SelectionInput collects the identity materials available for one request.
// FingerprintOK is false when no fingerprint payload was supplied or it could
// not be parsed.
type SelectionInput struct {
	IP                    string
	UserID                string
	FingerprintHash       string
	FingerprintConfidence float64
	FingerprintOK         bool
}

// SelectIdentity picks the single identity tier for a request:
// user > fingerprint (high confidence) > combined (min confidence) > ip.
func SelectIdentity(in SelectionInput, policy IdentityPolicy) Identity {
	if uid := strings.TrimSpace(in.UserID); uid != "" {
		return UserIdentity(uid, in.IP)
	}
	if in.FingerprintOK && in.FingerprintHash != "" {
		switch {
		case in.FingerprintConfidence >= policy.HighConfidence:
			return FingerprintIdentity(in.FingerprintHash, in.FingerprintConfidence)
		case in.FingerprintConfidence >= policy.MinConfidence && in.IP != "":
			return CombinedIdentity(in.IP, in.FingerprintHash, in.FingerprintConfidence)
		}
	}
	return IPIdentity(in.IP)
}

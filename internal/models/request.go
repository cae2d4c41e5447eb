// Package models - API request types and input validation.
//
// Validation Philosophy:
// - Malformed input is rejected locally and never reaches the store
// - Normalize input (trim whitespace) before validating
// - Fingerprint payloads stay raw: scoring decides whether they are usable
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

// MaxIdentifierLength bounds caller-supplied identifiers that end up in store keys.
const MaxIdentifierLength = 256

// AdmissionRequest carries the identity materials for one admission decision.
// IP may be omitted, in which case the HTTP layer fills in the client address.
type AdmissionRequest struct {
	IP          string          `json:"ip,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Fingerprint json.RawMessage `json:"fingerprint,omitempty"`
}

func (r *AdmissionRequest) Normalize() {
	r.IP = strings.TrimSpace(r.IP)
	r.UserID = strings.TrimSpace(r.UserID)
}

func (r *AdmissionRequest) Validate() error {
	if r.IP == "" && r.UserID == "" {
		return errors.New("ip or user_id is required")
	}
	if r.IP != "" && net.ParseIP(r.IP) == nil {
		return fmt.Errorf("invalid ip address: %q", r.IP)
	}
	if len(r.UserID) > MaxIdentifierLength {
		return fmt.Errorf("user_id exceeds %d characters", MaxIdentifierLength)
	}
	return nil
}

// CreditIssueRequest asks for a credit token bound to the caller's browser.
type CreditIssueRequest struct {
	Fingerprint json.RawMessage `json:"fingerprint"`
}

func (r *CreditIssueRequest) Validate() error {
	if len(r.Fingerprint) == 0 {
		return errors.New("fingerprint is required")
	}
	return nil
}

// CreditRedeemRequest redeems a credit token. The fingerprint must be the same
// raw signal set the token was issued for.
type CreditRedeemRequest struct {
	Token       string          `json:"token"`
	Fingerprint json.RawMessage `json:"fingerprint"`
	IP          string          `json:"ip,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
}

func (r *CreditRedeemRequest) Normalize() {
	r.Token = strings.TrimSpace(r.Token)
	r.IP = strings.TrimSpace(r.IP)
	r.UserID = strings.TrimSpace(r.UserID)
}

func (r *CreditRedeemRequest) Validate() error {
	if r.Token == "" {
		return errors.New("token is required")
	}
	if len(r.Fingerprint) == 0 {
		return errors.New("fingerprint is required")
	}
	if r.IP != "" && net.ParseIP(r.IP) == nil {
		return fmt.Errorf("invalid ip address: %q", r.IP)
	}
	return nil
}

// SynthesisTokenRequest asks for a one-time synthesis token for a text.
type SynthesisTokenRequest struct {
	Text      string `json:"text"`
	Character string `json:"character,omitempty"`
}

func (r *SynthesisTokenRequest) Normalize() {
	r.Text = strings.TrimSpace(r.Text)
	r.Character = strings.TrimSpace(r.Character)
}

func (r *SynthesisTokenRequest) Validate(maxText int) error {
	if r.Text == "" {
		return errors.New("text is required")
	}
	if maxText > 0 && len([]rune(r.Text)) > maxText {
		return fmt.Errorf("text exceeds %d characters", maxText)
	}
	return nil
}

// SynthesisRedeemRequest presents a synthesis token together with its text.
type SynthesisRedeemRequest struct {
	Token string `json:"token"`
	Text  string `json:"text"`
}

func (r *SynthesisRedeemRequest) Normalize() {
	r.Token = strings.TrimSpace(r.Token)
	r.Text = strings.TrimSpace(r.Text)
}

func (r *SynthesisRedeemRequest) Validate() error {
	if r.Token == "" {
		return errors.New("token is required")
	}
	if r.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

package api

import (
	"errors"
	"net/http"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/models"
)

// IssueCredit issues a credit token bound to the caller's fingerprint.
// POST /api/v1/credits
func (h *Handlers) IssueCredit(w http.ResponseWriter, r *http.Request) {
	if !h.facade.CreditsEnabled() {
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, admission.ErrCreditsDisabled.Error())
		return
	}

	var body models.CreditIssueRequest
	if !h.decodeJSON(w, r, &body) {
		return
	}
	req := h.extractor.Request(r)
	if len(body.Fingerprint) == 0 {
		body.Fingerprint = req.FingerprintPayload
	}
	if err := body.Validate(); err != nil {
		h.writeValidationError(w, err)
		return
	}
	req.FingerprintPayload = body.Fingerprint

	issued, err := h.facade.IssueCredit(r.Context(), req)
	if err != nil {
		if errors.Is(err, admission.ErrCreditsDisabled) {
			h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, err.Error())
			return
		}
		if errors.Is(err, admission.ErrMalformedFingerprint) {
			h.writeValidationError(w, err)
			return
		}
		h.writeUnavailable(w, "Credit token could not be issued")
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, models.CreditIssueResponse{
		Token:     issued.Token,
		ID:        issued.ID,
		ExpiresAt: issued.ExpiresAt,
	})
}

// RedeemCredit redeems a credit token and grants the caller one bonus unit.
// Rejected tokens answer 200 with valid=false and the reason.
// POST /api/v1/credits/redeem
func (h *Handlers) RedeemCredit(w http.ResponseWriter, r *http.Request) {
	if !h.facade.CreditsEnabled() {
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, admission.ErrCreditsDisabled.Error())
		return
	}

	var body models.CreditRedeemRequest
	if !h.decodeJSON(w, r, &body) {
		return
	}
	body.Normalize()
	req := h.extractor.Request(r)
	if len(body.Fingerprint) == 0 {
		body.Fingerprint = req.FingerprintPayload
	}
	if err := body.Validate(); err != nil {
		h.writeValidationError(w, err)
		return
	}
	h.applyIdentity(r, &req, body.IP, body.UserID)
	req.FingerprintPayload = body.Fingerprint

	outcome, err := h.facade.RedeemCredit(r.Context(), req, body.Token)
	if err != nil {
		h.writeUnavailable(w, "Credit token could not be redeemed, retry later")
		return
	}

	resp := models.CreditRedeemResponse{
		Valid:  outcome.Result.Valid,
		Reason: outcome.Result.Reason,
		Quota:  outcome.Decision,
	}
	if outcome.Result.Payload != nil {
		resp.Payload = outcome.Result.Payload
	}
	if outcome.Decision != nil {
		admission.SetHeaders(w, *outcome.Decision)
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

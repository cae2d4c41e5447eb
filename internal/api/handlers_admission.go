package api

import (
	"net/http"
	"time"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/models"
)

// Admit handles admission requests. The quota unit is consumed when the
// request is allowed; a denial answers 429 with the decision as body.
// POST /api/v1/admission
func (h *Handlers) Admit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.admissionRequest(w, r)
	if !ok {
		return
	}

	decision := h.facade.Admit(r.Context(), req)
	admission.SetHeaders(w, decision)
	if !decision.Allowed {
		admission.WriteDenied(w, decision, time.Now())
		return
	}
	h.writeJSONResponse(w, http.StatusOK, decision)
}

// PeekAdmission reports the decision Admit would make without recording it.
// POST /api/v1/admission/peek
func (h *Handlers) PeekAdmission(w http.ResponseWriter, r *http.Request) {
	req, ok := h.admissionRequest(w, r)
	if !ok {
		return
	}

	decision := h.facade.Peek(r.Context(), req)
	admission.SetHeaders(w, decision)
	h.writeJSONResponse(w, http.StatusOK, decision)
}

// admissionRequest builds the request from headers and the peer address. A
// service caller may name the ip and user_id in the body instead.
func (h *Handlers) admissionRequest(w http.ResponseWriter, r *http.Request) (admission.Request, bool) {
	var body models.AdmissionRequest
	if !h.decodeJSON(w, r, &body) {
		return admission.Request{}, false
	}
	body.Normalize()

	req := h.extractor.Request(r)
	if len(body.Fingerprint) > 0 {
		req.FingerprintPayload = body.Fingerprint
	}

	check := body
	if check.IP == "" {
		check.IP = req.IP
	}
	if check.UserID == "" {
		check.UserID = req.UserID
	}
	if err := check.Validate(); err != nil {
		h.writeValidationError(w, err)
		return admission.Request{}, false
	}

	h.applyIdentity(r, &req, body.IP, body.UserID)
	return req, true
}

package api

import (
	"errors"
	"io"
	"net/http"

	"gatekeeper/internal/models"
	"gatekeeper/internal/synthesis"

	"github.com/gorilla/mux"
)

// IssueSynthesisToken issues a one-time token bound to a text.
// POST /api/v1/synthesis/tokens
func (h *Handlers) IssueSynthesisToken(w http.ResponseWriter, r *http.Request) {
	if h.synthesis == nil {
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, "synthesis tokens are disabled")
		return
	}

	var body models.SynthesisTokenRequest
	if !h.decodeJSON(w, r, &body) {
		return
	}
	body.Normalize()
	if err := body.Validate(h.maxText); err != nil {
		h.writeValidationError(w, err)
		return
	}

	issued, err := h.synthesis.Issue(r.Context(), body.Text, body.Character)
	if err != nil {
		h.writeUnavailable(w, "Synthesis token could not be issued")
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, models.SynthesisTokenResponse{
		Token:     issued.Token,
		ExpiresAt: issued.ExpiresAt,
	})
}

// RedeemSynthesisToken presents a token with its text. A token whose result
// was attached replays that result instead of authorizing a new synthesis.
// POST /api/v1/synthesis/redeem
func (h *Handlers) RedeemSynthesisToken(w http.ResponseWriter, r *http.Request) {
	if h.synthesis == nil {
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, "synthesis tokens are disabled")
		return
	}

	var body models.SynthesisRedeemRequest
	if !h.decodeJSON(w, r, &body) {
		return
	}
	body.Normalize()
	if err := body.Validate(); err != nil {
		h.writeValidationError(w, err)
		return
	}

	res, err := h.synthesis.Redeem(r.Context(), body.Token, body.Text)
	if err != nil {
		h.writeUnavailable(w, "Synthesis token could not be checked, retry later")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, models.SynthesisRedeemResponse{
		Valid:     res.Valid,
		Reason:    res.Reason,
		Cached:    res.Cached,
		Result:    res.Result,
		Character: res.Character,
	})
}

// AttachSynthesisResult stores the generated result on a redeemed token.
// The request body is the raw result.
// PUT /api/v1/synthesis/tokens/{token}/result
func (h *Handlers) AttachSynthesisResult(w http.ResponseWriter, r *http.Request) {
	if h.synthesis == nil {
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, "synthesis tokens are disabled")
		return
	}

	token := mux.Vars(r)["token"]
	result, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResultBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeErrorResponse(w, http.StatusRequestEntityTooLarge, models.ErrorCodePayloadTooLarge, "Result too large")
			return
		}
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Failed to read result")
		return
	}
	if len(result) == 0 {
		h.writeValidationError(w, errors.New("result is required"))
		return
	}

	switch err := h.synthesis.AttachResult(r.Context(), token, result); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, synthesis.ErrUnknownToken):
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, err.Error())
	case errors.Is(err, synthesis.ErrNotRedeemed):
		h.writeErrorResponse(w, http.StatusConflict, models.ErrorCodeConflict, err.Error())
	default:
		h.writeUnavailable(w, "Synthesis result could not be stored")
	}
}

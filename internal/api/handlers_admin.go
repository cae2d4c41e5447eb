package api

import (
	"net/http"
	"path"
	"strings"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/models"

	"github.com/gorilla/mux"
)

// ResetLimits clears quota and burst state for one identifier. The
// identifier is given in the form it has in store keys, as listed by
// ListKeys.
// DELETE /admin/v1/limits/{method}/{identifier}
func (h *Handlers) ResetLimits(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	method, err := models.ParseMethod(vars["method"])
	if err != nil {
		h.writeValidationError(w, err)
		return
	}
	identifier := strings.TrimSpace(vars["identifier"])
	if identifier == "" || len(identifier) > models.MaxIdentifierLength {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeValidation, "invalid identifier")
		return
	}

	res, err := h.facade.Reset(r.Context(), method, identifier)
	if err != nil {
		h.logger.Error("Admin reset failed",
			"event", "infrastructure",
			"method", method,
			"identifier", identifier,
			"error", err,
		)
		h.writeUnavailable(w, "Limits could not be reset")
		return
	}

	h.logger.Info("Admin reset",
		"method", method,
		"identifier", identifier,
		"remote_addr", h.extractor.ClientIP(r),
	)

	message := "No admission state found"
	if res.Quota || res.Burst {
		message = "Admission state cleared"
	}
	h.writeJSONResponse(w, http.StatusOK, models.ResetResponse{
		Method:     method,
		Identifier: identifier,
		Message:    message,
	})
}

// ListKeys enumerates live store keys for debugging.
// GET /admin/v1/keys?pattern=rate_limit:*
func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeValidation, "invalid key pattern")
			return
		}
	}

	keys, err := h.facade.DebugKeys(r.Context(), pattern)
	if err != nil {
		h.logger.Error("Key enumeration failed", "event", "infrastructure", "error", err)
		h.writeUnavailable(w, "Keys could not be listed")
		return
	}
	if pattern == "" {
		pattern = admission.DefaultKeyPattern
	}
	if keys == nil {
		keys = []string{}
	}

	h.writeJSONResponse(w, http.StatusOK, models.KeysResponse{
		Pattern: pattern,
		Keys:    keys,
		Count:   len(keys),
	})
}

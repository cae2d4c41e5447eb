package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
	"gatekeeper/internal/synthesis"
)

const (
	// maxBodyBytes bounds JSON request bodies. Fingerprint payloads are the
	// largest legitimate input and stay well below it.
	maxBodyBytes = 64 << 10
	// maxResultBytes bounds synthesis results attached for replay.
	maxResultBytes = 10 << 20

	healthTimeout = 2 * time.Second
)

// Handlers contains HTTP handlers for the gatekeeper API
type Handlers struct {
	facade    admission.ServiceInterface
	extractor admission.Extractor
	synthesis *synthesis.Tokens
	store     storage.Store
	maxText   int
	version   string
	logger    *slog.Logger

	serviceKeys []string
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handlers)

// WithSynthesis enables the synthesis token endpoints. maxText bounds the
// text a token may be issued for; zero means unbounded.
func WithSynthesis(tokens *synthesis.Tokens, maxText int) HandlerOption {
	return func(h *Handlers) {
		h.synthesis = tokens
		h.maxText = maxText
	}
}

// WithStorage sets the store used for health checks.
func WithStorage(store storage.Store) HandlerOption {
	return func(h *Handlers) { h.store = store }
}

// WithServiceKeys sets the bearer keys that allow a caller to name the ip and
// user_id a request is decided for.
func WithServiceKeys(keys []string) HandlerOption {
	return func(h *Handlers) { h.serviceKeys = keys }
}

func WithVersion(version string) HandlerOption {
	return func(h *Handlers) { h.version = version }
}

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handlers) { h.logger = logger }
}

// NewHandlers creates a new handlers instance
func NewHandlers(facade admission.ServiceInterface, extractor admission.Extractor, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		facade:    facade,
		extractor: extractor,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.version
	response.AddComponent("api", models.StatusHealthy, "API is operational")

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := h.store.Ping(ctx); err != nil {
			h.logger.Error("Store health check failed", "event", "infrastructure", "error", err)
			response.Status = models.StatusUnhealthy
			response.AddComponent("store", models.StatusUnhealthy, "Store is unreachable")
			h.writeJSONResponse(w, http.StatusServiceUnavailable, response)
			return
		}
		response.AddComponent("store", models.StatusHealthy, "Store is operational")
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched; callers validate afterwards.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.writeErrorResponse(w, http.StatusRequestEntityTooLarge, models.ErrorCodePayloadTooLarge, "Request body too large")
		return false
	}
	h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
	return false
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing left to tell the client.
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}

func (h *Handlers) writeValidationError(w http.ResponseWriter, err error) {
	h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeValidation, err.Error())
}

func (h *Handlers) writeUnavailable(w http.ResponseWriter, message string) {
	h.writeErrorResponse(w, http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable, message)
}

// trustedService reports whether the request carries a configured service key.
func (h *Handlers) trustedService(r *http.Request) bool {
	return len(h.serviceKeys) > 0 && validKey(bearerKey(r), h.serviceKeys)
}

// applyIdentity replaces the extracted ip and user_id with the ones named in
// the body. Only service callers may do so; anyone else is decided on the
// identity their request carries.
func (h *Handlers) applyIdentity(r *http.Request, req *admission.Request, ip, userID string) {
	if ip == "" && userID == "" {
		return
	}
	if !h.trustedService(r) {
		if (ip != "" && ip != req.IP) || (userID != "" && userID != req.UserID) {
			h.logger.Warn("Ignored identity override from untrusted caller",
				"event", "security",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
		}
		return
	}
	if ip != "" {
		req.IP = ip
	}
	if userID != "" {
		req.UserID = userID
	}
}

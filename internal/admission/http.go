package admission

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gatekeeper/internal/models"
)

// Extractor pulls identity materials out of HTTP requests.
type Extractor struct {
	UserHeader        string
	FingerprintHeader string
	// TrustProxyHeaders makes X-Forwarded-For and X-Real-IP authoritative.
	// Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// ExtractorFrom builds an extractor from the security configuration section.
func ExtractorFrom(cfg models.SecurityConfig) Extractor {
	return Extractor{
		UserHeader:        cfg.UserHeader,
		FingerprintHeader: cfg.FingerprintHeader,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	}
}

// Request builds an admission request from headers and the peer address.
func (e Extractor) Request(r *http.Request) Request {
	req := Request{IP: e.ClientIP(r)}
	if e.UserHeader != "" {
		req.UserID = strings.TrimSpace(r.Header.Get(e.UserHeader))
	}
	if e.FingerprintHeader != "" {
		if fp := strings.TrimSpace(r.Header.Get(e.FingerprintHeader)); fp != "" {
			req.FingerprintPayload = []byte(fp)
		}
	}
	return req
}

// ClientIP returns the caller's address without port.
func (e Extractor) ClientIP(r *http.Request) string {
	if e.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SetHeaders writes the standard rate limit headers for a decision. Reset is
// in epoch seconds.
func SetHeaders(w http.ResponseWriter, d models.AdmissionDecision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt/1000, 10))
}

// RetryAfter returns whole seconds until the caller may retry, at least 1.
func RetryAfter(d models.AdmissionDecision, now time.Time) int {
	until := d.ResetAt
	if d.Burst != nil && d.Burst.NextAllowedTime > 0 && d.Reason == models.ReasonBurstLimited {
		until = d.Burst.NextAllowedTime
	}
	secs := (until - now.UnixMilli() + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return int(secs)
}

// WriteDenied writes a 429 response carrying the decision.
func WriteDenied(w http.ResponseWriter, d models.AdmissionDecision, now time.Time) {
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfter(d, now)))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(d)
}

// Middleware admits each request through svc before passing it on. Denied
// requests get a 429 with the decision as JSON body.
func Middleware(svc ServiceInterface, ex Extractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := svc.Admit(r.Context(), ex.Request(r))
			SetHeaders(w, d)

			if !d.Allowed {
				slog.Warn("Admission denied",
					"path", r.URL.Path,
					"method", d.Method,
					"reason", d.Reason,
				)
				WriteDenied(w, d, time.Now())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

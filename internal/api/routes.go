package api

import (
	"net/http"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/models"
	"gatekeeper/internal/ratelimit"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type routeSettings struct {
	middleware []mux.MiddlewareFunc
	limiter    ratelimit.Limiter
	upstream   http.Handler
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeSettings)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(s *routeSettings) {
		s.middleware = append(s.middleware, otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/api/v1/health"
			}),
		))
	}
}

// WithIssueThrottle throttles the token issue endpoints per client IP.
func WithIssueThrottle(limiter ratelimit.Limiter) RouteOption {
	return func(s *routeSettings) { s.limiter = limiter }
}

// WithUpstream mounts upstream under the configured path prefix behind
// admission control.
func WithUpstream(upstream http.Handler) RouteOption {
	return func(s *routeSettings) { s.upstream = upstream }
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	var settings routeSettings
	for _, opt := range opts {
		opt(&settings)
	}

	router := mux.NewRouter()
	for _, mw := range settings.middleware {
		router.Use(mw)
	}

	throttle := func(scope string, h http.HandlerFunc) http.Handler {
		if settings.limiter == nil {
			return h
		}
		return ratelimit.Middleware(settings.limiter, scope, handlers.extractor.ClientIP)(h)
	}

	// Registered first: the default prefix lives under /api/v1.
	if settings.upstream != nil && config.Upstream.PathPrefix != "" {
		guarded := admission.Middleware(handlers.facade, handlers.extractor)(settings.upstream)
		router.PathPrefix(config.Upstream.PathPrefix).Handler(guarded)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	api.HandleFunc("/admission", handlers.Admit).Methods("POST")
	api.HandleFunc("/admission/peek", handlers.PeekAdmission).Methods("POST")
	api.Handle("/credits", throttle("credits", handlers.IssueCredit)).Methods("POST")
	api.HandleFunc("/credits/redeem", handlers.RedeemCredit).Methods("POST")
	api.Handle("/synthesis/tokens", throttle("synthesis", handlers.IssueSynthesisToken)).Methods("POST")
	api.HandleFunc("/synthesis/redeem", handlers.RedeemSynthesisToken).Methods("POST")
	api.HandleFunc("/synthesis/tokens/{token}/result", handlers.AttachSynthesisResult).Methods("PUT")

	admin := router.PathPrefix("/admin/v1").Subrouter()
	admin.Use(adminAuthMiddleware(config.Security.AdminKeys))
	admin.HandleFunc("/limits/{method}/{identifier}", handlers.ResetLimits).Methods("DELETE")
	admin.HandleFunc("/keys", handlers.ListKeys).Methods("GET")

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	router.Use(loggingMiddleware)
	router.Use(recoveryMiddleware)

	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)
	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	return router
}

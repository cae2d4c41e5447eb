package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatekeeper/internal/admission"
	"gatekeeper/internal/api"
	"gatekeeper/internal/burst"
	"gatekeeper/internal/config"
	"gatekeeper/internal/credit"
	"gatekeeper/internal/logger"
	"gatekeeper/internal/models"
	"gatekeeper/internal/observability"
	"gatekeeper/internal/quota"
	"gatekeeper/internal/ratelimit"
	"gatekeeper/internal/storage"
	"gatekeeper/internal/synthesis"
	"gatekeeper/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	writeConfig = flag.String("write-config", "", "Write an example configuration to this path and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}
	if *writeConfig != "" {
		if err := config.SaveExample(*writeConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	store, err := initializeStore(cfg, otelProvider)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	facade, tokens, err := buildAdmission(cfg, store, otelProvider.Decisions(), log)
	if err != nil {
		slog.Error("Failed to initialize admission", "error", err)
		os.Exit(1)
	}

	handlerOpts := []api.HandlerOption{
		api.WithStorage(store),
		api.WithVersion(ver.Version),
		api.WithServiceKeys(cfg.Security.ServiceKeys),
		api.WithLogger(logger.Component(log, "api")),
	}
	if tokens != nil {
		handlerOpts = append(handlerOpts, api.WithSynthesis(tokens, cfg.Synthesis.MaxText))
	}
	handlers := api.NewHandlers(facade, admission.ExtractorFrom(cfg.Security), handlerOpts...)

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	if cfg.Security.IssueThrottle.Enabled {
		limiter := ratelimit.NewMemoryLimiter(ratelimit.ConfigFrom(cfg.Security.IssueThrottle))
		defer limiter.Close()
		routeOpts = append(routeOpts, api.WithIssueThrottle(limiter))
	}

	if cfg.Upstream.URL != "" {
		proxy, err := newUpstreamProxy(cfg.Upstream.URL)
		if err != nil {
			slog.Error("Invalid upstream", "error", err)
			os.Exit(1)
		}
		routeOpts = append(routeOpts, api.WithUpstream(proxy))
		slog.Info("Guarding upstream", "url", cfg.Upstream.URL, "path_prefix", cfg.Upstream.PathPrefix)
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Starting server", "addr", server.Addr, "store", cfg.Store.Type, "version", ver.String())

		var err error
		if cfg.Server.TLSEnabled {
			slog.Info("Starting HTTPS server with TLS")
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server")
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}

// initializeStore creates the configured backend, instrumented when tracing
// or metrics are enabled.
func initializeStore(cfg *models.Config, provider *observability.Provider) (storage.Store, error) {
	store, err := storage.NewFactory().Create(cfg.Store)
	if err != nil {
		return nil, err
	}
	instrumented, err := provider.InstrumentStore(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to instrument store: %w", err)
	}
	return instrumented, nil
}

// buildAdmission wires the ledger, burst guard, credit service and synthesis
// tokens around one shared store. tokens is nil when synthesis is disabled;
// recorder is nil when metrics are.
func buildAdmission(cfg *models.Config, store storage.Store, recorder *observability.DecisionMetrics, log *slog.Logger) (*admission.Facade, *synthesis.Tokens, error) {
	ledger := quota.NewLedger(store, quota.LimitsFrom(cfg.Quota),
		quota.WithLogger(logger.Component(log, "quota")))

	opts := []admission.Option{admission.WithLogger(logger.Component(log, "admission"))}

	if cfg.Burst.Enabled {
		guard := burst.NewGuard(store, burst.ConfigFrom(cfg.Burst),
			burst.WithLogger(logger.Component(log, "burst")))
		opts = append(opts, admission.WithBurstGuard(guard))
	}

	if cfg.Fingerprint.Enabled {
		opts = append(opts, admission.WithFingerprintPolicy(models.IdentityPolicy{
			MinConfidence:  cfg.Fingerprint.MinConfidence,
			HighConfidence: cfg.Fingerprint.HighConfidence,
		}))
	}

	if cfg.Credit.Enabled {
		creditCfg := credit.ConfigFrom(cfg.Credit)
		if len(creditCfg.Secret) == 0 {
			secret, err := credit.GenerateSecret()
			if err != nil {
				return nil, nil, err
			}
			creditCfg.Secret = []byte(secret)
			// Tokens issued by other replicas or before a restart will not verify.
			slog.Warn("No credit secret configured, using an ephemeral one")
		}
		svc, err := credit.NewService(store, creditCfg,
			credit.WithLogger(logger.Component(log, "credit")))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, admission.WithCredits(svc))
	}

	if recorder != nil {
		opts = append(opts, admission.WithRecorder(recorder))
	}

	var tokens *synthesis.Tokens
	if cfg.Synthesis.Enabled {
		tokens = synthesis.NewTokens(store, cfg.Synthesis.TokenTTL,
			synthesis.WithLogger(logger.Component(log, "synthesis")))
	}

	return admission.NewFacade(store, ledger, opts...), tokens, nil
}

func newUpstreamProxy(raw string) (http.Handler, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream url must be absolute: %q", raw)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Error("Upstream request failed", "event", "infrastructure", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}

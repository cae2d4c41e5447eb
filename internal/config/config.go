// Package config loads gatekeeper configuration: built-in defaults, then an
// optional YAML file, then GATEKEEPER_* environment variables, then
// validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gatekeeper/internal/models"

	"gopkg.in/yaml.v3"
)

const envPrefix = "GATEKEEPER_"

// Load builds the effective configuration. An empty path skips the file.
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadFromFile(config *models.Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if config.Credit.Secret != "" {
		slog.Warn("Credit secret is set in the config file; prefer GATEKEEPER_CREDIT_SECRET",
			"config_key", "credit.secret",
		)
	}
	return nil
}

// envReader collects the first parse error so that a typo in one variable
// is reported instead of silently falling back to the file value.
type envReader struct {
	err error
}

func (r *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) fail(name, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s%s=%q: %w", envPrefix, name, value, err)
	}
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.lookup(name); ok {
		*dst = v
	}
}

func (r *envReader) integer(name string, dst *int) {
	if v, ok := r.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) float(name string, dst *float64) {
	if v, ok := r.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	if v, ok := r.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(name string, dst *time.Duration) {
	if v, ok := r.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(name, v, err)
			return
		}
		*dst = d
	}
}

func (r *envReader) list(name string, dst *[]string) {
	if v, ok := r.lookup(name); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

func loadFromEnvironment(config *models.Config) error {
	env := &envReader{}

	// Server
	env.integer("PORT", &config.Server.Port)
	env.str("HOST", &config.Server.Host)
	env.duration("READ_TIMEOUT", &config.Server.ReadTimeout)
	env.duration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	env.duration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	env.boolean("TLS_ENABLED", &config.Server.TLSEnabled)
	env.str("TLS_CERT_FILE", &config.Server.TLSCertFile)
	env.str("TLS_KEY_FILE", &config.Server.TLSKeyFile)

	// Store
	env.str("STORE_TYPE", &config.Store.Type)
	env.str("STORE_PATH", &config.Store.Path)
	env.duration("STORE_CLEANUP_INTERVAL", &config.Store.CleanupInterval)
	env.str("DATABASE_DSN", &config.Store.Database.DSN)
	env.integer("DATABASE_MAX_OPEN_CONNS", &config.Store.Database.MaxOpenConns)
	env.integer("DATABASE_MAX_IDLE_CONNS", &config.Store.Database.MaxIdleConns)
	env.duration("DATABASE_CONN_MAX_LIFETIME", &config.Store.Database.ConnMaxLifetime)
	env.str("REDIS_ADDR", &config.Store.Redis.Addr)
	env.str("REDIS_PASSWORD", &config.Store.Redis.Password)
	env.integer("REDIS_DB", &config.Store.Redis.DB)
	env.integer("REDIS_POOL_SIZE", &config.Store.Redis.PoolSize)

	// Admission policy
	env.integer("IP_LIMIT", &config.Quota.IPLimit)
	env.integer("USER_LIMIT", &config.Quota.UserLimit)
	env.duration("QUOTA_WINDOW", &config.Quota.Window)
	env.boolean("BURST_ENABLED", &config.Burst.Enabled)
	env.integer("BURST_SHORT_MAX", &config.Burst.Short.MaxRequests)
	env.integer("BURST_MEDIUM_MAX", &config.Burst.Medium.MaxRequests)
	env.integer("BURST_LONG_MAX", &config.Burst.Long.MaxRequests)
	env.boolean("FINGERPRINT_ENABLED", &config.Fingerprint.Enabled)
	env.float("FINGERPRINT_MIN_CONFIDENCE", &config.Fingerprint.MinConfidence)
	env.float("FINGERPRINT_HIGH_CONFIDENCE", &config.Fingerprint.HighConfidence)

	// Tokens
	env.boolean("CREDIT_ENABLED", &config.Credit.Enabled)
	env.str("CREDIT_SECRET", &config.Credit.Secret)
	env.duration("CREDIT_TOKEN_LIFETIME", &config.Credit.TokenLifetime)
	env.duration("CREDIT_USED_MARKER_TTL", &config.Credit.UsedMarkerTTL)
	env.boolean("SYNTHESIS_ENABLED", &config.Synthesis.Enabled)
	env.duration("SYNTHESIS_TOKEN_TTL", &config.Synthesis.TokenTTL)

	// Security
	env.list("ADMIN_KEYS", &config.Security.AdminKeys)
	env.list("SERVICE_KEYS", &config.Security.ServiceKeys)
	env.str("USER_HEADER", &config.Security.UserHeader)
	env.str("FINGERPRINT_HEADER", &config.Security.FingerprintHeader)
	env.boolean("TRUST_PROXY_HEADERS", &config.Security.TrustProxyHeaders)
	env.boolean("ISSUE_THROTTLE_ENABLED", &config.Security.IssueThrottle.Enabled)
	env.integer("ISSUE_THROTTLE_RPM", &config.Security.IssueThrottle.RequestsPerMinute)

	// Upstream
	env.str("UPSTREAM_URL", &config.Upstream.URL)
	env.str("UPSTREAM_PATH_PREFIX", &config.Upstream.PathPrefix)

	// Logging, metrics, tracing
	env.str("LOG_LEVEL", &config.Logging.Level)
	env.str("LOG_FORMAT", &config.Logging.Format)
	env.str("LOG_OUTPUT", &config.Logging.Output)
	env.str("LOG_FILE_PATH", &config.Logging.FilePath)
	env.boolean("METRICS_ENABLED", &config.Metrics.Enabled)
	env.str("METRICS_PATH", &config.Metrics.Path)
	env.integer("METRICS_PORT", &config.Metrics.Port)
	env.str("SERVICE_NAME", &config.Observability.ServiceName)
	env.boolean("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	env.str("TRACING_EXPORTER", &config.Observability.Tracing.Exporter)
	env.str("OTLP_ENDPOINT", &config.Observability.Tracing.OTLPEndpoint)
	env.float("TRACING_SAMPLE_RATE", &config.Observability.Tracing.SampleRate)

	return env.err
}

// SaveExample writes the default configuration as YAML, with placeholders
// for the values operators must fill in.
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.Security.AdminKeys = []string{"replace-with-a-long-random-admin-key"}
	config.Security.ServiceKeys = []string{"replace-with-a-long-random-service-key"}
	config.Store.Redis.Addr = "localhost:6379"
	config.Upstream.URL = "http://localhost:9000"

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	header := []byte("# gatekeeper configuration. Set the credit secret via GATEKEEPER_CREDIT_SECRET.\n")
	if err := os.WriteFile(filePath, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

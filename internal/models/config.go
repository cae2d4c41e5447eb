// Package models - Service configuration and operational settings.
// This file defines the configuration structures for every gatekeeper component.
//
// Configuration Philosophy:
// - Hierarchical configuration grouped by component (store, quota, burst, credit, ...)
// - Defaults that work out of the box with the in-memory store
// - Validation that catches misconfigurations before the server starts
// - Limits and windows are plain values so operators can tune them per deployment
package models

import (
	"errors"
	"fmt"
	"time"
)

// Store type constants
const (
	StoreTypeMemory   = "memory"
	StoreTypeFile     = "file"
	StoreTypeRedis    = "redis"
	StoreTypePostgres = "postgres"
	StoreTypeSQLite   = "sqlite"
)

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP server and network settings
// - Store: expiring key-value store backing every counter and token marker
// - Quota / Burst / Fingerprint: admission policy
// - Credit / Synthesis: single-use token protocols
// - Security: admin keys, identity headers, issue throttling
// - Logging / Metrics / Observability: operational concerns
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Store         StoreConfig         `yaml:"store" json:"store"`
	Quota         QuotaConfig         `yaml:"quota" json:"quota"`
	Burst         BurstConfig         `yaml:"burst" json:"burst"`
	Fingerprint   FingerprintConfig   `yaml:"fingerprint" json:"fingerprint"`
	Credit        CreditConfig        `yaml:"credit" json:"credit"`
	Synthesis     SynthesisConfig     `yaml:"synthesis" json:"synthesis"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
}

type StoreConfig struct {
	Type            string         `yaml:"type" json:"type"`
	Path            string         `yaml:"path" json:"path"`
	CleanupInterval time.Duration  `yaml:"cleanup_interval" json:"cleanup_interval"`
	Database        DatabaseConfig `yaml:"database" json:"database"`
	Redis           RedisConfig    `yaml:"redis" json:"redis"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// QuotaConfig holds the fixed-window limits per identity tier. Fingerprint and
// combined identities share the anonymous (IP) limit.
type QuotaConfig struct {
	IPLimit   int           `yaml:"ip_limit" json:"ip_limit"`
	UserLimit int           `yaml:"user_limit" json:"user_limit"`
	Window    time.Duration `yaml:"window" json:"window"`
}

type WindowConfig struct {
	Duration    time.Duration `yaml:"duration" json:"duration"`
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
}

type BurstConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Short           WindowConfig  `yaml:"short" json:"short"`
	Medium          WindowConfig  `yaml:"medium" json:"medium"`
	Long            WindowConfig  `yaml:"long" json:"long"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// FingerprintConfig controls when a fingerprint is trusted enough to replace
// the IP as the quota identity.
type FingerprintConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	MinConfidence  float64 `yaml:"min_confidence" json:"min_confidence"`   // combined ip+fingerprint tier
	HighConfidence float64 `yaml:"high_confidence" json:"high_confidence"` // fingerprint-only tier
}

type CreditConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Secret        string        `yaml:"secret" json:"-"`
	TokenLifetime time.Duration `yaml:"token_lifetime" json:"token_lifetime"`
	UsedMarkerTTL time.Duration `yaml:"used_marker_ttl" json:"used_marker_ttl"`
}

type SynthesisConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`
	MaxText  int           `yaml:"max_text" json:"max_text"`
}

type SecurityConfig struct {
	AdminKeys []string `yaml:"admin_keys" json:"-"`
	// ServiceKeys authorize trusted backends to name the ip and user_id a
	// decision is made for. Other callers are identified from the request.
	ServiceKeys       []string       `yaml:"service_keys" json:"-"`
	UserHeader        string         `yaml:"user_header" json:"user_header"`
	FingerprintHeader string         `yaml:"fingerprint_header" json:"fingerprint_header"`
	TrustProxyHeaders bool           `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`
	IssueThrottle     ThrottleConfig `yaml:"issue_throttle" json:"issue_throttle"`
}

type ThrottleConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size" json:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// UpstreamConfig points at the generation endpoint gatekeeper protects. When
// URL is empty no proxy route is registered.
type UpstreamConfig struct {
	URL        string `yaml:"url" json:"url"`
	PathPrefix string `yaml:"path_prefix" json:"path_prefix"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with working defaults.
//
// Default Values Rationale:
// - Memory store: no external dependencies for a first run
// - 20 anonymous / 100 authenticated generations per 24h window
// - Burst windows 10s/5, 60s/15, 300s/40
// - Credit tokens live 5 minutes, used markers 24 hours
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Type:            StoreTypeMemory,
			Path:            "./data/gatekeeper.json",
			CleanupInterval: time.Minute,
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Redis: RedisConfig{
				PoolSize: 10,
			},
		},
		Quota: QuotaConfig{
			IPLimit:   20,
			UserLimit: 100,
			Window:    24 * time.Hour,
		},
		Burst: BurstConfig{
			Enabled:         true,
			Short:           WindowConfig{Duration: 10 * time.Second, MaxRequests: 5},
			Medium:          WindowConfig{Duration: 60 * time.Second, MaxRequests: 15},
			Long:            WindowConfig{Duration: 300 * time.Second, MaxRequests: 40},
			CleanupInterval: 30 * time.Second,
		},
		Fingerprint: FingerprintConfig{
			Enabled:        true,
			MinConfidence:  0.3,
			HighConfidence: 0.5,
		},
		Credit: CreditConfig{
			Enabled:       true,
			TokenLifetime: 5 * time.Minute,
			UsedMarkerTTL: 24 * time.Hour,
		},
		Synthesis: SynthesisConfig{
			Enabled:  true,
			TokenTTL: 10 * time.Minute,
			MaxText:  2000,
		},
		Security: SecurityConfig{
			AdminKeys:         []string{},
			ServiceKeys:       []string{},
			UserHeader:        "X-User-ID",
			FingerprintHeader: "X-Fingerprint",
			IssueThrottle: ThrottleConfig{
				Enabled:           true,
				RequestsPerMinute: 10,
				BurstSize:         3,
				CleanupInterval:   5 * time.Minute,
			},
		},
		Upstream: UpstreamConfig{
			PathPrefix: "/api/v1/generate",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "gatekeeper",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("invalid store config: %w", err)
	}

	if err := c.Quota.Validate(); err != nil {
		return fmt.Errorf("invalid quota config: %w", err)
	}

	if err := c.Burst.Validate(); err != nil {
		return fmt.Errorf("invalid burst config: %w", err)
	}

	if err := c.Fingerprint.Validate(); err != nil {
		return fmt.Errorf("invalid fingerprint config: %w", err)
	}

	if err := c.Credit.Validate(); err != nil {
		return fmt.Errorf("invalid credit config: %w", err)
	}

	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("invalid synthesis config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (stc *StoreConfig) Validate() error {
	switch stc.Type {
	case StoreTypeMemory:
		return nil
	case StoreTypeFile:
		if stc.Path == "" {
			return errors.New("path is required for file store")
		}
	case StoreTypeRedis:
		if stc.Redis.Addr == "" {
			return errors.New("redis address is required for redis store")
		}
	case StoreTypePostgres, StoreTypeSQLite:
		if stc.Database.DSN == "" {
			return errors.New("database DSN is required for database store")
		}
	default:
		return fmt.Errorf("invalid store type: %s", stc.Type)
	}
	return nil
}

func (qc *QuotaConfig) Validate() error {
	if qc.IPLimit <= 0 {
		return errors.New("ip limit must be positive")
	}
	if qc.UserLimit <= 0 {
		return errors.New("user limit must be positive")
	}
	if qc.Window <= 0 {
		return errors.New("quota window must be positive")
	}
	return nil
}

func (bc *BurstConfig) Validate() error {
	if !bc.Enabled {
		return nil
	}
	windows := map[string]WindowConfig{"short": bc.Short, "medium": bc.Medium, "long": bc.Long}
	for name, w := range windows {
		if w.Duration <= 0 {
			return fmt.Errorf("%s window duration must be positive", name)
		}
		if w.MaxRequests <= 0 {
			return fmt.Errorf("%s window max requests must be positive", name)
		}
	}
	if bc.Short.Duration >= bc.Medium.Duration || bc.Medium.Duration >= bc.Long.Duration {
		return errors.New("burst windows must be strictly increasing: short < medium < long")
	}
	if bc.CleanupInterval <= 0 {
		return errors.New("burst cleanup interval must be positive")
	}
	return nil
}

func (fc *FingerprintConfig) Validate() error {
	if fc.MinConfidence < 0 || fc.MinConfidence > 1 || fc.HighConfidence < 0 || fc.HighConfidence > 1 {
		return errors.New("confidence thresholds must be within [0, 1]")
	}
	if fc.MinConfidence > fc.HighConfidence {
		return errors.New("min confidence cannot exceed high confidence")
	}
	return nil
}

func (cc *CreditConfig) Validate() error {
	if !cc.Enabled {
		return nil
	}
	// An empty secret is replaced by an ephemeral one at startup.
	if cc.Secret != "" && len(cc.Secret) < 32 {
		return errors.New("credit secret must be at least 32 characters")
	}
	if cc.TokenLifetime <= 0 {
		return errors.New("credit token lifetime must be positive")
	}
	if cc.UsedMarkerTTL < cc.TokenLifetime {
		return errors.New("used marker TTL cannot be shorter than the token lifetime")
	}
	return nil
}

func (sc *SynthesisConfig) Validate() error {
	if !sc.Enabled {
		return nil
	}
	if sc.TokenTTL <= 0 {
		return errors.New("synthesis token TTL must be positive")
	}
	if sc.MaxText <= 0 {
		return errors.New("synthesis max text must be positive")
	}
	return nil
}

func (sec *SecurityConfig) Validate() error {
	for _, key := range sec.AdminKeys {
		if len(key) < 16 {
			return errors.New("admin keys must be at least 16 characters")
		}
	}
	for _, key := range sec.ServiceKeys {
		if len(key) < 16 {
			return errors.New("service keys must be at least 16 characters")
		}
	}
	if sec.IssueThrottle.Enabled {
		if sec.IssueThrottle.RequestsPerMinute <= 0 {
			return errors.New("issue throttle requests per minute must be positive")
		}
		if sec.IssueThrottle.BurstSize <= 0 {
			return errors.New("issue throttle burst size must be positive")
		}
		if sec.IssueThrottle.CleanupInterval <= 0 {
			return errors.New("issue throttle cleanup interval must be positive")
		}
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	if !oneOf(lc.Level, "debug", "info", "warn", "error") {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	if !oneOf(lc.Format, "json", "text") {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	if !oneOf(lc.Output, "stdout", "stderr", "file") {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

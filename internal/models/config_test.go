package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)

	assert.Equal(t, StoreTypeMemory, config.Store.Type)
	assert.Equal(t, time.Minute, config.Store.CleanupInterval)

	assert.Equal(t, 20, config.Quota.IPLimit)
	assert.Equal(t, 100, config.Quota.UserLimit)
	assert.Equal(t, 24*time.Hour, config.Quota.Window)

	assert.True(t, config.Burst.Enabled)
	assert.Equal(t, WindowConfig{Duration: 10 * time.Second, MaxRequests: 5}, config.Burst.Short)
	assert.Equal(t, WindowConfig{Duration: 60 * time.Second, MaxRequests: 15}, config.Burst.Medium)
	assert.Equal(t, WindowConfig{Duration: 300 * time.Second, MaxRequests: 40}, config.Burst.Long)

	assert.Equal(t, 5*time.Minute, config.Credit.TokenLifetime)
	assert.Equal(t, 24*time.Hour, config.Credit.UsedMarkerTTL)
	assert.Empty(t, config.Credit.Secret)

	assert.Equal(t, "X-User-ID", config.Security.UserHeader)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "gatekeeper", config.Observability.ServiceName)

	require.NoError(t, config.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, errorMsg: "invalid server config"},
		{name: "tls without cert", mutate: func(c *Config) { c.Server.TLSEnabled = true }, errorMsg: "TLS cert file"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Type = "etcd" }, errorMsg: "invalid store type"},
		{name: "redis without addr", mutate: func(c *Config) { c.Store.Type = StoreTypeRedis }, errorMsg: "redis address"},
		{name: "sqlite without dsn", mutate: func(c *Config) { c.Store.Type = StoreTypeSQLite }, errorMsg: "DSN"},
		{name: "file without path", mutate: func(c *Config) { c.Store.Type = StoreTypeFile; c.Store.Path = "" }, errorMsg: "path is required"},
		{name: "zero ip limit", mutate: func(c *Config) { c.Quota.IPLimit = 0 }, errorMsg: "ip limit"},
		{name: "zero window", mutate: func(c *Config) { c.Quota.Window = 0 }, errorMsg: "quota window"},
		{name: "burst windows out of order", mutate: func(c *Config) { c.Burst.Short.Duration = 2 * time.Minute }, errorMsg: "strictly increasing"},
		{name: "burst zero max", mutate: func(c *Config) { c.Burst.Long.MaxRequests = 0 }, errorMsg: "long window max requests"},
		{name: "confidence out of range", mutate: func(c *Config) { c.Fingerprint.HighConfidence = 1.5 }, errorMsg: "within [0, 1]"},
		{name: "confidence inverted", mutate: func(c *Config) { c.Fingerprint.MinConfidence = 0.9 }, errorMsg: "cannot exceed"},
		{name: "short credit secret", mutate: func(c *Config) { c.Credit.Secret = "short" }, errorMsg: "at least 32"},
		{name: "used marker shorter than lifetime", mutate: func(c *Config) { c.Credit.UsedMarkerTTL = time.Minute }, errorMsg: "used marker TTL"},
		{name: "short service key", mutate: func(c *Config) { c.Security.ServiceKeys = []string{"svc"} }, errorMsg: "service keys"},
		{name: "short admin key", mutate: func(c *Config) { c.Security.AdminKeys = []string{"abc"} }, errorMsg: "admin keys"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, errorMsg: "invalid log level"},
		{name: "file log without path", mutate: func(c *Config) { c.Logging.Output = "file" }, errorMsg: "file path is required"},
		{name: "metrics without path", mutate: func(c *Config) { c.Metrics.Path = "" }, errorMsg: "metrics path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewDefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestConfig_Validate_DisabledSectionsSkipChecks(t *testing.T) {
	config := NewDefaultConfig()
	config.Burst.Enabled = false
	config.Burst.Short = WindowConfig{}
	config.Credit.Enabled = false
	config.Credit.Secret = "short"
	config.Metrics.Enabled = false
	config.Metrics.Path = ""

	assert.NoError(t, config.Validate())
}

func TestConfig_Validate_LongCreditSecret(t *testing.T) {
	config := NewDefaultConfig()
	config.Credit.Secret = strings.Repeat("s", 32)
	assert.NoError(t, config.Validate())
}

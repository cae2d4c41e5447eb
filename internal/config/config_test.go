package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gatekeeper/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8081
  host: "127.0.0.1"
  read_timeout: 15s

store:
  type: sqlite
  cleanup_interval: 2m
  database:
    dsn: "file:gatekeeper.db"

quota:
  ip_limit: 3
  user_limit: 50
  window: 12h

burst:
  enabled: true
  short: {duration: 5s, max_requests: 3}
  medium: {duration: 30s, max_requests: 10}
  long: {duration: 120s, max_requests: 20}
  cleanup_interval: 15s

fingerprint:
  enabled: true
  min_confidence: 0.25
  high_confidence: 0.6

credit:
  enabled: true
  token_lifetime: 2m
  used_marker_ttl: 48h

security:
  admin_keys: ["0123456789abcdef0123"]
  service_keys: ["backend-service-key-01"]
  user_header: X-Account
  trust_proxy_headers: true
  issue_throttle:
    enabled: true
    requests_per_minute: 5
    burst_size: 2
    cleanup_interval: 1m

upstream:
  url: http://generator:9000

logging:
  level: debug
  format: text
  output: stderr
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, config.Server.Port)
	assert.Equal(t, "127.0.0.1", config.Server.Host)
	assert.Equal(t, 15*time.Second, config.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, config.Server.WriteTimeout)

	assert.Equal(t, models.StoreTypeSQLite, config.Store.Type)
	assert.Equal(t, 2*time.Minute, config.Store.CleanupInterval)
	assert.Equal(t, "file:gatekeeper.db", config.Store.Database.DSN)

	assert.Equal(t, models.QuotaConfig{IPLimit: 3, UserLimit: 50, Window: 12 * time.Hour}, config.Quota)
	assert.Equal(t, models.WindowConfig{Duration: 5 * time.Second, MaxRequests: 3}, config.Burst.Short)
	assert.Equal(t, 20, config.Burst.Long.MaxRequests)
	assert.Equal(t, 0.6, config.Fingerprint.HighConfidence)
	assert.Equal(t, 2*time.Minute, config.Credit.TokenLifetime)
	assert.Equal(t, 48*time.Hour, config.Credit.UsedMarkerTTL)

	assert.Equal(t, []string{"0123456789abcdef0123"}, config.Security.AdminKeys)
	assert.Equal(t, []string{"backend-service-key-01"}, config.Security.ServiceKeys)
	assert.Equal(t, "X-Account", config.Security.UserHeader)
	assert.Equal(t, "X-Fingerprint", config.Security.FingerprintHeader)
	assert.True(t, config.Security.TrustProxyHeaders)
	assert.Equal(t, 5, config.Security.IssueThrottle.RequestsPerMinute)

	assert.Equal(t, "http://generator:9000", config.Upstream.URL)
	assert.Equal(t, "/api/v1/generate", config.Upstream.PathPrefix)

	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)
	assert.Equal(t, "stderr", config.Logging.Output)
}

func TestLoad_WithDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, models.NewDefaultConfig(), config)
}

func TestLoad_EmptyConfigFile(t *testing.T) {
	config, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, models.NewDefaultConfig(), config)
}

func TestLoad_WithEnvironmentVariables(t *testing.T) {
	t.Setenv("GATEKEEPER_PORT", "9999")
	t.Setenv("GATEKEEPER_STORE_TYPE", "redis")
	t.Setenv("GATEKEEPER_REDIS_ADDR", "redis:6379")
	t.Setenv("GATEKEEPER_IP_LIMIT", "3")
	t.Setenv("GATEKEEPER_QUOTA_WINDOW", "1h")
	t.Setenv("GATEKEEPER_BURST_ENABLED", "false")
	t.Setenv("GATEKEEPER_FINGERPRINT_HIGH_CONFIDENCE", "0.7")
	t.Setenv("GATEKEEPER_CREDIT_SECRET", "abcdefghijklmnopqrstuvwxyz0123456789")
	t.Setenv("GATEKEEPER_ADMIN_KEYS", "first-admin-key-0001, second-admin-key-0002,")
	t.Setenv("GATEKEEPER_SERVICE_KEYS", "backend-service-key-01")
	t.Setenv("GATEKEEPER_LOG_LEVEL", "warn")
	t.Setenv("GATEKEEPER_TRACING_SAMPLE_RATE", "0.25")

	config, err := Load(writeConfig(t, `
server:
  port: 8080
quota:
  ip_limit: 20
logging:
  level: info
`))
	require.NoError(t, err)

	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, models.StoreTypeRedis, config.Store.Type)
	assert.Equal(t, "redis:6379", config.Store.Redis.Addr)
	assert.Equal(t, 3, config.Quota.IPLimit)
	assert.Equal(t, time.Hour, config.Quota.Window)
	assert.False(t, config.Burst.Enabled)
	assert.Equal(t, 0.7, config.Fingerprint.HighConfidence)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz0123456789", config.Credit.Secret)
	assert.Equal(t, []string{"first-admin-key-0001", "second-admin-key-0002"}, config.Security.AdminKeys)
	assert.Equal(t, []string{"backend-service-key-01"}, config.Security.ServiceKeys)
	assert.Equal(t, "warn", config.Logging.Level)
	assert.Equal(t, 0.25, config.Observability.Tracing.SampleRate)
}

func TestLoad_MalformedEnvironmentValue(t *testing.T) {
	tests := map[string]string{
		"GATEKEEPER_PORT":          "eighty",
		"GATEKEEPER_QUOTA_WINDOW":  "a day",
		"GATEKEEPER_BURST_ENABLED": "maybe",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestLoad_BlankEnvironmentValueIgnored(t *testing.T) {
	t.Setenv("GATEKEEPER_PORT", "  ")
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, config.Server.Port)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/non/existent/gatekeeper.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  port: [not, a, number\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse YAML")
}

func TestLoad_ValidationFailure(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad store", "store:\n  type: s3\n", "invalid store type"},
		{"redis without address", "store:\n  type: redis\n", "redis address"},
		{"inverted burst windows", "burst:\n  short: {duration: 2m, max_requests: 5}\n", "strictly increasing"},
		{"short secret", "credit:\n  secret: short\n", "at least 32"},
		{"short admin key", "security:\n  admin_keys: [abc]\n", "admin keys"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSaveExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gatekeeper.yaml")
	require.NoError(t, SaveExample(path))

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", config.Upstream.URL)
	assert.Len(t, config.Security.AdminKeys, 1)
	assert.Empty(t, config.Credit.Secret)
}

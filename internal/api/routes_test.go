package api

import (
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"gatekeeper/internal/models"
	"gatekeeper/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutes_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/admission"},
		{http.MethodPut, "/api/v1/credits"},
		{http.MethodGet, "/api/v1/synthesis/redeem"},
		{http.MethodPost, "/health"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := env.do(tt.method, tt.path, nil, nil)
			require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			assert.Equal(t, models.ErrorCodeInvalidRequest, decode[models.ErrorResponse](t, rec).Code)
		})
	}
}

func TestRoutes_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/nowhere", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.ErrorCodeNotFound, decode[models.ErrorResponse](t, rec).Code)
}

func TestRoutes_AdminRequiresKey(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/admin/v1/keys", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		env.do(http.MethodDelete, "/admin/v1/limits/ip/203.0.113.7", nil, map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/admin/v1/keys", nil, adminHeaders).Code)
}

func TestRoutes_AdminClosedWithoutKeys(t *testing.T) {
	env := newTestEnv(t, withAdminKeys())

	assert.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/admin/v1/keys", nil, adminHeaders).Code)
}

func TestRoutes_IssueThrottle(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{RequestsPerMinute: 1, Burst: 2})
	defer limiter.Close()
	env := newTestEnv(t, withRoutes(WithIssueThrottle(limiter)))

	issue := func() int {
		return env.do(http.MethodPost, "/api/v1/credits", map[string]string{"fingerprint": "f00dfeedcafe0005"}, nil).Code
	}
	assert.Equal(t, http.StatusCreated, issue())
	assert.Equal(t, http.StatusCreated, issue())

	rec := env.do(http.MethodPost, "/api/v1/credits", map[string]string{"fingerprint": "f00dfeedcafe0005"}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, models.ErrorCodeRateLimitExceeded, decode[models.ErrorResponse](t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Synthesis issue has its own bucket; redeem is never throttled.
	assert.Equal(t, http.StatusCreated,
		env.do(http.MethodPost, "/api/v1/synthesis/tokens", map[string]string{"text": "hi"}, nil).Code)
	assert.Equal(t, http.StatusOK,
		env.do(http.MethodPost, "/api/v1/credits/redeem", map[string]string{"token": "x", "fingerprint": "y"}, nil).Code)
}

func TestRoutes_UpstreamBehindAdmission(t *testing.T) {
	var hits atomic.Int32
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})
	env := newTestEnv(t, withRoutes(WithUpstream(upstream)))

	for i := 0; i < 3; i++ {
		rec := env.do(http.MethodPost, "/api/v1/generate/image", nil, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		env.clock.Advance(3 * time.Second)
	}

	rec := env.do(http.MethodPost, "/api/v1/generate/image", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, models.ReasonQuotaExceeded, decode[models.AdmissionDecision](t, rec).Reason)
	assert.Equal(t, int32(3), hits.Load())

	// The gatekeeper's own endpoints stay reachable.
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/health", nil, nil).Code)
}

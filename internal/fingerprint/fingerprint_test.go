package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func desktopSignals() Signals {
	return Signals{
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		Language:            "en-US",
		Platform:            "Win32",
		Timezone:            "Europe/Berlin",
		ScreenWidth:         intPtr(1920),
		ScreenHeight:        intPtr(1080),
		ColorDepth:          24,
		HardwareConcurrency: 8,
		DeviceMemory:        8,
		Canvas:              "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAASwAAACWCAYAAABkW7XSAAAgAElEQVR4Xu2dB3gUVRfH",
		WebGLVendor:         "Google Inc. (NVIDIA)",
		WebGLRenderer:       "ANGLE (NVIDIA, NVIDIA GeForce RTX 3070 Direct3D11 vs_5_0 ps_5_0, D3D11)",
		Audio:               "124.04347527516074",
		Plugins:             []string{"PDF Viewer", "Chrome PDF Viewer", "Chromium PDF Viewer"},
		Fonts:               []string{"Arial", "Calibri", "Cambria", "Consolas", "Segoe UI"},
	}
}

func TestScore_Deterministic(t *testing.T) {
	a := Score(desktopSignals())
	b := Score(desktopSignals())

	assert.Equal(t, a, b)
	assert.Len(t, a.Hash, 16)
	assert.Empty(t, a.SuspicionTags)
}

func TestScore_DifferentSignalsDifferentHash(t *testing.T) {
	base := desktopSignals()
	other := desktopSignals()
	other.Timezone = "America/New_York"

	assert.NotEqual(t, Score(base).Hash, Score(other).Hash)
}

func TestScore_RichBrowserReachesHighConfidence(t *testing.T) {
	res := Score(desktopSignals())

	assert.Greater(t, res.EntropyBits, 5.0)
	assert.GreaterOrEqual(t, res.Confidence, 0.5)
	assert.LessOrEqual(t, res.Confidence, 1.0)
}

func TestScore_WebdriverLowersConfidence(t *testing.T) {
	clean := desktopSignals()
	flagged := desktopSignals()
	flagged.Automation = "webdriver"

	cleanRes := Score(clean)
	flaggedRes := Score(flagged)

	assert.Less(t, flaggedRes.Confidence, cleanRes.Confidence)
	assert.Contains(t, flaggedRes.SuspicionTags, TagWebdriver)
	assert.True(t, flaggedRes.Suspicious())
}

func TestScore_BonusesRequireNonDegenerateSignals(t *testing.T) {
	blocked := desktopSignals()
	blocked.Canvas = "data:,"
	blocked.WebGLVendor = "unknown"
	blocked.WebGLRenderer = ""
	blocked.Audio = ""

	full := Score(desktopSignals())
	degraded := Score(blocked)

	assert.Less(t, degraded.Confidence, full.Confidence)
	assert.Less(t, degraded.Confidence, 0.3, "no bonuses leaves only the entropy component")
	assert.Empty(t, degraded.SuspicionTags, "degenerate signals are not suspicious on their own")
}

func TestScore_EmptySignals(t *testing.T) {
	res := Score(Signals{})

	assert.Equal(t, 0.0, res.Confidence)
	assert.Equal(t, []string{TagMissingUserAgent}, res.SuspicionTags)
	assert.NotEmpty(t, res.Hash)
}

func TestDetectSuspicion(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Signals)
		want   []string
	}{
		{
			name:   "clean",
			mutate: func(s *Signals) {},
			want:   []string{},
		},
		{
			name:   "headless user agent",
			mutate: func(s *Signals) { s.UserAgent = "Mozilla/5.0 HeadlessChrome/124.0.0.0" },
			want:   []string{TagHeadlessBrowser},
		},
		{
			name:   "software renderer",
			mutate: func(s *Signals) { s.WebGLRenderer = "Google SwiftShader" },
			want:   []string{TagHeadlessBrowser},
		},
		{
			name:   "automation flags",
			mutate: func(s *Signals) { s.Automation = "webdriver, headless selenium" },
			want:   []string{TagAutomationFramework, TagHeadlessBrowser, TagWebdriver},
		},
		{
			name:   "bot user agent",
			mutate: func(s *Signals) { s.UserAgent = "curl/8.4.0" },
			want:   []string{TagBotUserAgent},
		},
		{
			name:   "missing user agent",
			mutate: func(s *Signals) { s.UserAgent = "  " },
			want:   []string{TagMissingUserAgent},
		},
		{
			name:   "empty plugin list on desktop",
			mutate: func(s *Signals) { s.Plugins = []string{} },
			want:   []string{TagNoPlugins},
		},
		{
			name: "empty plugin list on mobile",
			mutate: func(s *Signals) {
				s.UserAgent = "Mozilla/5.0 (Linux; Android 14) Mobile Safari/537.36"
				s.Plugins = []string{}
			},
			want: []string{},
		},
		{
			name:   "plugins not collected",
			mutate: func(s *Signals) { s.Plugins = nil },
			want:   []string{},
		},
		{
			name:   "zero screen",
			mutate: func(s *Signals) { s.ScreenWidth = intPtr(0) },
			want:   []string{TagZeroScreen},
		},
		{
			name:   "screen not collected",
			mutate: func(s *Signals) { s.ScreenWidth, s.ScreenHeight = nil, nil },
			want:   []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := desktopSignals()
			tt.mutate(&s)
			assert.Equal(t, tt.want, detectSuspicion(s))
		})
	}
}

func TestScore_EachTagCostsAPenalty(t *testing.T) {
	one := desktopSignals()
	one.Automation = "webdriver"
	two := desktopSignals()
	two.Automation = "webdriver selenium"

	assert.InDelta(t, Score(one).Confidence-0.2, Score(two).Confidence, 0.01)
}

func TestParseSignals(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{name: "object", raw: `{"userAgent":"x"}`, ok: true},
		{name: "empty object", raw: `{}`, ok: true},
		{name: "padded object", raw: "  {\"timezone\":\"UTC\"}\n", ok: true},
		{name: "empty", raw: ``, ok: false},
		{name: "not json", raw: `userAgent=x`, ok: false},
		{name: "array", raw: `[1,2]`, ok: false},
		{name: "null", raw: `null`, ok: false},
		{name: "string", raw: `"abc"`, ok: false},
		{name: "truncated", raw: `{"userAgent":`, ok: false},
		{name: "wrong field type", raw: `{"screenWidth":"wide"}`, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseSignals([]byte(tt.raw))
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestScoreRaw(t *testing.T) {
	raw, err := json.Marshal(desktopSignals())
	require.NoError(t, err)

	res, ok := ScoreRaw(raw)
	require.True(t, ok)
	assert.Equal(t, Score(desktopSignals()).Hash, res.Hash)

	_, ok = ScoreRaw([]byte("garbage"))
	assert.False(t, ok)
}

func TestBindingHash(t *testing.T) {
	raw, err := json.Marshal(desktopSignals())
	require.NoError(t, err)

	hash, ok := BindingHash(raw)
	require.True(t, ok)
	assert.Equal(t, Score(desktopSignals()).Hash, hash)

	hash, ok = BindingHash([]byte(`"a1b2c3"`))
	require.True(t, ok)
	assert.Equal(t, "a1b2c3", hash)

	_, ok = BindingHash([]byte(`""`))
	assert.False(t, ok)

	_, ok = BindingHash([]byte(`42`))
	assert.False(t, ok)
}

func TestShannonEntropy(t *testing.T) {
	assert.Equal(t, 0.0, shannonEntropy(""))
	assert.Equal(t, 0.0, shannonEntropy("aaaa"))
	assert.InDelta(t, 1.0, shannonEntropy("abab"), 1e-9)
	assert.InDelta(t, 2.0, shannonEntropy("abcd"), 1e-9)
}

// Package fingerprint turns raw browser signals into a stable identity hash
// and a confidence score describing how much that hash can be trusted to
// single out one browser.
//
// Scoring never fails. Missing or degenerate signals only forfeit bonuses;
// automation indicators add suspicion tags, each of which costs a fixed
// penalty.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// entropyScale maps entropy bits onto the base confidence range.
	entropyScale = 20.0

	signalBonus      = 0.1
	suspicionPenalty = 0.2

	separator = "|"
)

// Suspicion tags reported in Result.SuspicionTags.
const (
	TagWebdriver           = "webdriver"
	TagHeadlessBrowser     = "headless-browser"
	TagNoPlugins           = "no-plugins"
	TagAutomationFramework = "automation-framework"
	TagZeroScreen          = "zero-screen"
	TagMissingUserAgent    = "missing-user-agent"
	TagBotUserAgent        = "bot-user-agent"
)

// Signals is the flat record of client-collected browser signals. Pointer and
// slice fields distinguish "not collected" (nil) from an explicit zero value.
type Signals struct {
	UserAgent           string   `json:"userAgent"`
	Language            string   `json:"language"`
	Platform            string   `json:"platform"`
	Timezone            string   `json:"timezone"`
	ScreenWidth         *int     `json:"screenWidth,omitempty"`
	ScreenHeight        *int     `json:"screenHeight,omitempty"`
	ColorDepth          int      `json:"colorDepth"`
	HardwareConcurrency int      `json:"hardwareConcurrency"`
	DeviceMemory        float64  `json:"deviceMemory"`
	Canvas              string   `json:"canvas"`
	WebGLVendor         string   `json:"webglVendor"`
	WebGLRenderer       string   `json:"webglRenderer"`
	Audio               string   `json:"audio"`
	Plugins             []string `json:"plugins"`
	Fonts               []string `json:"fonts"`
	TouchSupport        bool     `json:"touchSupport"`
	// Automation is a comma or space separated list of automation markers
	// detected client side, e.g. "webdriver,headless".
	Automation string `json:"automation"`
}

// Result is derived per request and never stored.
type Result struct {
	Hash          string   `json:"hash"`
	Confidence    float64  `json:"confidence"`
	EntropyBits   float64  `json:"entropyBits"`
	SuspicionTags []string `json:"suspicionTags"`
}

// Suspicious reports whether any automation indicator was found.
func (r Result) Suspicious() bool {
	return len(r.SuspicionTags) > 0
}

// ParseSignals decodes a raw payload. It reports false when the payload is
// empty, not JSON, or not a JSON object; callers fall back to IP identity.
func ParseSignals(raw []byte) (Signals, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Signals{}, false
	}
	var s Signals
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return Signals{}, false
	}
	return s, true
}

// ScoreRaw parses and scores a raw payload in one step.
func ScoreRaw(raw []byte) (Result, bool) {
	s, ok := ParseSignals(raw)
	if !ok {
		return Result{}, false
	}
	return Score(s), true
}

// Score computes the hash, entropy, confidence and suspicion tags for s.
func Score(s Signals) Result {
	canonical := s.canonical()
	bits := shannonEntropy(canonical)

	confidence := math.Min(bits/entropyScale, 1)
	if nonDegenerate(s.Canvas) {
		confidence += signalBonus
	}
	if nonDegenerate(s.WebGLVendor) || nonDegenerate(s.WebGLRenderer) {
		confidence += signalBonus
	}
	if strings.TrimSpace(s.Audio) != "" {
		confidence += signalBonus
	}
	confidence = math.Min(confidence, 1)

	tags := detectSuspicion(s)
	confidence -= float64(len(tags)) * suspicionPenalty

	return Result{
		Hash:          fmt.Sprintf("%016x", xxhash.Sum64String(canonical)),
		Confidence:    clamp(confidence),
		EntropyBits:   bits,
		SuspicionTags: tags,
	}
}

// BindingHash resolves the fingerprint a credit token is bound to. A JSON
// string is taken as an already computed hash; a JSON object is scored.
func BindingHash(raw []byte) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var hash string
		if err := json.Unmarshal(trimmed, &hash); err != nil {
			return "", false
		}
		hash = strings.TrimSpace(hash)
		return hash, hash != ""
	}
	res, ok := ScoreRaw(trimmed)
	if !ok {
		return "", false
	}
	return res.Hash, true
}

// canonical joins every signal in a fixed order so equal inputs always hash
// equally. List order is preserved; browsers report plugins and fonts in a
// stable order and the order itself carries signal.
func (s Signals) canonical() string {
	fields := []string{
		s.UserAgent,
		s.Language,
		s.Platform,
		s.Timezone,
		optionalInt(s.ScreenWidth),
		optionalInt(s.ScreenHeight),
		strconv.Itoa(s.ColorDepth),
		strconv.Itoa(s.HardwareConcurrency),
		strconv.FormatFloat(s.DeviceMemory, 'f', -1, 64),
		s.Canvas,
		s.WebGLVendor,
		s.WebGLRenderer,
		s.Audio,
		strings.Join(s.Plugins, ","),
		strings.Join(s.Fonts, ","),
		strconv.FormatBool(s.TouchSupport),
		s.Automation,
	}
	return strings.Join(fields, separator)
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// shannonEntropy returns the entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

var degenerateValues = map[string]bool{
	"":        true,
	"0":       true,
	"data:,":  true,
	"null":    true,
	"none":    true,
	"error":   true,
	"unknown": true,
	"blocked": true,
}

// nonDegenerate reports whether a digest looks like real rendering output
// rather than a blocked or placeholder value.
func nonDegenerate(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if degenerateValues[v] {
		return false
	}
	return distinctRunes(v) > 1
}

func distinctRunes(s string) int {
	seen := make(map[rune]struct{})
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return len(seen)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

var (
	automationFrameworks = []string{"selenium", "puppeteer", "playwright", "phantom", "nightmare", "cypress", "webdriverio"}
	botAgents            = []string{"bot", "crawler", "spider", "curl/", "wget/", "python-requests", "go-http-client", "httpclient", "okhttp"}
	headlessRenderers    = []string{"swiftshader", "llvmpipe"}
	mobileAgents         = []string{"mobile", "android", "iphone", "ipad"}
)

// detectSuspicion returns the sorted, de-duplicated automation tags for s.
func detectSuspicion(s Signals) []string {
	ua := strings.ToLower(s.UserAgent)
	flags := automationFlags(s.Automation)
	renderer := strings.ToLower(s.WebGLRenderer)

	set := make(map[string]struct{})
	add := func(tag string) { set[tag] = struct{}{} }

	if flags["webdriver"] {
		add(TagWebdriver)
	}
	if flags["headless"] || strings.Contains(ua, "headless") || containsAny(renderer, headlessRenderers) {
		add(TagHeadlessBrowser)
	}
	for _, fw := range automationFrameworks {
		if flags[fw] || strings.Contains(ua, fw) {
			add(TagAutomationFramework)
			break
		}
	}
	if s.Plugins != nil && len(s.Plugins) == 0 && !containsAny(ua, mobileAgents) {
		add(TagNoPlugins)
	}
	if (s.ScreenWidth != nil && *s.ScreenWidth <= 0) || (s.ScreenHeight != nil && *s.ScreenHeight <= 0) {
		add(TagZeroScreen)
	}
	if strings.TrimSpace(s.UserAgent) == "" {
		add(TagMissingUserAgent)
	} else if containsAny(ua, botAgents) {
		add(TagBotUserAgent)
	}

	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func automationFlags(raw string) map[string]bool {
	flags := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return r == ',' || r == ' ' || r == ';' || r == '|'
	}) {
		flags[f] = true
	}
	return flags
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

package burst

import (
	"sort"

	"gatekeeper/internal/models"
)

// Pattern tags reported in BurstResult.SuspicionTags.
const (
	TagRapidSuccession  = "rapid-succession"
	TagPersistentBurst  = "persistent-burst"
	TagExtremeBurst     = "extreme-burst"
	TagRegularIntervals = "automated-regular-intervals"
)

const (
	rapidGapMillis      = 500
	extremeSpanMillis   = 5000
	extremeCount        = 8
	persistentThreshold = 3

	// Scripts on a fixed timer produce near-identical gaps.
	regularVarianceMillis2 = 100.0
	regularMinGaps         = 5
	recentSamples          = 10
)

// windowLevels maps short, medium and long window violations to a level.
var windowLevels = [3]models.BurstLevel{models.BurstLow, models.BurstMedium, models.BurstHigh}

var tagLevels = map[string]models.BurstLevel{
	TagRapidSuccession:  models.BurstLow,
	TagRegularIntervals: models.BurstMedium,
	TagPersistentBurst:  models.BurstHigh,
	TagExtremeBurst:     models.BurstCritical,
}

// analyze inspects the request history and returns the pattern tags it
// exhibits. When recording, the history includes the request being evaluated.
func analyze(timestamps []int64, now int64, consecutiveViolations int) []string {
	sorted := timestamps
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var tags []string

	for i := 1; i < len(sorted); i++ {
		if sorted[i]-sorted[i-1] < rapidGapMillis {
			tags = append(tags, TagRapidSuccession)
			break
		}
	}

	if consecutiveViolations > persistentThreshold {
		tags = append(tags, TagPersistentBurst)
	}

	if countSince(sorted, now-extremeSpanMillis) > extremeCount {
		tags = append(tags, TagExtremeBurst)
	}

	recent := sorted
	if len(recent) > recentSamples {
		recent = recent[len(recent)-recentSamples:]
	}
	if len(recent)-1 >= regularMinGaps && gapVariance(recent) < regularVarianceMillis2 {
		tags = append(tags, TagRegularIntervals)
	}

	return tags
}

// gapVariance returns the population variance of consecutive gaps in ms².
func gapVariance(sorted []int64) float64 {
	n := len(sorted) - 1
	if n < 1 {
		return 0
	}
	var sum float64
	for i := 1; i < len(sorted); i++ {
		sum += float64(sorted[i] - sorted[i-1])
	}
	mean := sum / float64(n)

	var sq float64
	for i := 1; i < len(sorted); i++ {
		d := float64(sorted[i]-sorted[i-1]) - mean
		sq += d * d
	}
	return sq / float64(n)
}

// mergeTags returns the sorted union of two tag lists.
func mergeTags(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		set[t] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

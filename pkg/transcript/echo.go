package transcript

import "strings"

const (
	// echoWindow is the maximum |Δt0| between a mic segment and a system
	// segment for the mic side to count as leakage.
	echoWindow = 1.0

	// echoOverlapRatio is the inclusive word-overlap threshold.
	echoOverlapRatio = 0.7
)

// isEchoOf reports whether two texts are similar enough that the mic copy
// is presumed to be speaker leakage of the system output. Either text
// containing the other (at length ≥ 5) counts, as does word-set overlap of
// at least echoOverlapRatio relative to the smaller set. Empty strings are
// never echoes.
func isEchoOf(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return false
	}

	if len(a) >= 5 && strings.Contains(b, a) {
		return true
	}
	if len(b) >= 5 && strings.Contains(a, b) {
		return true
	}

	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return false
	}
	small, large := wa, wb
	if len(wb) < len(wa) {
		small, large = wb, wa
	}
	common := 0
	for w := range small {
		if _, ok := large[w]; ok {
			common++
		}
	}
	return float64(common)/float64(len(small)) >= echoOverlapRatio
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[w] = struct{}{}
	}
	return out
}

package manifest

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var threePart = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// parseCore strips a leading v and any pre-release/build suffix, and accepts
// only a numeric major.minor.patch.
func parseCore(s string) (*semver.Version, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		s = s[:i]
	}
	if !threePart.MatchString(s) {
		return nil, false
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Compare orders two version strings. Numeric major.minor.patch values are
// compared numerically with pre-release and build metadata ignored; anything
// else falls back to a lexicographic comparison of the trimmed strings.
// The result is negative, zero or positive.
func Compare(a, b string) int {
	va, okA := parseCore(a)
	vb, okB := parseCore(b)
	if okA && okB {
		return va.Compare(vb)
	}
	return strings.Compare(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Newer reports whether latest is strictly newer than current. An unknown
// current version is never considered outdated.
func Newer(current, latest string) bool {
	return current != "" && Compare(current, latest) < 0
}

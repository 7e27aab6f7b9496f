package helpers

import (
	"regexp"
	"strings"
)

var archivalPattern = regexp.MustCompile(`(?:^|/)(\d{4,14})(?:[a-z]{2}_)?/((?i:https?|ftp):/{1,2}.+)$`)

// ParseArchivalURL splits an archival replay URL such as
// "http://archive.example/web/20070101000000/http://example.org/" into its
// timestamp and original URL. ok is false for anything else.
func ParseArchivalURL(s string) (timestamp, original string, ok bool) {
	m := archivalPattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	original = m[2]
	// Proxies collapse the double slash after the scheme.
	if i := strings.Index(original, ":/"); i > 0 && !strings.HasPrefix(original[i:], "://") {
		original = original[:i] + "://" + original[i+2:]
	}
	return m[1], original, true
}

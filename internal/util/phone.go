package util

import (
	"regexp"
	"strings"
)

var phoneNoise = regexp.MustCompile(`[^\d+]+`)

// NormalizePhone drops formatting from a phone number and rewrites the 00
// international prefix to +. Numbers without a country code are left as is.
func NormalizePhone(raw string) string {
	s := phoneNoise.ReplaceAllString(strings.TrimSpace(raw), "")
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	// + is only meaningful in front
	if i := strings.LastIndex(s, "+"); i > 0 {
		s = s[:1] + strings.ReplaceAll(s[1:], "+", "")
	}
	return s
}

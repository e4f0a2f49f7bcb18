// Package sanitize scrubs internal detail from error text before it leaves
// the process. Applied at the gateway serialization boundary only; logs keep
// the raw messages.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	// Absolute unix paths with at least two segments, and Windows paths.
	pathRe = regexp.MustCompile(`(?:/[\w.@~+-]+){2,}/?|[A-Za-z]:\\[^\s"']+`)

	uuidRe = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)

	// Stack frame lines: "goroutine 12 [running]:", tab-indented call sites,
	// and "file.go:123" references.
	stackLineRe = regexp.MustCompile(`(?m)^(?:goroutine \d+ \[.*\]:|\s+.*\.go:\d+.*|.*\(0x[0-9a-f]+.*\))$`)
	fileLineRe  = regexp.MustCompile(`\b[\w./-]+\.go:\d+\b`)

	authMarkers = []string{
		"token", "password", "credential", "unauthorized", "auth", "signature", "api key", "apikey",
	}
)

// AuthFailedMessage replaces any auth-flavored error text.
const AuthFailedMessage = "AUTH_FAILED"

// Message scrubs one user-facing error string: auth text collapses to a
// generic marker; paths, UUIDs, and stack frames are masked.
func Message(s string) string {
	if s == "" {
		return s
	}
	if IsAuthRelated(s) {
		return AuthFailedMessage
	}
	s = stackLineRe.ReplaceAllString(s, "")
	s = fileLineRe.ReplaceAllString(s, "[path]")
	s = uuidRe.ReplaceAllString(s, "[id]")
	s = pathRe.ReplaceAllString(s, "[path]")
	s = strings.TrimSpace(regexp.MustCompile(`\n{2,}`).ReplaceAllString(s, "\n"))
	return s
}

// IsAuthRelated reports whether the text smells like an authentication
// failure and must not reach clients verbatim.
func IsAuthRelated(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

package jobs

import (
	"regexp"
	"strings"
)

const maxErrorMessageLen = 256

var (
	// Credentials can ride along in provider URLs and DSNs.
	secretQueryParam = regexp.MustCompile(`(?i)((?:api[-_]?key|token|secret|password)=)[^&\s"]+`)
	dsnPassword      = regexp.MustCompile(`(://[^:/\s]+:)[^@\s]+@`)
)

// SanitizeError renders err for storage on a job and for API responses:
// first line only, credentials redacted, bounded length.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	msg = secretQueryParam.ReplaceAllString(msg, "${1}REDACTED")
	msg = dsnPassword.ReplaceAllString(msg, "${1}REDACTED@")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen] + "..."
	}
	return msg
}

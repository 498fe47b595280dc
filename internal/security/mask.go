package security

import (
	"regexp"
	"strings"
)

// sensitivePatterns match credentials embedded in free text, such as a
// broker error echoing the request.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|access[_-]?token|request[_-]?token|bot[_-]?token|password)([=:\s]+["']?)([^\s"'&]+)`),
	regexp.MustCompile(`/bot[0-9]+:[A-Za-z0-9_-]+`),
}

// MaskCredential masks a credential value for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// Redact masks credentials found in s.
func Redact(s string) string {
	s = sensitivePatterns[0].ReplaceAllStringFunc(s, func(match string) string {
		m := sensitivePatterns[0].FindStringSubmatch(match)
		return m[1] + m[2] + MaskCredential(m[3])
	})
	return sensitivePatterns[1].ReplaceAllString(s, "/bot***")
}

// ContainsSensitiveData reports whether s carries a recognisable credential.
func ContainsSensitiveData(s string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Package security scrubs credentials out of text before it reaches the logs.
//
// Binaries routinely embed connection strings, keys and tokens in their data
// sections, and radare2 output echoes them verbatim. Tool output is therefore
// redacted before it is logged; the client always receives the raw output.
package security

import (
	"regexp"
	"unicode/utf8"
)

type redactRule struct {
	name    string
	regex   *regexp.Regexp
	replace string
}

// Redactor masks secrets in free-form text.
type Redactor struct {
	rules []redactRule
}

// NewRedactor creates a redactor with the default rules.
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactRule{
			{
				name:    "private_key",
				regex:   regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
				replace: "[REDACTED_PRIVATE_KEY]",
			},
			{
				name:    "aws_access_key",
				regex:   regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
				replace: "[REDACTED_AWS_KEY]",
			},
			{
				name:    "jwt_token",
				regex:   regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
				replace: "[REDACTED_JWT]",
			},
			{
				name:    "connection_string",
				regex:   regexp.MustCompile(`(?i)((?:mongodb|postgres|postgresql|mysql|redis|amqp|ftp)://[^:\s/@"']+:)[^@\s"']+(@)`),
				replace: "${1}[REDACTED]${2}",
			},
			{
				name:    "assignment",
				regex:   regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|api_secret|password|passwd|pwd|secret|token)\s*[=:]\s*["']?)[^\s"']{8,}`),
				replace: "${1}[REDACTED]",
			},
		},
	}
}

// Redact returns s with every recognised secret masked.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.regex.ReplaceAllString(s, rule.replace)
	}
	return s
}

// Detect returns the names of the rules that match s.
func (r *Redactor) Detect(s string) []string {
	var found []string
	for _, rule := range r.rules {
		if rule.regex.MatchString(s) {
			found = append(found, rule.name)
		}
	}
	return found
}

// Preview redacts s and cuts it to at most max bytes on a rune boundary.
func (r *Redactor) Preview(s string, max int) string {
	s = r.Redact(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

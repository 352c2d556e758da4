package logger

import (
	"io"
	"regexp"
)

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor redacts sensitive information from logs
type Redactor struct {
	rules []redactionRule
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			// Agent token as a JSON field or query parameter; key is kept so JSON lines stay valid
			{regexp.MustCompile(`("token"\s*:\s*")[^"]+`), "${1}[REDACTED]"},
			{regexp.MustCompile(`([?&]token=)[^&\s"]+`), "${1}[REDACTED]"},

			// Session cookies
			{regexp.MustCompile(`((?i:sessionid|csrftoken)=)[^;\s"]+`), "${1}[REDACTED]"},

			// Bearer tokens
			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`), "Bearer [REDACTED]"},

			// Passwords
			{regexp.MustCompile(`password["\s:=]+[^\s"]+`), "[REDACTED]"},

			// Generic secrets
			{regexp.MustCompile(`("shared_secret"\s*:\s*")[^"]+`), "${1}[REDACTED]"},
		},
	}
}

// AddPattern adds a custom redaction pattern; the whole match is replaced
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{pattern: re, replacement: "[REDACTED]"})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rule := range r.rules {
		result = rule.pattern.ReplaceAllString(result, rule.replacement)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers don't treat a shorter redacted line as a short write
func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}

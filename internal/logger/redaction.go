package logger

import (
	"io"
	"regexp"
	"sync"
)

const redactedMark = "[REDACTED]"

// Redactor scrubs credentials and registered literal values from log lines.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals map[string]*regexp.Regexp
}

// NewRedactor creates a redactor with the default credential patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Anthropic before OpenAI so the longer prefix wins
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
			regexp.MustCompile(`(?i)(api[_-]?key|password|pwd|secret)["\s:=]+[^\s",}]+`),
			regexp.MustCompile(`(?i)token["\s:=]+[a-zA-Z0-9._-]{20,}`),
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		},
		literals: make(map[string]*regexp.Regexp),
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.patterns = append(r.patterns, re)
	r.mu.Unlock()
	return nil
}

// AddLiteral scrubs exact occurrences of each value. Values shorter than
// three characters are ignored.
func (r *Redactor) AddLiteral(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		if len(v) < 3 {
			continue
		}
		if _, ok := r.literals[v]; ok {
			continue
		}
		r.literals[v] = regexp.MustCompile(regexp.QuoteMeta(v))
	}
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redactedMark)
	}
	for _, re := range r.literals {
		s = re.ReplaceAllString(s, redactedMark)
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success even though fewer bytes may reach the
// underlying writer after redaction.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

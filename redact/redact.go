// Package redact masks credentials that a model may echo back before the
// text reaches a user.
package redact

import "regexp"

// Placeholder replaces every masked secret.
const Placeholder = "[REDACTED]"

// Redactor replaces secret patterns in text.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New creates a Redactor with common credential patterns plus any extra
// expressions. An invalid extra expression is an error.
func New(extra ...string) (*Redactor, error) {
	r := &Redactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*[A-Za-z0-9/+=]{40}`),
			regexp.MustCompile(`gh[ps]_[A-Za-z0-9_]{36,}`),
			regexp.MustCompile(`sk-(proj-)?[A-Za-z0-9_-]{20,}`),
			regexp.MustCompile(`xox[abpr]-[A-Za-z0-9-]{10,}`),
			regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
			regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret)\s*[=:]\s*['"][A-Za-z0-9]{16,}['"]`),
		},
	}
	for _, expr := range extra {
		p, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		r.patterns = append(r.patterns, p)
	}
	return r, nil
}

// Redact returns s with every match replaced by Placeholder, and whether
// anything was replaced.
func (r *Redactor) Redact(s string) (string, bool) {
	result := s
	redacted := false
	for _, p := range r.patterns {
		if p.MatchString(result) {
			result = p.ReplaceAllString(result, Placeholder)
			redacted = true
		}
	}
	return result, redacted
}

// Transform is Redact without the report, for use as a post-process step.
func (r *Redactor) Transform(s string) string {
	out, _ := r.Redact(s)
	return out
}

// Package redact sanitizes outbound text (event data, command output,
// text artifacts) against a configured list of secret patterns before it
// ever reaches the event log, a command result, or an artifact body.
package redact

import (
	"fmt"
	"regexp"
)

const replacement = "<REDACTED>"

// Redactor applies a fixed set of compiled patterns to text. Patterns are
// process configuration (GatewayConfig.SecretPatterns), never per-run.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New compiles the given regex patterns. A malformed pattern is a startup
// error — a redactor that silently drops a bad pattern would ship secrets.
func New(patterns []string) (*Redactor, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact: invalid pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Redactor{patterns: compiled}, nil
}

// Apply replaces every match of every configured pattern with <REDACTED>.
// It is deterministic and has no knowledge of which run or chunk it is
// operating on — §4.9's "process config, not per-run" requirement.
func (r *Redactor) Apply(text string) string {
	out := text
	for _, re := range r.patterns {
		out = re.ReplaceAllString(out, replacement)
	}
	return out
}

// ApplyBytes is Apply for a []byte chunk, avoiding a string copy when the
// caller already holds a byte slice (stdout/stderr reads).
func (r *Redactor) ApplyBytes(data []byte) []byte {
	out := data
	for _, re := range r.patterns {
		out = re.ReplaceAll(out, []byte(replacement))
	}
	return out
}

// Default patterns mirror config.setDefaults' gateway.secretPatterns, kept
// here so callers that construct a Redactor outside of config loading
// (tests, CLI tools) still get baseline coverage.
var Default = []string{
	`(?i)sk-[a-zA-Z0-9]{20,}`,
	`(?i)bearer\s+[a-zA-Z0-9._-]+`,
	`(?i)api[_-]?key["']?\s*[:=]\s*["']?[a-zA-Z0-9._-]{16,}`,
}

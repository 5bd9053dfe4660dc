package security

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"

	"github.com/latchwork/latch/pkg/eventstore"
)

// RedactionMode selects what happens when the scanner matches.
type RedactionMode string

const (
	// RedactionModeRedact masks matches in place and marks the event.
	RedactionModeRedact RedactionMode = "redact"
	// RedactionModeReject refuses to persist the event at all.
	RedactionModeReject RedactionMode = "reject"
)

// Valid reports whether m is a known mode.
func (m RedactionMode) Valid() bool {
	return m == RedactionModeRedact || m == RedactionModeReject
}

type secretPattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// valuePatterns match secret material by shape, independent of which field
// carries it. Compiled once at init.
var valuePatterns = []secretPattern{
	{"certificate", regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`), "__MASKED_CERTIFICATE__"},
	{"ssh_key", regexp.MustCompile(`ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`), "__MASKED_SSH_KEY__"},
	{"aws_access_key", regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`), "__MASKED_AWS_KEY__"},
	{"github_token", regexp.MustCompile(`gh[ps]_[A-Za-z0-9_]{36,255}`), "__MASKED_GITHUB_TOKEN__"},
	{"slack_token", regexp.MustCompile(`(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`), "__MASKED_SLACK_TOKEN__"},
	{"bearer_token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.=]{20,}`), "__MASKED_BEARER_TOKEN__"},
}

// sensitiveKeyPattern matches field names whose string values are secret by
// convention regardless of shape.
var sensitiveKeyPattern = regexp.MustCompile(
	`(?i)^(?:api[_-]?key|apikey|password|pwd|passwd|token|access[_-]?token|refresh[_-]?token|private[_-]?key|secret(?:[_-]?key)?|authorization|credentials?)$`)

const sensitiveFieldPatternName = "sensitive_field"

// minSecretValueLen keeps short non-secret values ("on", "none") out of
// field-name matches.
const minSecretValueLen = 6

// Redactor scans event data for secret material at append time. It is the
// kernel's eventstore.SecretScanner. Stateless aside from compiled
// patterns, safe for concurrent use.
type Redactor struct {
	mode RedactionMode
}

func NewRedactor(mode RedactionMode) *Redactor {
	if !mode.Valid() {
		mode = RedactionModeRedact
	}
	return &Redactor{mode: mode}
}

// ScanEvent walks the JSON document, masking string values that match a
// pattern (or whose field name is sensitive). In reject mode any match
// refuses the event instead.
func (r *Redactor) ScanEvent(_ context.Context, _ string, data json.RawMessage) (*eventstore.ScanResult, error) {
	if len(data) == 0 {
		return &eventstore.ScanResult{}, nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode event data for scanning: %w", err)
	}

	matched := make(map[string]bool)
	cleaned := redactValue(doc, "", matched)
	if len(matched) == 0 {
		return &eventstore.ScanResult{}, nil
	}

	patterns := slices.Sorted(maps.Keys(matched))
	if r.mode == RedactionModeReject {
		return &eventstore.ScanResult{Matched: true, Patterns: patterns, Reject: true}, nil
	}

	redacted, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode redacted event data: %w", err)
	}
	return &eventstore.ScanResult{Matched: true, Patterns: patterns, Redacted: redacted}, nil
}

func redactValue(v any, key string, matched map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = redactValue(child, k, matched)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = redactValue(child, key, matched)
		}
		return t
	case string:
		return redactString(t, key, matched)
	default:
		return v
	}
}

func redactString(s, key string, matched map[string]bool) string {
	if key != "" && len(s) >= minSecretValueLen && sensitiveKeyPattern.MatchString(key) {
		matched[sensitiveFieldPatternName] = true
		return "__MASKED_SECRET__"
	}
	out := s
	for _, p := range valuePatterns {
		if p.re.MatchString(out) {
			matched[p.name] = true
			out = p.re.ReplaceAllString(out, p.replacement)
		}
	}
	return out
}

package masking

import "log/slog"

// Redactor scrubs credential material from text before it is persisted or
// sent to the operator. Created once at startup. Thread-safe and stateless
// aside from compiled patterns.
type Redactor struct {
	patterns []*CompiledPattern
}

// NewRedactor compiles the builtin pattern set. Patterns are compiled
// eagerly at creation time; an invalid pattern is logged and skipped.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range builtinPatterns() {
		compiled, err := compile(p)
		if err != nil {
			slog.Error("Failed to compile redaction pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, compiled)
	}

	slog.Debug("Redactor initialized", "patterns", len(r.patterns))
	return r
}

// Redact replaces every credential-shaped substring with the Redacted
// marker. Safe to apply repeatedly: redacting already-redacted text is a
// no-op.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return text
	}
	for _, p := range r.patterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}

package masking

import "regexp"

// Redacted is the replacement marker for credential material. It never
// matches any builtin pattern, which keeps redaction idempotent.
const Redacted = "[REDACTED]"

// Pattern is one named redaction rule. Replacement may reference capture
// groups to preserve the surrounding key while wiping the value.
type Pattern struct {
	Name        string
	Pattern     string
	Replacement string
	Description string
}

// CompiledPattern is a Pattern whose regex compiled successfully.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

func compile(p Pattern) (*CompiledPattern, error) {
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return nil, err
	}
	return &CompiledPattern{Name: p.Name, Regex: re, Replacement: p.Replacement}, nil
}

// builtinPatterns lists the credential shapes scrubbed from operator
// conversation text and session captures. Order matters: structural
// multi-line shapes run before the generic key=value sweeps.
func builtinPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "pem_block",
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: Redacted,
			Description: "PEM certificate/key blocks",
		},
		{
			Name:        "ssh_key",
			Pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
			Replacement: Redacted,
			Description: "SSH public keys",
		},
		{
			Name:        "slack_token",
			Pattern:     `(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
			Replacement: Redacted,
			Description: "Slack tokens",
		},
		{
			Name:        "github_token",
			Pattern:     `gh[pousr]_[A-Za-z0-9_]{36,255}`,
			Replacement: Redacted,
			Description: "GitHub tokens",
		},
		{
			Name:        "sk_key",
			Pattern:     `\bsk-[A-Za-z0-9_\-]{16,}`,
			Replacement: Redacted,
			Description: "sk-prefixed API keys",
		},
		{
			Name:        "aws_access_key",
			Pattern:     `\bAKIA[A-Z0-9]{16}\b`,
			Replacement: Redacted,
			Description: "AWS access key IDs",
		},
		{
			Name:        "aws_secret_key",
			Pattern:     `(?i)(aws[_-]?secret[_-]?access[_-]?key["']?\s*[:=]\s*["']?)([A-Za-z0-9/+=]{40})(["']?)`,
			Replacement: "${1}" + Redacted + "${3}",
			Description: "AWS secret keys",
		},
		{
			Name:        "bearer",
			Pattern:     `(?i)(bearer\s+)([A-Za-z0-9_\-\.]{20,})`,
			Replacement: "${1}" + Redacted,
			Description: "Bearer tokens",
		},
		{
			Name:        "api_key",
			Pattern:     `(?i)((?:api[_-]?key|apikey|access[_-]?key|auth[_-]?key)["']?\s*[:=]\s*["']?)([A-Za-z0-9_\-]{16,})(["']?)`,
			Replacement: "${1}" + Redacted + "${3}",
			Description: "API keys",
		},
		{
			Name:        "token",
			Pattern:     `(?i)((?:token|secret)["']?\s*[:=]\s*["']?)([A-Za-z0-9_\-\.]{16,})(["']?)`,
			Replacement: "${1}" + Redacted + "${3}",
			Description: "Generic tokens and secrets",
		},
		{
			Name:        "password",
			Pattern:     `(?i)((?:password|passwd|pwd)["']?\s*[:=]\s*["']?)([^"'\s\n]{6,})(["']?)`,
			Replacement: "${1}" + Redacted + "${3}",
			Description: "Passwords",
		},
	}
}

package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// templates with {{.VAR_NAME}} syntax rather than $-substitution.
//
// The config file routinely contains literal $ characters that must
// survive loading untouched: credential-masking regexes (^sk-.*$),
// cron-adjacent shell snippets in project notes, and tokens pasted with
// $ in them. Template syntax sidesteps all of that.
//
// Examples:
//   - {{.SLACK_TOKEN}} → value of SLACK_TOKEN
//   - {{.SMS_BRIDGE_URL}}/inbound → expanded URL with suffix
//   - pattern: "key_${ID}" → preserved literally
//
// Missing variables expand to an empty string; validation catches
// required fields left empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// Malformed template syntax: hand the original bytes to the YAML
		// parser, which produces the clearer error.
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		// Split on the first = only; values may contain =.
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}

	return buf.Bytes()
}

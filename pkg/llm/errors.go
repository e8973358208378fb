package llm

import (
	"errors"
	"fmt"
)

// Error kinds reported by the gateway. Non-zero exits use the dynamic
// kind built by exitKind ("EXIT_<code>").
const (
	KindTimeout   = "ETIMEDOUT"
	KindExecError = "EXEC_ERROR"
)

// stderrLimit caps how much captured stderr a CallError carries.
const stderrLimit = 500

// CallError describes a failed CLI invocation.
type CallError struct {
	Kind   string // ETIMEDOUT, EXIT_<code> or EXEC_ERROR
	Stderr string // first stderrLimit chars of captured stderr
	Err    error
}

func (e *CallError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("claude call failed (%s): %s", e.Kind, e.Stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("claude call failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("claude call failed (%s)", e.Kind)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func exitKind(code int) string {
	return fmt.Sprintf("EXIT_%d", code)
}

// ErrorKind extracts the gateway error kind from err, or "" when err did
// not originate from a gateway call.
func ErrorKind(err error) string {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind
	}
	return ""
}

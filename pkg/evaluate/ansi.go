package evaluate

import (
	"regexp"
	"strings"
)

// Terminal escape shapes: CSI sequences (colors, cursor movement) and
// OSC sequences (titles, hyperlinks) terminated by BEL or ST.
var (
	csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscPattern = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
)

// StripANSI removes escape sequences and stray control bytes from pane
// captures, keeping newlines and tabs.
func StripANSI(s string) string {
	s = csiPattern.ReplaceAllString(s, "")
	s = oscPattern.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r >= 0x20 {
			return r
		}
		return -1
	}, s)
}

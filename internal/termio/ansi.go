// Package termio holds the byte-stream helpers shared by local terminals,
// remote terminals and the chat wrapper: escape stripping, localhost port
// detection and a bounded scrollback buffer.
package termio

import "regexp"

// ansiRe matches CSI sequences (ESC [ params letter) and BEL-terminated OSC
// sequences (ESC ] ... BEL).
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]|\x1b\].*?\x07`)

// StripANSI removes CSI and OSC escape sequences from s.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

package terminal

import (
	"os"
	"strings"
)

// FallbackShell is used when neither an override nor $SHELL is set.
const FallbackShell = "/bin/zsh"

// knownCLIs maps tool names to the label shown for their sessions.
var knownCLIs = map[string]string{
	"claude": "Claude Code",
	"gemini": "Gemini CLI",
	"codex":  "Codex CLI",
}

// ResolveCommand maps a user command to the program to run, its arguments
// and a display label.
//
// "", "shell", "bash" and "zsh" start the user's shell: shellOverride when
// set, otherwise $SHELL, otherwise FallbackShell. Known AI CLIs run without
// arguments. Anything else is split on whitespace.
func ResolveCommand(cmd, shellOverride string) (program string, args []string, label string) {
	cmd = strings.TrimSpace(cmd)
	switch cmd {
	case "", "shell", "bash", "zsh":
		shell := shellOverride
		if shell == "" {
			shell = os.Getenv("SHELL")
		}
		if shell == "" {
			shell = FallbackShell
		}
		return shell, nil, lastSegment(shell)
	}
	if label, ok := knownCLIs[cmd]; ok {
		return cmd, nil, label
	}
	fields := strings.Fields(cmd)
	return fields[0], fields[1:], lastSegment(fields[0])
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

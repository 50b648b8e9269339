package terminal

import (
	"os"
	"sort"
	"strings"
)

// Identification exported to child processes.
const (
	TermProgram        = "Kodiq"
	TermProgramVersion = "0.1.0"
)

// BuildEnv returns the environment for a child started on a pty: the parent
// environment, the terminal identification variables, the platform
// variables from platformEnv, and finally overrides.
func BuildEnv(overrides map[string]string) []string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	for _, k := range []string{"PATH", "HOME"} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	env["TERM_PROGRAM"] = TermProgram
	env["TERM_PROGRAM_VERSION"] = TermProgramVersion
	platformEnv(env)
	for k, v := range overrides {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// defaultCwd is the directory a child starts in when none is given.
func defaultCwd() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}

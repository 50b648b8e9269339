//go:build !windows

package terminal

func platformEnv(env map[string]string) {
	env["TERM"] = "xterm-256color"
	env["COLORTERM"] = "truecolor"
	env["BASH_SILENCE_DEPRECATION_WARNING"] = "1"
}

//go:build windows

package terminal

import "os/exec"

// Windows has no hang-up signal; closing the pty is what ends the child.
func hangup(*exec.Cmd) {}

func kill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

//go:build !windows

package terminal

import (
	"os/exec"
	"syscall"
)

// hangup delivers SIGHUP to the child's process group. pty.Start puts the
// child in its own session, so the group id equals its pid.
func hangup(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGHUP)
}

func kill(cmd *exec.Cmd) {
	signalGroup(cmd, syscall.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

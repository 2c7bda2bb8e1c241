//go:build unix

package execcmd

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup places the child in its own process group so that a
// cancelled command takes its descendants with it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
}

// TerminateGroup sends sig to the process group led by pid.
func TerminateGroup(pid int, graceful bool) error {
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	return syscall.Kill(-pid, sig)
}

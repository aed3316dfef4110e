//go:build unix

// Process-group kill: Setpgid on start, then signal the negative pgid to
// reach every descendant.
package procrunner

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree sends SIGTERM to the whole process group, giving children
// a chance to exit cleanly. When the runner context is cancelled (on
// timeout, or once the runner returns), CommandContext also kills the
// immediate child; an explicit job cancel sends only this SIGTERM.
func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		return
	}
	_ = unix.Kill(-pgid, syscall.SIGTERM)
}

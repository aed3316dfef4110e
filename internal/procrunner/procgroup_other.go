//go:build !unix

package procrunner

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}

// killProcessTree falls back to single-process signalling on platforms
// without a process-group kill primitive.
func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

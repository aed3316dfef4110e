package api

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openTarget spawns the platform-appropriate opener for target ("folder",
// "terminal", "vscode") against absPath. This is deliberately a best-effort,
// fire-and-forget spawn, not a streamed job.
func openTarget(target, absPath string) error {
	var cmd *exec.Cmd
	switch target {
	case "folder":
		cmd = folderOpener(absPath)
	case "terminal":
		cmd = terminalOpener(absPath)
	case "vscode":
		cmd = exec.Command("code", absPath)
	default:
		return fmt.Errorf("unsupported open target %q", target)
	}
	return cmd.Start()
}

func folderOpener(path string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", path)
	case "windows":
		return exec.Command("explorer", path)
	default:
		return exec.Command("xdg-open", path)
	}
}

func terminalOpener(path string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", "-a", "Terminal", path)
	case "windows":
		return exec.Command("cmd", "/C", "start", "cmd", "/K", "cd /d "+path)
	default:
		return exec.Command("x-terminal-emulator", "--working-directory="+path)
	}
}

// Package depsinstall detects the JS package manager for a repo and builds
// its install command.
package depsinstall

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	"localgitd/internal/jobs"
	"localgitd/internal/procrunner"
)

// Manager is one of the supported JS package managers.
type Manager string

const (
	ManagerAuto Manager = "auto"
	ManagerNPM  Manager = "npm"
	ManagerPNPM Manager = "pnpm"
	ManagerYarn Manager = "yarn"
)

// Mode selects install vs. CI-reproducible semantics.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeCI      Mode = "ci"
	ModeInstall Mode = "install"
)

type packageJSON struct {
	PackageManager string `json:"packageManager"`
}

// Detect picks the manager to use for repoDir: the package.json
// packageManager field (if the named tool is installed) → lockfile presence
// (pnpm/yarn/npm in that order) → npm fallback.
func Detect(repoDir string, requested Manager) Manager {
	if requested != "" && requested != ManagerAuto {
		return requested
	}

	if b, err := os.ReadFile(filepath.Join(repoDir, "package.json")); err == nil {
		var pj packageJSON
		if json.Unmarshal(b, &pj) == nil && pj.PackageManager != "" {
			name := pj.PackageManager
			if i := indexOfAt(name); i >= 0 {
				name = name[:i]
			}
			m := Manager(name)
			if (m == ManagerPNPM || m == ManagerYarn || m == ManagerNPM) && toolInstalled(string(m)) {
				return m
			}
		}
	}

	if fileExists(filepath.Join(repoDir, "pnpm-lock.yaml")) {
		return ManagerPNPM
	}
	if fileExists(filepath.Join(repoDir, "yarn.lock")) {
		return ManagerYarn
	}
	if fileExists(filepath.Join(repoDir, "package-lock.json")) {
		return ManagerNPM
	}
	return ManagerNPM
}

func indexOfAt(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return i
		}
	}
	return -1
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func toolInstalled(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// BuildCommand applies the per-manager install-flag rules and returns the
// argv (without the manager binary name itself).
func BuildCommand(m Manager, repoDir string, mode Mode, safer bool) []string {
	lockfilePresent := false
	berryDetected := fileExists(filepath.Join(repoDir, ".yarnrc.yml"))

	switch m {
	case ManagerNPM:
		lockfilePresent = fileExists(filepath.Join(repoDir, "package-lock.json"))
		args := []string{"ci"}
		if !lockfilePresent || mode == ModeInstall {
			args = []string{"install"}
		}
		if safer {
			args = append(args, "--ignore-scripts")
		}
		return args

	case ManagerPNPM:
		lockfilePresent = fileExists(filepath.Join(repoDir, "pnpm-lock.yaml"))
		args := []string{"install"}
		if mode == ModeCI || (mode == ModeAuto && lockfilePresent) {
			args = append(args, "--frozen-lockfile")
		}
		if safer {
			args = append(args, "--ignore-scripts")
		}
		return args

	case ManagerYarn:
		lockfilePresent = fileExists(filepath.Join(repoDir, "yarn.lock"))
		args := []string{"install"}
		if mode == ModeCI || (mode == ModeAuto && lockfilePresent) || berryDetected {
			args = append(args, "--immutable")
		}
		if safer {
			args = append(args, "--ignore-scripts")
		}
		return args
	}

	return []string{"install"}
}

// Runner returns a jobs.Runner that installs dependencies for repoDir using
// manager m.
func Runner(m Manager, repoDir string, mode Mode, safer bool) jobs.Runner {
	args := BuildCommand(m, repoDir, mode, safer)
	return func(rc *jobs.RunnerContext) error {
		rc.Progress("deps", 0, "installing with "+string(m))
		return procrunner.Run(rc, string(m), args, repoDir)
	}
}

// HasPackageJSON reports whether repoDir contains a package.json, the
// precondition deps/install asserts before enqueueing.
func HasPackageJSON(repoDir string) bool {
	return fileExists(filepath.Join(repoDir, "package.json"))
}

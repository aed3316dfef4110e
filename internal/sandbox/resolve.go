package sandbox

import (
	"os"
	"path/filepath"
	"strings"
)

func statPath(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// canonicalize resolves path to an absolute, symlink-free form. The path
// must already exist.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// canonicalizeExistingOrParent canonicalises path if it exists. Otherwise it
// walks upward to the nearest existing ancestor, canonicalises that ancestor
// (so a symlink anywhere on the existing prefix is still caught), and
// rejoins the non-existing suffix on top of the canonical ancestor. Returns
// existed=true when path itself was found on disk.
func canonicalizeExistingOrParent(path string) (result string, existed bool, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, err
	}
	if _, statErr := os.Stat(abs); statErr == nil {
		canon, err := filepath.EvalSymlinks(abs)
		return canon, true, err
	}

	ancestor := abs
	var suffix []string
	for {
		if _, statErr := os.Lstat(ancestor); statErr == nil {
			break
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			break
		}
		suffix = append([]string{filepath.Base(ancestor)}, suffix...)
		ancestor = parent
	}

	canonAncestor, err := filepath.EvalSymlinks(ancestor)
	if err != nil {
		return "", false, err
	}
	if len(suffix) == 0 {
		return canonAncestor, false, nil
	}
	return filepath.Join(canonAncestor, strings.Join(suffix, string(filepath.Separator))), false, nil
}

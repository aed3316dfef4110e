package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveInsideWorkspaceRejectsEscape(t *testing.T) {
	root := t.TempDir()
	if _, err := ResolveInsideWorkspace(root, "../escape", true); err != ErrOutsideWorkspace {
		t.Fatalf("expected ErrOutsideWorkspace, got %v", err)
	}
}

func TestResolveInsideWorkspaceRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "escape-link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	if _, err := ResolveInsideWorkspace(root, "escape-link/sub", true); err != ErrOutsideWorkspace {
		t.Fatalf("expected ErrOutsideWorkspace for symlink escape, got %v", err)
	}
}

func TestResolveInsideWorkspaceAllowsDescendant(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "repo"), 0o755); err != nil {
		t.Fatal(err)
	}

	resolved, err := ResolveInsideWorkspace(root, "repo", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	canonRoot, _ := canonicalize(root)
	if filepath.Dir(resolved) != canonRoot {
		t.Fatalf("resolved path %q not under root %q", resolved, canonRoot)
	}
}

func TestResolveInsideWorkspaceMissingPath(t *testing.T) {
	root := t.TempDir()
	if _, err := ResolveInsideWorkspace(root, "nope", false); err != ErrMissingPath {
		t.Fatalf("expected ErrMissingPath, got %v", err)
	}
}

func TestResolveInsideWorkspaceNoRoot(t *testing.T) {
	if _, err := ResolveInsideWorkspace("", "x", true); err != ErrWorkspaceRequired {
		t.Fatalf("expected ErrWorkspaceRequired, got %v", err)
	}
}

func TestEnsureRelative(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"repo", false},
		{"a/b", false},
		{"/abs", true},
		{"..", true},
		{"../x", true},
		{".", true},
	}
	for _, c := range cases {
		err := EnsureRelative(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("EnsureRelative(%q) error=%v, wantErr=%v", c.in, err, c.wantErr)
		}
	}
}

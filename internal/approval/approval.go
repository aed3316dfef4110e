// Package approval implements the capability-approval predicate and the
// interactive grant flow that backs it. The predicate itself is a thin
// wrapper over config.Config's persisted approvals; this package owns only
// the TTY-prompt side effect, kept separate so the HTTP layer depends on a
// narrow interface instead of config directly.
package approval

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"localgitd/internal/config"
)

// Capability names recognised by the policy.
const (
	CapOpenTerminal = "open-terminal"
	CapOpenVSCode   = "open-vscode"
	CapDepsInstall  = "deps/install"
)

// Policy evaluates and grants capability approvals against a shared config.
type Policy struct {
	cfg *config.Config
	log *log.Logger

	// prompt is overridable in tests; defaults to promptTTY.
	prompt func(question string) (bool, error)
}

func NewPolicy(cfg *config.Config, logger *log.Logger) *Policy {
	return &Policy{cfg: cfg, log: logger, prompt: promptTTY}
}

// HasApproval reports whether origin already holds capability for the given
// absolute repo path.
func (p *Policy) HasApproval(origin, absoluteRepoPath, capability, workspaceRoot string) bool {
	return p.cfg.HasApproval(origin, absoluteRepoPath, capability, workspaceRoot)
}

// EnsureApproval checks for an existing grant and, on a miss, runs the
// interactive prompt flow. A wildcard entry is written back on acceptance
// so future requests for any path under the workspace succeed without
// re-prompting.
func (p *Policy) EnsureApproval(origin, absoluteRepoPath, capability, workspaceRoot string) (bool, error) {
	if p.HasApproval(origin, absoluteRepoPath, capability, workspaceRoot) {
		return true, nil
	}

	question := fmt.Sprintf("Allow origin %q to use capability %q? [y/N] ", origin, capability)
	granted, err := p.prompt(question)
	if err != nil {
		p.log.Printf("approval prompt unavailable for %s/%s: %v", origin, capability, err)
		return false, nil
	}
	if !granted {
		return false, nil
	}

	p.cfg.AddApproval(origin, "*", capability, time.Now().UTC().Format(time.RFC3339))
	if err := p.cfg.Save(); err != nil {
		return false, err
	}
	return true, nil
}

// promptTTY asks question on the controlling terminal if stdio is a TTY,
// reading a single line and treating "y"/"yes" (any case) as affirmative.
// When stdin is not a TTY, no prompt is possible and the grant is refused.
func promptTTY(question string) (bool, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return false, fmt.Errorf("approval: stdin is not a terminal")
	}
	fmt.Fprint(os.Stdout, question)
	return readYesNo(os.Stdin)
}

func readYesNo(r io.Reader) (bool, error) {
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

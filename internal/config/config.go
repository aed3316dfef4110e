// Package config loads and persists the daemon's process-wide configuration.
// Bootstrap values come from the environment; the file itself is read and
// written with an atomic tmp-then-rename pattern.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	LoopbackHost = "127.0.0.1"
	configFile   = "config.json"
)

// Approval is a persisted capability grant for an origin.
type Approval struct {
	Origin       string   `json:"origin"`
	RepoPath     string   `json:"repoPath"` // empty or "*" means wildcard
	Capabilities []string `json:"capabilities"`
	ApprovedAt   string   `json:"approvedAt"`
}

type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertPath string `json:"certPath"`
	KeyPath  string `json:"keyPath"`
	Port     int    `json:"port"`
}

// Config is the single in-memory value owned by main and written back
// whenever approvals change. Issuing or revoking a token does not write this
// file; tokens are persisted separately by tokenstore.
type Config struct {
	ServerHost string    `json:"serverHost"`
	ServerPort int       `json:"serverPort"`
	TLS        TLSConfig `json:"tls"`

	OriginAllowlist []string `json:"originAllowlist"`
	WorkspaceRoot   string   `json:"workspaceRoot"`

	PairingTokenTTLDays int  `json:"pairingTokenTtlDays"`
	JobsMaxConcurrent   int  `json:"jobsMaxConcurrent"`
	JobsTimeoutSeconds  int  `json:"jobsTimeoutSeconds"`
	DepsDefaultSafer    bool `json:"depsDefaultSafer"`

	Approvals []Approval `json:"approvals"`

	mu   sync.Mutex
	path string
}

// Default returns the built-in defaults before environment overrides.
func Default() Config {
	return Config{
		ServerHost:          LoopbackHost,
		ServerPort:          8765,
		PairingTokenTTLDays: 30,
		JobsMaxConcurrent:   1,
		JobsTimeoutSeconds:  3600,
		DepsDefaultSafer:    true,
	}
}

// Dir resolves the OS-appropriate config directory, honoring the
// GIT_DAEMON_CONFIG_DIR override per the persisted-layout contract.
func Dir() (string, error) {
	if v := strings.TrimSpace(os.Getenv("GIT_DAEMON_CONFIG_DIR")); v != "" {
		return v, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "localgitd"), nil
}

// Load reads config.json from dir, falling back to defaults when the file
// is absent. Callers still need to apply env-var overrides via ApplyEnv.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, configFile)

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.path = path
			return &cfg, nil
		}
		return nil, err
	}
	loaded := Default()
	if err := json.Unmarshal(b, &loaded); err != nil {
		return nil, err
	}
	loaded.path = path
	return &loaded, nil
}

// ApplyEnv layers environment-variable overrides onto cfg, applied after
// the file-backed defaults are loaded.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("GIT_DAEMON_HOST")); v != "" {
		c.ServerHost = v
	}
	if v := strings.TrimSpace(os.Getenv("GIT_DAEMON_ORIGINS")); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		c.OriginAllowlist = parts
	}
	if v := strings.TrimSpace(os.Getenv("GIT_DAEMON_WORKSPACE")); v != "" {
		c.WorkspaceRoot = v
	}
}

// Validate enforces the startup-misconfiguration invariants: an empty
// allowlist, a non-loopback host, or TLS enabled without key/cert paths
// are all fatal.
func (c *Config) Validate() error {
	if c.ServerHost != LoopbackHost && c.ServerHost != "localhost" {
		return errors.New("serverHost must be a loopback literal")
	}
	if len(c.OriginAllowlist) == 0 {
		return errors.New("originAllowlist must not be empty")
	}
	if c.TLS.Enabled && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		return errors.New("tls enabled without certPath/keyPath")
	}
	if c.JobsMaxConcurrent < 1 {
		return errors.New("jobs.maxConcurrent must be >= 1")
	}
	if c.JobsTimeoutSeconds <= 0 {
		return errors.New("jobs.timeoutSeconds must be > 0")
	}
	return nil
}

// Save persists cfg to its backing path atomically: write a .tmp sibling
// and rename over the target, so a concurrent reader never observes a torn
// write.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" {
		return errors.New("config has no backing path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// AddApproval unions capability sets for (origin, repoPath) idempotently:
// concurrent grants for the same origin collapse into a single entry
// instead of duplicating rows.
func (c *Config) AddApproval(origin, repoPath, capability, approvedAt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Approvals {
		a := &c.Approvals[i]
		if a.Origin != origin || a.RepoPath != repoPath {
			continue
		}
		for _, existing := range a.Capabilities {
			if existing == capability {
				return
			}
		}
		a.Capabilities = append(a.Capabilities, capability)
		return
	}
	c.Approvals = append(c.Approvals, Approval{
		Origin:       origin,
		RepoPath:     repoPath,
		Capabilities: []string{capability},
		ApprovedAt:   approvedAt,
	})
}

// HasApproval reports whether some entry has the same origin and contains
// capability, and its repoPath is wildcard/absent, equals absoluteRepoPath,
// or (when relative) resolves under root to it.
func (c *Config) HasApproval(origin, absoluteRepoPath, capability, workspaceRoot string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.Approvals {
		if a.Origin != origin {
			continue
		}
		if !containsStr(a.Capabilities, capability) {
			continue
		}
		if a.RepoPath == "" || a.RepoPath == "*" {
			return true
		}
		if a.RepoPath == absoluteRepoPath {
			return true
		}
		if !filepath.IsAbs(a.RepoPath) && workspaceRoot != "" {
			if filepath.Join(workspaceRoot, a.RepoPath) == absoluteRepoPath {
				return true
			}
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

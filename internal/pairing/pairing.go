// Package pairing implements the short-lived origin-to-code handshake that
// precedes token issuance. Codes live only in memory — never persisted —
// and are single-use: generate once, wait once, discard.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNoPendingCode is returned when Confirm is called for an origin with no
// outstanding, unexpired pairing code.
var ErrNoPendingCode = errors.New("pairing: no pending code for origin")

// ErrCodeMismatch is returned when the presented code doesn't match the
// pending one for that origin.
var ErrCodeMismatch = errors.New("pairing: code does not match")

const codeTTL = 10 * time.Minute

type entry struct {
	code      string
	expiresAt time.Time
}

// Manager holds at most one pending code per origin.
type Manager struct {
	mu      sync.Mutex
	pending map[string]entry
}

func NewManager() *Manager {
	return &Manager{pending: make(map[string]entry)}
}

// Start mints a fresh pairing code for origin, replacing any prior pending
// code for that origin, and returns it along with its expiry.
func (m *Manager) Start(origin string) (string, time.Time, error) {
	code, err := generateCode()
	if err != nil {
		return "", time.Time{}, err
	}
	expires := time.Now().Add(codeTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[origin] = entry{code: code, expiresAt: expires}
	return code, expires, nil
}

// Confirm consumes the pending code for origin if it matches and hasn't
// expired. The code is single-use: it is removed from the map regardless of
// whether the match succeeds, so a guessed-wrong code doesn't leave the
// real one open to a second attempt.
func (m *Manager) Confirm(origin, presented string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.pending[origin]
	if !ok {
		return ErrNoPendingCode
	}
	delete(m.pending, origin)

	if time.Now().After(e.expiresAt) {
		return ErrNoPendingCode
	}
	if !strings.EqualFold(e.code, presented) {
		return ErrCodeMismatch
	}
	return nil
}

// Prune drops expired pending codes; callers may run this periodically so
// the map doesn't grow with abandoned pairing attempts.
func (m *Manager) Prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for origin, e := range m.pending {
		if now.After(e.expiresAt) {
			delete(m.pending, origin)
		}
	}
}

// generateCode produces an 8-character hex pairing code.
func generateCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ABOUTME: Loads and caches the signed policy document with fail-closed lockdown
// ABOUTME: Verifies a detached ed25519 signature over the raw payload bytes

package policy

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config controls how the manager loads and verifies the policy pair.
type Config struct {
	Enabled       bool
	FailClosed    bool
	PayloadPath   string
	SignaturePath string
	PublicKeyPath string
}

// State is the derived policy state the rest of the gateway consumes.
// Lockdown holds exactly when enabled, fail-closed, and not valid; while it
// holds, every policy-gated action must be denied.
type State struct {
	Enabled  bool
	Valid    bool
	Lockdown bool
	Policy   *Document
}

// Manager loads, verifies, and caches the policy document. Reload replaces
// the cached state wholesale.
type Manager struct {
	cfg    Config
	mu     sync.RWMutex
	state  State
	logger *slog.Logger
}

// NewManager creates a policy manager. Call Load before first use; until
// then the state is inert.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "policy"),
	}
}

// Load reads the payload and detached signature files, verifies the
// signature against the configured public key, and replaces the cached
// state. Verification runs over the payload bytes exactly as read; the
// document is only parsed after the signature checks out.
func (m *Manager) Load() State {
	state := m.load()

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	if state.Lockdown {
		m.logger.Warn("policy lockdown active; policy-gated actions will be denied",
			"payload", m.cfg.PayloadPath)
	} else if state.Enabled {
		m.logger.Info("policy loaded", "valid", state.Valid, "version", state.version())
	}
	return state
}

func (s State) version() string {
	if s.Policy == nil {
		return ""
	}
	return s.Policy.Version
}

func (m *Manager) load() State {
	if !m.cfg.Enabled {
		return State{Enabled: false}
	}

	state := State{Enabled: true}

	payload, err := os.ReadFile(m.cfg.PayloadPath)
	if err != nil {
		m.logger.Warn("policy payload unreadable", "error", err)
		return m.finalize(state)
	}

	sig, err := readSignature(m.cfg.SignaturePath)
	if err != nil {
		m.logger.Warn("policy signature unreadable", "error", err)
		return m.finalize(state)
	}

	pub, err := ReadPublicKey(m.cfg.PublicKeyPath)
	if err != nil {
		m.logger.Warn("policy public key unreadable", "error", err)
		return m.finalize(state)
	}

	if !ed25519.Verify(pub, payload, sig) {
		m.logger.Warn("policy signature verification failed")
		return m.finalize(state)
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		m.logger.Warn("policy payload malformed", "error", err)
		return m.finalize(state)
	}

	state.Valid = true
	state.Policy = &doc
	return m.finalize(state)
}

// finalize derives the lockdown flag from the verification outcome.
func (m *Manager) finalize(s State) State {
	s.Lockdown = s.Enabled && m.cfg.FailClosed && !s.Valid
	return s
}

// State returns a snapshot of the cached policy state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Lockdown reports whether policy lockdown currently holds.
func (m *Manager) Lockdown() bool {
	return m.State().Lockdown
}

// readSignature reads a base64-encoded detached signature file.
func readSignature(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature is %d bytes, want %d", len(sig), ed25519.SignatureSize)
	}
	return sig, nil
}

// ReadPublicKey reads a base64-encoded ed25519 public key file.
func ReadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(key), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

// Sign produces the base64 detached signature for a policy payload.
// Used by the admin CLI to emit the signature file.
func Sign(payload []byte, priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
}

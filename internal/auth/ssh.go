// ABOUTME: SSH public key authentication for node connections
// ABOUTME: Verifies signatures over timestamp|nonce with replay protection

package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/ward-gateway/internal/nonce"
)

const (
	// SSHAuthMaxAge is the maximum age of a signature timestamp.
	SSHAuthMaxAge = 5 * time.Minute

	// sshNonceCacheSize bounds the replay cache.
	sshNonceCacheSize = 10000
)

// SSHAuth carries the fields a node presents inside its connect params.
type SSHAuth struct {
	Pubkey    string `json:"pubkey"`    // full public key, e.g. "ssh-ed25519 AAAA..."
	Signature string `json:"signature"` // base64 signature over "timestamp|nonce"
	Timestamp int64  `json:"timestamp"` // unix seconds
	Nonce     string `json:"nonce"`
}

// Present reports whether any SSH auth field was supplied.
func (a SSHAuth) Present() bool {
	return a.Pubkey != "" || a.Signature != "" || a.Timestamp != 0 || a.Nonce != ""
}

// SSHVerifier verifies SSH signatures for node authentication.
type SSHVerifier struct {
	maxAge     time.Duration
	nonceCache *nonce.Cache
}

// NewSSHVerifier creates a verifier with nonce replay protection.
func NewSSHVerifier() *SSHVerifier {
	return &SSHVerifier{
		maxAge:     SSHAuthMaxAge,
		nonceCache: nonce.NewCache(SSHAuthMaxAge, sshNonceCacheSize),
	}
}

// Close releases the replay cache.
func (v *SSHVerifier) Close() {
	if v.nonceCache != nil {
		v.nonceCache.Close()
	}
}

// Verify checks the signature and returns the pubkey fingerprint if valid.
// The signed message is "timestamp|nonce"; nonces are single-use within
// the timestamp window.
func (v *SSHVerifier) Verify(req SSHAuth) (fingerprint string, err error) {
	if req.Pubkey == "" {
		return "", errors.New("missing public key")
	}
	if req.Signature == "" {
		return "", errors.New("missing signature")
	}
	if req.Timestamp == 0 {
		return "", errors.New("missing timestamp")
	}
	if req.Nonce == "" {
		return "", errors.New("missing nonce")
	}

	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.Pubkey))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}

	signedAt := time.Unix(req.Timestamp, 0)
	age := time.Since(signedAt)
	if age < -time.Minute {
		return "", errors.New("timestamp is in the future")
	}
	if age > v.maxAge {
		return "", fmt.Errorf("signature expired (age: %v, max: %v)", age, v.maxAge)
	}

	message := fmt.Sprintf("%d|%s", req.Timestamp, req.Nonce)

	sigBytes, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return "", fmt.Errorf("invalid signature encoding: %w", err)
	}
	sig := new(ssh.Signature)
	if err := ssh.Unmarshal(sigBytes, sig); err != nil {
		return "", fmt.Errorf("invalid signature format: %w", err)
	}
	if err := pubkey.Verify([]byte(message), sig); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	// Nonce key includes the fingerprint to prevent cross-key replay.
	fp := Fingerprint(pubkey)
	nonceKey := fmt.Sprintf("%s:%d:%s", fp, req.Timestamp, req.Nonce)
	if v.nonceCache.CheckAndMark(nonceKey) {
		return "", errors.New("nonce already used")
	}

	return fp, nil
}

// Fingerprint computes the SHA256 fingerprint of a public key as lowercase
// hex without colons.
func Fingerprint(pubkey ssh.PublicKey) string {
	sum := sha256.Sum256(pubkey.Marshal())
	return hex.EncodeToString(sum[:])
}

// FingerprintFromKey parses a public key string and returns its
// fingerprint. Used when registering nodes.
func FingerprintFromKey(pubkeyStr string) (string, error) {
	pubkey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubkeyStr))
	if err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return Fingerprint(pubkey), nil
}

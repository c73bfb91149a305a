// ABOUTME: Tests for SSH signature verification of node connections
// ABOUTME: Covers valid signatures, expiry windows, and nonce replay

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// newTestKey generates an ed25519 SSH key pair for signing test requests.
func newTestKey(t *testing.T) (ssh.Signer, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	return signer, string(ssh.MarshalAuthorizedKey(sshPub))
}

// signAuth builds a valid SSHAuth for the signer at the given timestamp.
func signAuth(t *testing.T, signer ssh.Signer, pubkey string, ts int64, nonceStr string) SSHAuth {
	t.Helper()
	message := fmt.Sprintf("%d|%s", ts, nonceStr)
	sig, err := signer.Sign(rand.Reader, []byte(message))
	require.NoError(t, err)

	return SSHAuth{
		Pubkey:    pubkey,
		Signature: base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
		Timestamp: ts,
		Nonce:     nonceStr,
	}
}

func TestSSHVerify_Valid(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()
	signer, pubkey := newTestKey(t)

	req := signAuth(t, signer, pubkey, time.Now().Unix(), "nonce-1")
	fp, err := v.Verify(req)
	require.NoError(t, err)

	want, err := FingerprintFromKey(pubkey)
	require.NoError(t, err)
	assert.Equal(t, want, fp)
}

func TestSSHVerify_ReplayRejected(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()
	signer, pubkey := newTestKey(t)

	req := signAuth(t, signer, pubkey, time.Now().Unix(), "nonce-1")
	_, err := v.Verify(req)
	require.NoError(t, err)

	_, err = v.Verify(req)
	assert.ErrorContains(t, err, "nonce already used")
}

func TestSSHVerify_ExpiredTimestamp(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()
	signer, pubkey := newTestKey(t)

	old := time.Now().Add(-10 * time.Minute).Unix()
	req := signAuth(t, signer, pubkey, old, "nonce-1")
	_, err := v.Verify(req)
	assert.ErrorContains(t, err, "expired")
}

func TestSSHVerify_TamperedMessage(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()
	signer, pubkey := newTestKey(t)

	req := signAuth(t, signer, pubkey, time.Now().Unix(), "nonce-1")
	req.Nonce = "nonce-2"
	_, err := v.Verify(req)
	assert.ErrorContains(t, err, "verification failed")
}

func TestSSHVerify_MissingFields(t *testing.T) {
	v := NewSSHVerifier()
	defer v.Close()

	_, err := v.Verify(SSHAuth{Signature: "x", Timestamp: 1, Nonce: "n"})
	assert.ErrorContains(t, err, "missing public key")

	_, err = v.Verify(SSHAuth{Pubkey: "x", Timestamp: 1, Nonce: "n"})
	assert.ErrorContains(t, err, "missing signature")
}

func TestAuthenticate_Paths(t *testing.T) {
	tokens := NewJWTVerifier([]byte("test-secret"))
	sshVerifier := NewSSHVerifier()
	defer sshVerifier.Close()

	a := NewAuthenticator(tokens, sshVerifier, false, nil)

	t.Run("token", func(t *testing.T) {
		token, err := tokens.Generate("client-1", time.Hour)
		require.NoError(t, err)

		id, err := a.Authenticate(Credentials{Token: token}, "203.0.113.1:1")
		require.NoError(t, err)
		assert.Equal(t, "client-1", id.ClientID)
		assert.Empty(t, id.DeviceID)
	})

	t.Run("ssh", func(t *testing.T) {
		signer, pubkey := newTestKey(t)
		req := signAuth(t, signer, pubkey, time.Now().Unix(), "auth-nonce")

		id, err := a.Authenticate(Credentials{SSH: req}, "203.0.113.1:2")
		require.NoError(t, err)
		assert.NotEmpty(t, id.DeviceID)
		assert.Empty(t, id.ClientID)
	})

	t.Run("no credentials", func(t *testing.T) {
		_, err := a.Authenticate(Credentials{}, "203.0.113.1:3")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("anonymous when disabled", func(t *testing.T) {
		anon := NewAuthenticator(tokens, sshVerifier, true, nil)
		id, err := anon.Authenticate(Credentials{}, "203.0.113.1:4")
		require.NoError(t, err)
		assert.Empty(t, id.ClientID)
		assert.Empty(t, id.DeviceID)
	})
}

// ABOUTME: Connect-time authentication combining JWT bearer and SSH signature auth
// ABOUTME: Produces the device/client identity attached to a connection

package auth

import (
	"errors"
	"log/slog"
)

// ErrUnauthenticated indicates the connect attempt carried no usable
// credentials while authentication is required.
var ErrUnauthenticated = errors.New("authentication required")

// Credentials is everything a connect call may present.
type Credentials struct {
	Token string  `json:"token,omitempty"`
	SSH   SSHAuth `json:"ssh,omitempty"`
}

// Identity is the authenticated identity bound to a connection. Exactly
// one of ClientID/DeviceID is set for authenticated connections; both are
// empty for anonymous connections when auth is disabled.
type Identity struct {
	ClientID string // from a verified bearer token's sub claim
	DeviceID string // pubkey fingerprint from a verified SSH signature
}

// Authenticator validates connect credentials.
type Authenticator struct {
	tokens   TokenVerifier
	ssh      *SSHVerifier
	disabled bool
	logger   *slog.Logger
}

// NewAuthenticator builds an authenticator. When disabled is set,
// credential-less connects are admitted with an anonymous identity; they
// still only receive the scopes they explicitly request.
func NewAuthenticator(tokens TokenVerifier, ssh *SSHVerifier, disabled bool, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		tokens:   tokens,
		ssh:      ssh,
		disabled: disabled,
		logger:   logger.With("component", "auth"),
	}
}

// Authenticate resolves credentials to an identity. SSH auth is tried
// first (nodes), then bearer tokens (clients). remoteAddr is only used for
// failure logging.
func (a *Authenticator) Authenticate(creds Credentials, remoteAddr string) (Identity, error) {
	if creds.SSH.Present() {
		if a.ssh == nil {
			a.logFailure(remoteAddr, "ssh auth not configured")
			return Identity{}, errors.New("SSH authentication not configured")
		}
		fp, err := a.ssh.Verify(creds.SSH)
		if err != nil {
			a.logFailure(remoteAddr, err.Error())
			return Identity{}, err
		}
		return Identity{DeviceID: fp}, nil
	}

	if creds.Token != "" {
		if a.tokens == nil {
			a.logFailure(remoteAddr, "token auth not configured")
			return Identity{}, errors.New("token authentication not configured")
		}
		clientID, err := a.tokens.Verify(creds.Token)
		if err != nil {
			a.logFailure(remoteAddr, err.Error())
			return Identity{}, err
		}
		return Identity{ClientID: clientID}, nil
	}

	if a.disabled {
		return Identity{}, nil
	}

	a.logFailure(remoteAddr, "no credentials presented")
	return Identity{}, ErrUnauthenticated
}

func (a *Authenticator) logFailure(remoteAddr, reason string) {
	a.logger.Warn("auth failure", "reason", reason, "peer_addr", remoteAddr)
}

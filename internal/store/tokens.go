// ABOUTME: Token metadata store methods for minted operator tokens
// ABOUTME: Records jti and expiry so issued tokens can be listed and revoked

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTokenNotFound indicates the jti is not recorded.
var ErrTokenNotFound = errors.New("token not found")

// Token is the stored metadata for one minted token. The token string
// itself is never persisted.
type Token struct {
	JTI       string
	ClientID  string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// SaveToken records a freshly minted token's metadata.
func (s *SQLiteStore) SaveToken(ctx context.Context, t *Token) error {
	if t.JTI == "" {
		return fmt.Errorf("jti is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (jti, client_id, expires_at, created_at, revoked)
		VALUES (?, ?, ?, ?, 0)
	`,
		t.JTI,
		t.ClientID,
		t.ExpiresAt.UTC().Format(time.RFC3339),
		t.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// GetToken retrieves token metadata by jti.
func (s *SQLiteStore) GetToken(ctx context.Context, jti string) (*Token, error) {
	var (
		t          Token
		expiresStr string
		createdStr string
		revoked    int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT jti, client_id, expires_at, created_at, revoked
		FROM tokens WHERE jti = ?
	`, jti).Scan(&t.JTI, &t.ClientID, &expiresStr, &createdStr, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}

	if t.ExpiresAt, err = time.Parse(time.RFC3339, expiresStr); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	t.Revoked = revoked != 0
	return &t, nil
}

// RevokeToken marks a token as revoked.
func (s *SQLiteStore) RevokeToken(ctx context.Context, jti string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET revoked = 1 WHERE jti = ?`, jti)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTokenNotFound
	}
	s.logger.Info("token revoked", "jti", jti)
	return nil
}

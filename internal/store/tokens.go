// ABOUTME: Issued and held token persistence for the token ledger
// ABOUTME: Issued tokens authenticate peers to us, held tokens authenticate us to peers

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertIssuedToken stores a newly issued bearer token.
func (s *SQLiteStore) InsertIssuedToken(ctx context.Context, token *IssuedToken) error {
	permissions, err := marshalStrings(token.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	query := `
		INSERT INTO issued_tokens (id, token, subject, permissions, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		token.ID,
		token.Token,
		token.Subject,
		permissions,
		token.IssuedAt.UTC().Format(time.RFC3339),
		token.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting issued token: %w", err)
	}

	s.logger.Debug("issued token stored", "id", token.ID, "subject", token.Subject)
	return nil
}

// GetIssuedToken retrieves an issued token by its value.
// Returns ErrNotFound if no such token was ever issued.
func (s *SQLiteStore) GetIssuedToken(ctx context.Context, token string) (*IssuedToken, error) {
	query := `
		SELECT id, token, subject, permissions, issued_at, expires_at, last_used_at, revoked_at
		FROM issued_tokens
		WHERE token = ?
	`

	var issued IssuedToken
	var permissionsJSON string
	var issuedAtStr, expiresAtStr string
	var lastUsedAtStr, revokedAtStr sql.NullString

	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&issued.ID,
		&issued.Token,
		&issued.Subject,
		&permissionsJSON,
		&issuedAtStr,
		&expiresAtStr,
		&lastUsedAtStr,
		&revokedAtStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying issued token: %w", err)
	}

	issued.Permissions, err = unmarshalStrings(permissionsJSON)
	if err != nil {
		return nil, fmt.Errorf("decoding permissions: %w", err)
	}

	issued.IssuedAt, err = time.Parse(time.RFC3339, issuedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing issued_at: %w", err)
	}

	issued.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	if lastUsedAtStr.Valid {
		lastUsed, err := time.Parse(time.RFC3339, lastUsedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		issued.LastUsedAt = &lastUsed
	}

	if revokedAtStr.Valid {
		revoked, err := time.Parse(time.RFC3339, revokedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing revoked_at: %w", err)
		}
		issued.RevokedAt = &revoked
	}

	return &issued, nil
}

// TouchIssuedToken records a successful verification. It updates
// last_used_at and, when newExpiry is non-nil, slides the expiry forward.
// The update is guarded on revoked_at so a token revoked between read and
// touch never gets renewed.
// Returns ErrNotFound if the token doesn't exist or was revoked.
func (s *SQLiteStore) TouchIssuedToken(ctx context.Context, token string, lastUsed time.Time, newExpiry *time.Time) error {
	query := `
		UPDATE issued_tokens
		SET last_used_at = ?, expires_at = COALESCE(?, expires_at)
		WHERE token = ? AND revoked_at IS NULL
	`

	var expiry sql.NullString
	if newExpiry != nil {
		expiry = sql.NullString{String: newExpiry.UTC().Format(time.RFC3339), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, query, lastUsed.UTC().Format(time.RFC3339), expiry, token)
	if err != nil {
		return fmt.Errorf("touching issued token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RevokeIssuedToken marks a token as revoked. Revoking an already revoked
// token is a no-op and keeps the original revocation timestamp.
// Returns ErrNotFound if the token doesn't exist.
func (s *SQLiteStore) RevokeIssuedToken(ctx context.Context, token string, at time.Time) error {
	query := `
		UPDATE issued_tokens
		SET revoked_at = COALESCE(revoked_at, ?)
		WHERE token = ?
	`

	result, err := s.db.ExecContext(ctx, query, at.UTC().Format(time.RFC3339), token)
	if err != nil {
		return fmt.Errorf("revoking issued token: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("issued token revoked", "token_prefix", tokenPrefix(token))
	return nil
}

// RevokeIssuedTokensForSubject revokes every live token issued to a device.
// Already revoked tokens keep their original timestamp. Returns the number
// of tokens freshly revoked; zero is not an error.
func (s *SQLiteStore) RevokeIssuedTokensForSubject(ctx context.Context, subject string, at time.Time) (int64, error) {
	query := `
		UPDATE issued_tokens
		SET revoked_at = ?
		WHERE subject = ? AND revoked_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query, at.UTC().Format(time.RFC3339), subject)
	if err != nil {
		return 0, fmt.Errorf("revoking issued tokens: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Info("revoked issued tokens for subject", "subject", subject, "count", rowsAffected)
	}
	return rowsAffected, nil
}

// StoreHeldToken saves the token a peer granted us, replacing any
// previous token for the same peer.
func (s *SQLiteStore) StoreHeldToken(ctx context.Context, token *HeldToken) error {
	permissions, err := marshalStrings(token.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	query := `
		INSERT INTO held_tokens (peer_device_id, token, permissions, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_device_id) DO UPDATE SET
			token = excluded.token,
			permissions = excluded.permissions,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		token.PeerDeviceID,
		token.Token,
		permissions,
		token.ExpiresAt.UTC().Format(time.RFC3339),
		token.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing held token: %w", err)
	}

	s.logger.Debug("held token stored", "peer_device_id", token.PeerDeviceID)
	return nil
}

// GetHeldToken retrieves the token we hold for a peer device.
// Returns ErrNotFound if we hold none.
func (s *SQLiteStore) GetHeldToken(ctx context.Context, peerDeviceID string) (*HeldToken, error) {
	query := `
		SELECT peer_device_id, token, permissions, expires_at, updated_at
		FROM held_tokens
		WHERE peer_device_id = ?
	`

	var held HeldToken
	var permissionsJSON string
	var expiresAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, peerDeviceID).Scan(
		&held.PeerDeviceID,
		&held.Token,
		&permissionsJSON,
		&expiresAtStr,
		&updatedAtStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying held token: %w", err)
	}

	held.Permissions, err = unmarshalStrings(permissionsJSON)
	if err != nil {
		return nil, fmt.Errorf("decoding permissions: %w", err)
	}

	held.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	held.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &held, nil
}

// tokenPrefix returns a loggable prefix of a token value. Raw token
// values never go to logs.
func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

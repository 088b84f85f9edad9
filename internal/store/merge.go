// ABOUTME: Fingerprint mappings plus the atomic registration and merge transactions
// ABOUTME: Merging rewrites token subjects, held tokens, and mappings before deleting the duplicate

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetFingerprintMapping retrieves the canonical device for an (owner, fingerprint) pair.
// Returns ErrNotFound if the fingerprint has never been registered.
func (s *SQLiteStore) GetFingerprintMapping(ctx context.Context, owner, fingerprint string) (*FingerprintMapping, error) {
	query := `
		SELECT owner, fingerprint, device_id, created_at
		FROM fingerprint_mappings
		WHERE owner = ? AND fingerprint = ?
	`

	var mapping FingerprintMapping
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, owner, fingerprint).Scan(
		&mapping.Owner,
		&mapping.Fingerprint,
		&mapping.DeviceID,
		&createdAtStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying fingerprint mapping: %w", err)
	}

	mapping.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &mapping, nil
}

// PutFingerprintMapping inserts or repoints a fingerprint mapping.
// On update the original created_at is preserved.
func (s *SQLiteStore) PutFingerprintMapping(ctx context.Context, mapping *FingerprintMapping) error {
	query := `
		INSERT INTO fingerprint_mappings (owner, fingerprint, device_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, fingerprint) DO UPDATE SET
			device_id = excluded.device_id
	`

	_, err := s.db.ExecContext(ctx, query,
		mapping.Owner,
		mapping.Fingerprint,
		mapping.DeviceID,
		mapping.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("putting fingerprint mapping: %w", err)
	}

	return nil
}

// RegisterDevice writes a completed pairing in one transaction: the device
// row, its fingerprint mapping (when present), and the issued token. A
// device completing a ceremony was just talking to us, so re-registration
// also lands status and last_seen, unlike UpsertDevice.
func (s *SQLiteStore) RegisterDevice(ctx context.Context, params RegisterDeviceParams) error {
	if params.Device == nil || params.Token == nil {
		return errors.New("register requires a device and a token")
	}

	capabilities, err := marshalStrings(params.Device.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	permissions, err := marshalStrings(params.Token.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	deviceQuery := `
		INSERT INTO devices (id, owner, name, addr, port, fingerprint, capabilities, is_current, status, last_seen, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			name = excluded.name,
			addr = excluded.addr,
			port = excluded.port,
			fingerprint = excluded.fingerprint,
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_seen = COALESCE(excluded.last_seen, devices.last_seen),
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	d := params.Device
	_, err = tx.ExecContext(ctx, deviceQuery,
		d.ID,
		d.Owner,
		d.Name,
		d.Addr,
		d.Port,
		nullableString(d.Fingerprint),
		capabilities,
		statusOrOffline(d.Status),
		nullableTime(d.LastSeen),
		nullableString(string(d.Metadata)),
		d.CreatedAt.UTC().Format(time.RFC3339),
		d.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}

	if m := params.Mapping; m != nil {
		mappingQuery := `
			INSERT INTO fingerprint_mappings (owner, fingerprint, device_id, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(owner, fingerprint) DO UPDATE SET
				device_id = excluded.device_id
		`
		_, err = tx.ExecContext(ctx, mappingQuery,
			m.Owner,
			m.Fingerprint,
			m.DeviceID,
			m.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("putting fingerprint mapping: %w", err)
		}
	}

	tokenQuery := `
		INSERT INTO issued_tokens (id, token, subject, permissions, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	t := params.Token
	_, err = tx.ExecContext(ctx, tokenQuery,
		t.ID,
		t.Token,
		t.Subject,
		permissions,
		t.IssuedAt.UTC().Format(time.RFC3339),
		t.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting issued token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Info("registered device", "id", d.ID, "name", d.Name, "owner", d.Owner)
	return nil
}

// MergeDevices folds the duplicate device into the canonical one in a
// single transaction. Issued tokens are re-pointed at the canonical
// subject, held tokens keep whichever expires later, fingerprint mappings
// are rewritten, capabilities are unioned, and the duplicate row and its
// discovery record are deleted.
// Returns ErrNotFound if either device doesn't exist.
func (s *SQLiteStore) MergeDevices(ctx context.Context, canonicalID, duplicateID string) error {
	if canonicalID == duplicateID {
		return errors.New("cannot merge a device into itself")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	canonicalCaps, canonicalCurrent, err := deviceMergeFields(ctx, tx, canonicalID)
	if err != nil {
		return fmt.Errorf("loading canonical device: %w", err)
	}
	duplicateCaps, duplicateCurrent, err := deviceMergeFields(ctx, tx, duplicateID)
	if err != nil {
		return fmt.Errorf("loading duplicate device: %w", err)
	}

	// Union capabilities, canonical's order first
	merged, err := marshalStrings(unionStrings(canonicalCaps, duplicateCaps))
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	isCurrent := 0
	if canonicalCurrent || duplicateCurrent {
		isCurrent = 1
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx,
		`UPDATE devices SET capabilities = ?, is_current = ?, updated_at = ? WHERE id = ?`,
		merged, isCurrent, now, canonicalID,
	)
	if err != nil {
		return fmt.Errorf("updating canonical device: %w", err)
	}

	// Tokens issued to the duplicate now authenticate as the canonical device
	_, err = tx.ExecContext(ctx,
		`UPDATE issued_tokens SET subject = ? WHERE subject = ?`,
		canonicalID, duplicateID,
	)
	if err != nil {
		return fmt.Errorf("rewriting issued tokens: %w", err)
	}

	if err := mergeHeldTokens(ctx, tx, canonicalID, duplicateID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE fingerprint_mappings SET device_id = ? WHERE device_id = ?`,
		canonicalID, duplicateID,
	)
	if err != nil {
		return fmt.Errorf("rewriting fingerprint mappings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM discovery_cache WHERE device_id = ?`, duplicateID); err != nil {
		return fmt.Errorf("deleting discovery record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, duplicateID); err != nil {
		return fmt.Errorf("deleting duplicate device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Info("merged devices", "canonical", canonicalID, "duplicate", duplicateID)
	return nil
}

// deviceMergeFields loads the fields MergeDevices needs inside its transaction
func deviceMergeFields(ctx context.Context, tx *sql.Tx, id string) ([]string, bool, error) {
	var capabilitiesJSON string
	var isCurrent int

	err := tx.QueryRowContext(ctx,
		`SELECT capabilities, is_current FROM devices WHERE id = ?`, id,
	).Scan(&capabilitiesJSON, &isCurrent)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	capabilities, err := unmarshalStrings(capabilitiesJSON)
	if err != nil {
		return nil, false, fmt.Errorf("decoding capabilities: %w", err)
	}

	return capabilities, isCurrent != 0, nil
}

// mergeHeldTokens moves the duplicate's held token to the canonical device,
// keeping whichever token expires later when both exist.
func mergeHeldTokens(ctx context.Context, tx *sql.Tx, canonicalID, duplicateID string) error {
	var dupToken, dupPermissions, dupExpiresStr string
	err := tx.QueryRowContext(ctx,
		`SELECT token, permissions, expires_at FROM held_tokens WHERE peer_device_id = ?`, duplicateID,
	).Scan(&dupToken, &dupPermissions, &dupExpiresStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // nothing to move
	}
	if err != nil {
		return fmt.Errorf("querying duplicate held token: %w", err)
	}

	query := `
		INSERT INTO held_tokens (peer_device_id, token, permissions, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_device_id) DO UPDATE SET
			token = excluded.token,
			permissions = excluded.permissions,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
		WHERE excluded.expires_at > held_tokens.expires_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, query, canonicalID, dupToken, dupPermissions, dupExpiresStr, now); err != nil {
		return fmt.Errorf("moving held token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM held_tokens WHERE peer_device_id = ?`, duplicateID); err != nil {
		return fmt.Errorf("deleting duplicate held token: %w", err)
	}

	return nil
}

// unionStrings merges two string slices preserving first-seen order
func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

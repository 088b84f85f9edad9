// ABOUTME: Pairing ceremony persistence and the ceremony audit trail
// ABOUTME: Ceremonies are keyed by join token, events are append-only per ceremony

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveCeremony inserts a new pairing ceremony.
// Returns ErrDuplicateCeremony if the join token is already in use.
func (s *SQLiteStore) SaveCeremony(ctx context.Context, c *Ceremony) error {
	peerJSON, err := marshalPeer(c.Peer)
	if err != nil {
		return fmt.Errorf("encoding peer: %w", err)
	}

	query := `
		INSERT INTO pairing_ceremonies (token, state, created_by, pin_hash, device_addr, retry_count, failure_reason, peer_json, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		c.Token,
		c.State,
		c.CreatedBy,
		nullableString(c.PinHash),
		nullableString(c.DeviceAddr),
		c.RetryCount,
		nullableString(c.FailureReason),
		peerJSON,
		c.CreatedAt.UTC().Format(time.RFC3339),
		c.UpdatedAt.UTC().Format(time.RFC3339),
		c.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateCeremony
		}
		return fmt.Errorf("inserting ceremony: %w", err)
	}

	s.logger.Debug("saved ceremony", "token_prefix", tokenPrefix(c.Token), "state", c.State)
	return nil
}

// UpdateCeremony persists a transitioned ceremony, guarded on the state and
// retry count the transition started from. Concurrent verify attempts race
// on the same row; whoever lands second misses the guard and gets
// ErrStaleCeremony back, so a lost PIN attempt can never overwrite the
// winner's retry count or outcome. Returns ErrNotFound if the ceremony
// doesn't exist.
func (s *SQLiteStore) UpdateCeremony(ctx context.Context, c *Ceremony, fromState string, fromRetries int) error {
	peerJSON, err := marshalPeer(c.Peer)
	if err != nil {
		return fmt.Errorf("encoding peer: %w", err)
	}

	query := `
		UPDATE pairing_ceremonies
		SET state = ?, pin_hash = ?, device_addr = ?, retry_count = ?, failure_reason = ?, peer_json = ?, updated_at = ?, expires_at = ?
		WHERE token = ? AND state = ? AND retry_count = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		c.State,
		nullableString(c.PinHash),
		nullableString(c.DeviceAddr),
		c.RetryCount,
		nullableString(c.FailureReason),
		peerJSON,
		c.UpdatedAt.UTC().Format(time.RFC3339),
		c.ExpiresAt.UTC().Format(time.RFC3339),
		c.Token,
		fromState,
		fromRetries,
	)
	if err != nil {
		return fmt.Errorf("updating ceremony: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetCeremony(ctx, c.Token); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		s.logger.Debug("ceremony update lost to a concurrent writer",
			"token_prefix", tokenPrefix(c.Token), "from_state", fromState)
		return ErrStaleCeremony
	}

	s.logger.Debug("updated ceremony", "token_prefix", tokenPrefix(c.Token), "state", c.State)
	return nil
}

// GetCeremony retrieves a ceremony by its join token.
// Returns ErrNotFound if no ceremony exists for the token.
func (s *SQLiteStore) GetCeremony(ctx context.Context, token string) (*Ceremony, error) {
	query := `
		SELECT token, state, created_by, pin_hash, device_addr, retry_count, failure_reason, peer_json, created_at, updated_at, expires_at
		FROM pairing_ceremonies
		WHERE token = ?
	`

	var c Ceremony
	var pinHash, deviceAddr, failureReason, peerJSON sql.NullString
	var createdAtStr, updatedAtStr, expiresAtStr string

	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&c.Token,
		&c.State,
		&c.CreatedBy,
		&pinHash,
		&deviceAddr,
		&c.RetryCount,
		&failureReason,
		&peerJSON,
		&createdAtStr,
		&updatedAtStr,
		&expiresAtStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ceremony: %w", err)
	}

	c.PinHash = pinHash.String
	c.DeviceAddr = deviceAddr.String
	c.FailureReason = failureReason.String

	if peerJSON.Valid && peerJSON.String != "" {
		var peer PeerInfo
		if err := json.Unmarshal([]byte(peerJSON.String), &peer); err != nil {
			return nil, fmt.Errorf("decoding peer: %w", err)
		}
		c.Peer = &peer
	}

	c.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	c.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &c, nil
}

// ExpireCeremonies fails every in-flight ceremony whose deadline has passed.
// Completed and already failed ceremonies are left alone. Returns the number
// of ceremonies failed.
func (s *SQLiteStore) ExpireCeremonies(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE pairing_ceremonies
		SET state = ?, failure_reason = ?, updated_at = ?
		WHERE state IN (?, ?) AND expires_at <= ?
	`

	nowStr := now.UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, query,
		CeremonyFailed,
		FailureExpired,
		nowStr,
		CeremonyTokenCreated,
		CeremonyDeviceConnected,
		nowStr,
	)
	if err != nil {
		return 0, fmt.Errorf("expiring ceremonies: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if count > 0 {
		s.logger.Info("expired stale ceremonies", "count", count)
	}
	return count, nil
}

// PruneCeremonies deletes terminal ceremonies whose last update is older
// than the cutoff, along with their events. Failed and completed ceremonies
// stick around for a short audit window; in-flight ones are never pruned.
// Returns the number of ceremonies deleted.
func (s *SQLiteStore) PruneCeremonies(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := olderThan.UTC().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx, `
		DELETE FROM pairing_events
		WHERE token IN (
			SELECT token FROM pairing_ceremonies
			WHERE state IN (?, ?) AND updated_at < ?
		)
	`, CeremonyFailed, CeremonyDeviceRegistered, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning pairing events: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM pairing_ceremonies
		WHERE state IN (?, ?) AND updated_at < ?
	`, CeremonyFailed, CeremonyDeviceRegistered, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning ceremonies: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	if count > 0 {
		s.logger.Info("pruned terminal ceremonies", "count", count)
	}
	return count, nil
}

// AppendPairingEvent appends an event to a ceremony's audit trail.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) AppendPairingEvent(ctx context.Context, event *PairingEvent) error {
	if event.ID == "" {
		// V7 ids sort by creation time, so the (created_at, id) ordering in
		// ListPairingEvents keeps same-second events in insertion order.
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating event id: %w", err)
		}
		event.ID = id.String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var detailJSON *string
	if event.Detail != nil {
		data, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO pairing_events (id, token, event, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Token,
		event.Event,
		detailJSON,
		event.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting pairing event: %w", err)
	}

	return nil
}

// ListPairingEvents returns a ceremony's events oldest first.
func (s *SQLiteStore) ListPairingEvents(ctx context.Context, token string) ([]*PairingEvent, error) {
	query := `
		SELECT id, token, event, detail_json, created_at
		FROM pairing_events
		WHERE token = ?
		ORDER BY created_at, id
	`

	rows, err := s.db.QueryContext(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("querying pairing events: %w", err)
	}
	defer rows.Close()

	var events []*PairingEvent
	for rows.Next() {
		var event PairingEvent
		var detailJSON sql.NullString
		var createdAtStr string

		if err := rows.Scan(&event.ID, &event.Token, &event.Event, &detailJSON, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning pairing event: %w", err)
		}

		if detailJSON.Valid && detailJSON.String != "" {
			if err := json.Unmarshal([]byte(detailJSON.String), &event.Detail); err != nil {
				return nil, fmt.Errorf("decoding event detail: %w", err)
			}
		}

		event.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		events = append(events, &event)
	}

	return events, rows.Err()
}

// marshalPeer encodes the candidate identity, returning NULL for none
func marshalPeer(peer *PeerInfo) (sql.NullString, error) {
	if peer == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(peer)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

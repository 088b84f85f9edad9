// ABOUTME: Discovery cache persistence for last-known device probe results
// ABOUTME: One row per device holding status, latency, health, and probe time

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PutDiscoveryRecord upserts the latest probe result for a device. The row
// mirrors the probe wholesale: a probe that got no health snapshot back
// clears any snapshot a previous probe stored.
func (s *SQLiteStore) PutDiscoveryRecord(ctx context.Context, rec *DiscoveryRecord) error {
	query := `
		INSERT INTO discovery_cache (device_id, status, latency_ms, health, checked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			status = excluded.status,
			latency_ms = excluded.latency_ms,
			health = excluded.health,
			checked_at = excluded.checked_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.DeviceID,
		rec.Status,
		rec.LatencyMs,
		nullableString(string(rec.Health)),
		rec.CheckedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("putting discovery record: %w", err)
	}

	return nil
}

// GetDiscoveryRecord retrieves the last probe result for a device.
// Returns ErrNotFound if the device has never been probed.
func (s *SQLiteStore) GetDiscoveryRecord(ctx context.Context, deviceID string) (*DiscoveryRecord, error) {
	query := `
		SELECT device_id, status, latency_ms, health, checked_at
		FROM discovery_cache
		WHERE device_id = ?
	`

	var rec DiscoveryRecord
	var health sql.NullString
	var checkedAtStr string

	err := s.db.QueryRowContext(ctx, query, deviceID).Scan(
		&rec.DeviceID,
		&rec.Status,
		&rec.LatencyMs,
		&health,
		&checkedAtStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying discovery record: %w", err)
	}

	if health.Valid && health.String != "" {
		rec.Health = json.RawMessage(health.String)
	}

	rec.CheckedAt, err = time.Parse(time.RFC3339, checkedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing checked_at: %w", err)
	}

	return &rec, nil
}

// MarkStaleDevicesOffline flips registry devices to offline when nothing has
// been heard from them since the cutoff, and ages matching online discovery
// rows the same way. Cache rows in needs_repair stay put: repair is a
// stronger signal than staleness. Devices are never deleted by the sweep.
// Returns the number of registry devices flipped.
func (s *SQLiteStore) MarkStaleDevicesOffline(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := olderThan.UTC().Format(time.RFC3339)

	result, err := tx.ExecContext(ctx, `
		UPDATE devices
		SET status = ?
		WHERE status != ? AND (last_seen IS NULL OR last_seen < ?)
	`, DeviceOffline, DeviceOffline, cutoff)
	if err != nil {
		return 0, fmt.Errorf("marking stale devices offline: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE discovery_cache
		SET status = ?
		WHERE status = ? AND checked_at < ?
	`, DeviceOffline, DeviceOnline, cutoff); err != nil {
		return 0, fmt.Errorf("aging discovery cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}

	if count > 0 {
		s.logger.Info("marked stale devices offline", "count", count)
	}
	return count, nil
}

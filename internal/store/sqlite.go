// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides device/token/ceremony persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Set busy_timeout at the DSN level so every pooled connection gets it;
	// a bare db.Exec would bind the pragma to a single connection only.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS devices (
			id           TEXT PRIMARY KEY,
			owner        TEXT NOT NULL DEFAULT '',
			name         TEXT NOT NULL,
			addr         TEXT NOT NULL,
			port         INTEGER NOT NULL DEFAULT 0,
			fingerprint  TEXT,
			capabilities TEXT NOT NULL DEFAULT '[]',
			is_current   INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL DEFAULT 'offline',
			last_seen    TEXT,
			metadata     TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('online', 'offline', 'degraded'))
		);

		CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner);
		CREATE INDEX IF NOT EXISTS idx_devices_fingerprint ON devices(fingerprint);

		CREATE TABLE IF NOT EXISTS issued_tokens (
			id           TEXT PRIMARY KEY,
			token        TEXT UNIQUE NOT NULL,
			subject      TEXT NOT NULL,
			permissions  TEXT NOT NULL DEFAULT '[]',
			issued_at    TEXT NOT NULL,
			expires_at   TEXT NOT NULL,
			last_used_at TEXT,
			revoked_at   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_issued_tokens_token ON issued_tokens(token);
		CREATE INDEX IF NOT EXISTS idx_issued_tokens_subject ON issued_tokens(subject);

		CREATE TABLE IF NOT EXISTS held_tokens (
			peer_device_id TEXT PRIMARY KEY,
			token          TEXT NOT NULL,
			permissions    TEXT NOT NULL DEFAULT '[]',
			expires_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pairing_ceremonies (
			token          TEXT PRIMARY KEY,
			state          TEXT NOT NULL DEFAULT 'token_created',
			created_by     TEXT NOT NULL,
			pin_hash       TEXT,
			device_addr    TEXT,
			retry_count    INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT,
			peer_json      TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			expires_at     TEXT NOT NULL,

			CHECK (state IN ('token_created', 'device_connected', 'pin_verified', 'device_registered', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_ceremonies_state ON pairing_ceremonies(state);
		CREATE INDEX IF NOT EXISTS idx_ceremonies_expires ON pairing_ceremonies(expires_at);

		CREATE TABLE IF NOT EXISTS pairing_events (
			id          TEXT PRIMARY KEY,
			token       TEXT NOT NULL,
			event       TEXT NOT NULL,
			detail_json TEXT,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_pairing_events_token ON pairing_events(token, created_at);

		CREATE TABLE IF NOT EXISTS fingerprint_mappings (
			owner       TEXT NOT NULL DEFAULT '',
			fingerprint TEXT NOT NULL,
			device_id   TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			PRIMARY KEY (owner, fingerprint)
		);

		CREATE INDEX IF NOT EXISTS idx_fingerprint_mappings_device ON fingerprint_mappings(device_id);

		CREATE TABLE IF NOT EXISTS discovery_cache (
			device_id  TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			health     TEXT,
			checked_at TEXT NOT NULL,

			CHECK (status IN ('online', 'offline', 'needs_repair'))
		);

		CREATE INDEX IF NOT EXISTS idx_discovery_checked ON discovery_cache(checked_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			table:  "devices",
			check:  `SELECT 1 FROM pragma_table_info('devices') WHERE name = 'is_current'`,
			apply:  `ALTER TABLE devices ADD COLUMN is_current INTEGER NOT NULL DEFAULT 0`,
			column: "is_current",
		},
		{
			table:  "pairing_ceremonies",
			check:  `SELECT 1 FROM pragma_table_info('pairing_ceremonies') WHERE name = 'device_addr'`,
			apply:  `ALTER TABLE pairing_ceremonies ADD COLUMN device_addr TEXT`,
			column: "device_addr",
		},
		{
			table:  "devices",
			check:  `SELECT 1 FROM pragma_table_info('devices') WHERE name = 'status'`,
			apply:  `ALTER TABLE devices ADD COLUMN status TEXT NOT NULL DEFAULT 'offline'`,
			column: "status",
		},
		{
			table:  "devices",
			check:  `SELECT 1 FROM pragma_table_info('devices') WHERE name = 'last_seen'`,
			apply:  `ALTER TABLE devices ADD COLUMN last_seen TEXT`,
			column: "last_seen",
		},
		{
			table:  "devices",
			check:  `SELECT 1 FROM pragma_table_info('devices') WHERE name = 'metadata'`,
			apply:  `ALTER TABLE devices ADD COLUMN metadata TEXT`,
			column: "metadata",
		},
		{
			table:  "discovery_cache",
			check:  `SELECT 1 FROM pragma_table_info('discovery_cache') WHERE name = 'health'`,
			apply:  `ALTER TABLE discovery_cache ADD COLUMN health TEXT`,
			column: "health",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		// Column doesn't exist, apply migration
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertDevice inserts a device or updates an existing one by ID.
// On update the original created_at, is_current flag, status, and last_seen
// are preserved; TouchDeviceStatus owns the liveness columns.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, device *Device) error {
	capabilities, err := marshalStrings(device.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	query := `
		INSERT INTO devices (id, owner, name, addr, port, fingerprint, capabilities, is_current, status, last_seen, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			name = excluded.name,
			addr = excluded.addr,
			port = excluded.port,
			fingerprint = excluded.fingerprint,
			capabilities = excluded.capabilities,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		device.ID,
		device.Owner,
		device.Name,
		device.Addr,
		device.Port,
		nullableString(device.Fingerprint),
		capabilities,
		statusOrOffline(device.Status),
		nullableTime(device.LastSeen),
		nullableString(string(device.Metadata)),
		device.CreatedAt.UTC().Format(time.RFC3339),
		device.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}

	s.logger.Debug("upserted device", "id", device.ID, "name", device.Name)
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	query := `
		SELECT id, owner, name, addr, port, fingerprint, capabilities, is_current, status, last_seen, metadata, created_at, updated_at
		FROM devices
		WHERE id = ?
	`

	return s.queryDevice(ctx, query, id)
}

// GetCurrentDevice retrieves the device marked as current.
// Returns ErrNotFound if no device is marked.
func (s *SQLiteStore) GetCurrentDevice(ctx context.Context) (*Device, error) {
	query := `
		SELECT id, owner, name, addr, port, fingerprint, capabilities, is_current, status, last_seen, metadata, created_at, updated_at
		FROM devices
		WHERE is_current = 1
	`

	return s.queryDevice(ctx, query)
}

// queryDevice runs a single-row device query and scans the result
func (s *SQLiteStore) queryDevice(ctx context.Context, query string, args ...any) (*Device, error) {
	var device Device
	var fingerprint, lastSeen, metadata sql.NullString
	var capabilitiesJSON string
	var isCurrent int
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&device.ID,
		&device.Owner,
		&device.Name,
		&device.Addr,
		&device.Port,
		&fingerprint,
		&capabilitiesJSON,
		&isCurrent,
		&device.Status,
		&lastSeen,
		&metadata,
		&createdAtStr,
		&updatedAtStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}

	device.Fingerprint = fingerprint.String
	device.Current = isCurrent != 0
	if metadata.Valid && metadata.String != "" {
		device.Metadata = json.RawMessage(metadata.String)
	}

	device.Capabilities, err = unmarshalStrings(capabilitiesJSON)
	if err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}

	device.LastSeen, err = parseNullableTime(lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}

	device.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	device.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &device, nil
}

// SetCurrentDevice marks a device as current, clearing the flag everywhere else.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) SetCurrentDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE devices SET is_current = 0 WHERE is_current = 1`); err != nil {
		return fmt.Errorf("clearing current device: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := tx.ExecContext(ctx, `UPDATE devices SET is_current = 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("setting current device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Info("current device changed", "id", id)
	return nil
}

// TouchDeviceStatus records the latest liveness verdict for a device. A
// non-nil seenAt also stamps last_seen; offline verdicts pass nil so the
// last successful contact stays visible.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) TouchDeviceStatus(ctx context.Context, id, status string, seenAt *time.Time) error {
	query := `UPDATE devices SET status = ?, last_seen = COALESCE(?, last_seen) WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, status, nullableTime(seenAt), id)
	if err != nil {
		return fmt.Errorf("touching device status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("touched device status", "id", id, "status", status)
	return nil
}

// RemoveDevice deletes a device and everything hanging off it: held tokens,
// fingerprint mappings, and the discovery cache entry. Issued tokens are
// revoked rather than deleted, so a removed device presenting its old token
// reads as revoked instead of unknown.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) RemoveDevice(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	revokedAt := at.UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`UPDATE issued_tokens SET revoked_at = COALESCE(revoked_at, ?) WHERE subject = ?`,
		revokedAt, id); err != nil {
		return fmt.Errorf("revoking issued tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM held_tokens WHERE peer_device_id = ?`, id); err != nil {
		return fmt.Errorf("deleting held tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fingerprint_mappings WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("deleting fingerprint mappings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM discovery_cache WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("deleting discovery record: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Info("removed device", "id", id)
	return nil
}

// ListDevices returns all devices ordered by creation time
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	query := `
		SELECT id, owner, name, addr, port, fingerprint, capabilities, is_current, status, last_seen, metadata, created_at, updated_at
		FROM devices
		ORDER BY created_at, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var device Device
		var fingerprint, lastSeen, metadata sql.NullString
		var capabilitiesJSON string
		var isCurrent int
		var createdAtStr, updatedAtStr string

		err := rows.Scan(
			&device.ID,
			&device.Owner,
			&device.Name,
			&device.Addr,
			&device.Port,
			&fingerprint,
			&capabilitiesJSON,
			&isCurrent,
			&device.Status,
			&lastSeen,
			&metadata,
			&createdAtStr,
			&updatedAtStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}

		device.Fingerprint = fingerprint.String
		device.Current = isCurrent != 0
		if metadata.Valid && metadata.String != "" {
			device.Metadata = json.RawMessage(metadata.String)
		}

		device.Capabilities, err = unmarshalStrings(capabilitiesJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding capabilities: %w", err)
		}

		device.LastSeen, err = parseNullableTime(lastSeen)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}

		device.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		device.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		devices = append(devices, &device)
	}

	return devices, rows.Err()
}

// ListDevicesByCapability returns devices advertising the given capability.
// Capabilities are stored as a JSON array, so filtering happens here rather
// than in SQL. Device counts on a LAN stay small enough for that.
func (s *SQLiteStore) ListDevicesByCapability(ctx context.Context, capability string) ([]*Device, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*Device, 0, len(devices))
	for _, d := range devices {
		if containsCapability(d.Capabilities, capability) {
			matched = append(matched, d)
		}
	}

	return matched, nil
}

// containsCapability checks if a capability is in the list of capabilities.
func containsCapability(capabilities []string, target string) bool {
	for _, c := range capabilities {
		if c == target {
			return true
		}
	}
	return false
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// marshalStrings encodes a string slice as a JSON array, never null
func marshalStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalStrings decodes a JSON array of strings, tolerating empty input
func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

// nullableString converts an empty string to a SQL NULL
func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullableTime converts a nil time to a SQL NULL, otherwise RFC 3339 text
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// parseNullableTime parses RFC 3339 text from a nullable column
func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// statusOrOffline defaults an unset device status to offline
func statusOrOffline(status string) string {
	if status == "" {
		return DeviceOffline
	}
	return status
}

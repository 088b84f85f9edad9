// ABOUTME: Local device identity persisted as identity.json in the data directory
// ABOUTME: Created once on bootstrap with a UUIDv7 id and a hostname-derived name

package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FileName is the identity file kept in the data directory.
const FileName = "identity.json"

// fallbackName is used when the hostname cannot be determined.
const fallbackName = "burrow-device"

// Identity is this device's own stable identity. The id never changes once
// the file exists; peers key their registry rows on it.
type Identity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// New generates a fresh identity with a UUIDv7 id and a hostname-derived name.
func New(now time.Time) (*Identity, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating device id: %w", err)
	}

	return &Identity{
		ID:        id.String(),
		Name:      defaultName(),
		CreatedAt: now.UTC(),
	}, nil
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fallbackName
	}
	return host
}

// Load reads the identity file at path.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	if ident.ID == "" {
		return nil, fmt.Errorf("identity file %s has no id", path)
	}

	return &ident, nil
}

// Save writes the identity as indented JSON, readable by the owner only.
func (i *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}

	return nil
}

// LoadOrCreate returns the identity stored at path, generating and persisting
// a fresh one when no file exists yet. The bool reports whether a new
// identity was created.
func LoadOrCreate(path string, now time.Time) (*Identity, bool, error) {
	ident, err := Load(path)
	if err == nil {
		return ident, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	ident, err = New(now)
	if err != nil {
		return nil, false, err
	}
	if err := ident.Save(path); err != nil {
		return nil, false, err
	}

	return ident, true, nil
}

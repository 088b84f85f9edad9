// ABOUTME: Shared test helpers for the store package
// ABOUTME: Provides setupTestStore with automatic cleanup

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Compile-time check that SQLiteStore satisfies the Store interface
var _ Store = (*SQLiteStore)(nil)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

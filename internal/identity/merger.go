// ABOUTME: Duplicate-device detection and the atomic merge that resolves it
// ABOUTME: Decide is pure; Merge delegates the cascade to a single store transaction

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrCascadeFailed is returned when a merge transaction could not be applied.
// The store rolls back, so no partial rewrite is ever visible.
var ErrCascadeFailed = errors.New("identity merge cascade failed")

// Op is the action the registry must take for an arriving device identity.
type Op int

const (
	// OpCreateNew records a first-time device.
	OpCreateNew Op = iota
	// OpUpdateExisting refreshes the device already bound to this fingerprint.
	OpUpdateExisting
	// OpMergeInto folds the arriving duplicate into the canonical device.
	OpMergeInto
)

// String returns the op name for logs.
func (o Op) String() string {
	switch o {
	case OpCreateNew:
		return "create_new"
	case OpUpdateExisting:
		return "update_existing"
	case OpMergeInto:
		return "merge_into"
	default:
		return "unknown"
	}
}

// Candidate is the identity-relevant slice of a device record.
type Candidate struct {
	ID        string
	CreatedAt time.Time
}

// Decision says what to do with an arriving identity. CanonicalID and
// DuplicateID are set only for OpMergeInto.
type Decision struct {
	Op          Op
	CanonicalID string
	DuplicateID string
}

// Decide classifies an arriving device identity against the fingerprint
// mapping. mapped is the device the (owner, fingerprint) pair currently
// points at, nil when no mapping exists. When the mapping points at a
// different device than the one arriving, the two records describe the same
// physical device and must merge; the earlier-registered record wins as
// canonical so a device's id stays sticky across re-pairs. Ties on
// created_at go to the lexicographically smaller id.
func Decide(mapped *Candidate, proposed Candidate) Decision {
	if mapped == nil {
		return Decision{Op: OpCreateNew}
	}
	if mapped.ID == proposed.ID {
		return Decision{Op: OpUpdateExisting}
	}

	canonical, duplicate := mapped, &proposed
	switch {
	case proposed.CreatedAt.Before(mapped.CreatedAt):
		canonical, duplicate = &proposed, mapped
	case proposed.CreatedAt.Equal(mapped.CreatedAt) && proposed.ID < mapped.ID:
		canonical, duplicate = &proposed, mapped
	}

	return Decision{
		Op:          OpMergeInto,
		CanonicalID: canonical.ID,
		DuplicateID: duplicate.ID,
	}
}

// Store is the persistence surface the merger needs.
type Store interface {
	MergeDevices(ctx context.Context, canonicalID, duplicateID string) error
}

// Merger applies merge decisions against the store.
type Merger struct {
	store  Store
	logger *slog.Logger
}

// NewMerger creates a merger.
func NewMerger(st Store, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		store:  st,
		logger: logger.With("component", "identity"),
	}
}

// Merge folds duplicateID into canonicalID: token subjects are rewritten,
// the held token and fingerprint mappings are repointed, capability sets are
// unioned, and the duplicate row is deleted, all in one transaction. On
// failure the store rolls back and Merge returns ErrCascadeFailed; the
// underlying cause goes to the log.
func (m *Merger) Merge(ctx context.Context, canonicalID, duplicateID string) error {
	if err := m.store.MergeDevices(ctx, canonicalID, duplicateID); err != nil {
		m.logger.Error("device merge rolled back",
			"canonical", canonicalID,
			"duplicate", duplicateID,
			"error", err)
		return fmt.Errorf("merging device %s into %s: %w", duplicateID, canonicalID, ErrCascadeFailed)
	}

	m.logger.Info("merged duplicate device", "canonical", canonicalID, "duplicate", duplicateID)
	return nil
}

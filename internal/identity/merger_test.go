// ABOUTME: Tests for merge decisions and the atomic merge cascade
// ABOUTME: Covers oldest-wins precedence, tie-breaking, and rollback on failure

package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrownet/burrow/internal/store"
)

var mergeEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		mapped   *Candidate
		proposed Candidate
		want     Decision
	}{
		{
			name:     "no mapping creates new",
			mapped:   nil,
			proposed: Candidate{ID: "device-b", CreatedAt: mergeEpoch},
			want:     Decision{Op: OpCreateNew},
		},
		{
			name:     "mapping already points at arrival",
			mapped:   &Candidate{ID: "device-a", CreatedAt: mergeEpoch},
			proposed: Candidate{ID: "device-a", CreatedAt: mergeEpoch},
			want:     Decision{Op: OpUpdateExisting},
		},
		{
			name:     "older mapped record wins",
			mapped:   &Candidate{ID: "device-a", CreatedAt: mergeEpoch},
			proposed: Candidate{ID: "device-b", CreatedAt: mergeEpoch.Add(time.Hour)},
			want:     Decision{Op: OpMergeInto, CanonicalID: "device-a", DuplicateID: "device-b"},
		},
		{
			name:     "older arriving record wins",
			mapped:   &Candidate{ID: "device-b", CreatedAt: mergeEpoch.Add(time.Hour)},
			proposed: Candidate{ID: "device-a", CreatedAt: mergeEpoch},
			want:     Decision{Op: OpMergeInto, CanonicalID: "device-a", DuplicateID: "device-b"},
		},
		{
			name:     "created_at tie breaks on smaller id",
			mapped:   &Candidate{ID: "device-b", CreatedAt: mergeEpoch},
			proposed: Candidate{ID: "device-a", CreatedAt: mergeEpoch},
			want:     Decision{Op: OpMergeInto, CanonicalID: "device-a", DuplicateID: "device-b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.mapped, tt.proposed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "create_new", OpCreateNew.String())
	assert.Equal(t, "update_existing", OpUpdateExisting.String())
	assert.Equal(t, "merge_into", OpMergeInto.String())
}

func newMergerStore(t *testing.T) store.Store {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}

// A device paired at T0 as device-a and re-paired an hour later as device-b
// must collapse back into device-a, with device-b's token re-authenticating
// as device-a and the capability sets unioned.
func TestMerger_Merge_CollapsesDuplicate(t *testing.T) {
	ctx := context.Background()
	st := newMergerStore(t)

	require.NoError(t, st.UpsertDevice(ctx, &store.Device{
		ID: "device-a", Name: "den", Addr: "192.168.1.10", Port: 6969,
		Fingerprint:  "fp-1",
		Capabilities: []string{"posts.host"},
		CreatedAt:    mergeEpoch, UpdatedAt: mergeEpoch,
	}))
	require.NoError(t, st.UpsertDevice(ctx, &store.Device{
		ID: "device-b", Name: "den", Addr: "192.168.1.10", Port: 6969,
		Fingerprint:  "fp-1",
		Capabilities: []string{"media.transcode"},
		CreatedAt:    mergeEpoch.Add(time.Hour), UpdatedAt: mergeEpoch.Add(time.Hour),
	}))
	require.NoError(t, st.PutFingerprintMapping(ctx, &store.FingerprintMapping{
		Owner: "", Fingerprint: "fp-1", DeviceID: "device-a", CreatedAt: mergeEpoch,
	}))
	require.NoError(t, st.InsertIssuedToken(ctx, &store.IssuedToken{
		ID: "tok-b", Token: "secret-b", Subject: "device-b",
		Permissions: []string{"posts:read"},
		IssuedAt:    mergeEpoch.Add(time.Hour),
		ExpiresAt:   mergeEpoch.Add(time.Hour).Add(30 * 24 * time.Hour),
	}))

	decision := Decide(
		&Candidate{ID: "device-a", CreatedAt: mergeEpoch},
		Candidate{ID: "device-b", CreatedAt: mergeEpoch.Add(time.Hour)},
	)
	require.Equal(t, OpMergeInto, decision.Op)

	merger := NewMerger(st, nil)
	require.NoError(t, merger.Merge(ctx, decision.CanonicalID, decision.DuplicateID))

	_, err := st.GetDevice(ctx, "device-b")
	assert.ErrorIs(t, err, store.ErrNotFound)

	canonical, err := st.GetDevice(ctx, "device-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"posts.host", "media.transcode"}, canonical.Capabilities)

	token, err := st.GetIssuedToken(ctx, "secret-b")
	require.NoError(t, err)
	assert.Equal(t, "device-a", token.Subject)

	mapping, err := st.GetFingerprintMapping(ctx, "", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "device-a", mapping.DeviceID)
}

func TestMerger_Merge_CascadeFailure(t *testing.T) {
	ctx := context.Background()
	st := newMergerStore(t)

	require.NoError(t, st.UpsertDevice(ctx, &store.Device{
		ID: "device-a", Name: "den", Addr: "192.168.1.10", Port: 6969,
		Capabilities: []string{"posts.host"},
		CreatedAt:    mergeEpoch, UpdatedAt: mergeEpoch,
	}))

	merger := NewMerger(st, nil)
	err := merger.Merge(ctx, "device-a", "device-ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCascadeFailed)

	// Canonical device untouched after the rollback
	canonical, err := st.GetDevice(ctx, "device-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"posts.host"}, canonical.Capabilities)
}

package relaysync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerImplementations(t *testing.T) map[string]Ledger {
	t.Helper()
	memorySQLite, err := NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	fileSQLite, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "state", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = memorySQLite.Close()
		_ = fileSQLite.Close()
	})
	return map[string]Ledger{
		"memory":        NewInMemoryLedger(),
		"sqlite-memory": memorySQLite,
		"sqlite-file":   fileSQLite,
	}
}

func TestLedgerCrossReferences(t *testing.T) {
	for name, ledger := range ledgerImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2026, 1, 1, 12, 0, 0, 123, time.UTC)

			_, err := ledger.LookupCrossRef(ctx, "task", StoreRelational, "r1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, ledger.UpsertCrossRef(ctx, CrossReferenceEntry{
				CanonicalID: "c1", EntityType: "task", StoreKind: StoreRelational, NativeID: "r1", LastModifiedAt: at, Version: 1,
			}))
			require.NoError(t, ledger.UpsertCrossRef(ctx, CrossReferenceEntry{
				CanonicalID: "c1", EntityType: "task", StoreKind: StoreWorkspace, NativeID: "p1", LastModifiedAt: at, Version: 1,
			}))

			entry, err := ledger.LookupCrossRef(ctx, "task", StoreWorkspace, "p1")
			require.NoError(t, err)
			assert.Equal(t, "c1", entry.CanonicalID)
			assert.True(t, entry.LastModifiedAt.Equal(at))

			refs, err := ledger.CrossRefs(ctx, "c1")
			require.NoError(t, err)
			assert.Len(t, refs, 2)

			// A recreated target record replaces the old native id.
			require.NoError(t, ledger.UpsertCrossRef(ctx, CrossReferenceEntry{
				CanonicalID: "c1", EntityType: "task", StoreKind: StoreWorkspace, NativeID: "p2", LastModifiedAt: at, Version: 2,
			}))
			_, err = ledger.LookupCrossRef(ctx, "task", StoreWorkspace, "p1")
			assert.ErrorIs(t, err, ErrNotFound)
			entry, err = ledger.LookupCrossRef(ctx, "task", StoreWorkspace, "p2")
			require.NoError(t, err)
			assert.Equal(t, int64(2), entry.Version)

			assert.ErrorIs(t, ledger.UpsertCrossRef(ctx, CrossReferenceEntry{CanonicalID: "c2", StoreKind: StoreGraph}), ErrInvalidInput)
		})
	}
}

func TestLedgerRejectsNativeIDClaimedByAnotherRecord(t *testing.T) {
	for name, ledger := range ledgerImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, ledger.UpsertCrossRef(ctx, CrossReferenceEntry{
				CanonicalID: "c1", EntityType: "task", StoreKind: StoreRelational, NativeID: "r1", LastModifiedAt: at, Version: 1,
			}))

			err := ledger.UpsertCrossRef(ctx, CrossReferenceEntry{
				CanonicalID: "c2", EntityType: "task", StoreKind: StoreRelational, NativeID: "r1", LastModifiedAt: at, Version: 1,
			})
			require.ErrorIs(t, err, ErrNativeIDClaimed)
			assert.Equal(t, ErrorClassValidation, ClassifyError(err))

			entry, err := ledger.LookupCrossRef(ctx, "task", StoreRelational, "r1")
			require.NoError(t, err)
			assert.Equal(t, "c1", entry.CanonicalID)
			refs, err := ledger.CrossRefs(ctx, "c2")
			require.NoError(t, err)
			assert.Empty(t, refs)

			// The owner may refresh its own entry, and the same native id is free in
			// another entity type.
			require.NoError(t, ledger.UpsertCrossRef(ctx, CrossReferenceEntry{
				CanonicalID: "c1", EntityType: "task", StoreKind: StoreRelational, NativeID: "r1", LastModifiedAt: at, Version: 2,
			}))
			require.NoError(t, ledger.UpsertCrossRef(ctx, CrossReferenceEntry{
				CanonicalID: "c2", EntityType: "person", StoreKind: StoreRelational, NativeID: "r1", LastModifiedAt: at, Version: 1,
			}))
		})
	}
}

func TestLedgerRecordStatesAndCursors(t *testing.T) {
	for name, ledger := range ledgerImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := ledger.RecordState(ctx, "c1")
			assert.ErrorIs(t, err, ErrNotFound)

			state := RecordState{
				CanonicalID:    "c1",
				EntityType:     "task",
				LastModifiedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
				Version:        3,
				Fingerprint:    "abc",
				Archived:       true,
			}
			require.NoError(t, ledger.PutRecordState(ctx, state))
			got, err := ledger.RecordState(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, state.Version, got.Version)
			assert.Equal(t, state.Fingerprint, got.Fingerprint)
			assert.True(t, got.Archived)
			assert.True(t, got.LastModifiedAt.Equal(state.LastModifiedAt))

			_, err = ledger.Cursor(ctx, "task", StoreGraph)
			assert.ErrorIs(t, err, ErrNotFound)
			cursor := SyncCursor{EntityType: "task", StoreKind: StoreGraph, LastFullSyncAt: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), LastNativeID: "n9"}
			require.NoError(t, ledger.PutCursor(ctx, cursor))
			gotCursor, err := ledger.Cursor(ctx, "task", StoreGraph)
			require.NoError(t, err)
			assert.Equal(t, "n9", gotCursor.LastNativeID)
			assert.True(t, gotCursor.LastFullSyncAt.Equal(cursor.LastFullSyncAt))
		})
	}
}

func TestLedgerAttemptsAreOrdered(t *testing.T) {
	for name, ledger := range ledgerImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, ledger.AppendAttempt(ctx, SyncAttempt{
				ChangeEventID: "e1", AttemptNumber: 2, TargetStore: StoreGraph, StartedAt: started, Outcome: StateSucceeded,
			}))
			require.NoError(t, ledger.AppendAttempt(ctx, SyncAttempt{
				ChangeEventID: "e1", AttemptNumber: 1, TargetStore: StoreGraph, StartedAt: started, Outcome: StateFailed,
				ErrorClass: ErrorClassRateLimited, Error: "slow down",
			}))
			require.NoError(t, ledger.AppendAttempt(ctx, SyncAttempt{ChangeEventID: "e2", AttemptNumber: 1, TargetStore: StoreWorkspace, StartedAt: started, Outcome: StateSucceeded}))

			attempts, err := ledger.Attempts(ctx, "e1")
			require.NoError(t, err)
			require.Len(t, attempts, 2)
			assert.Equal(t, 1, attempts[0].AttemptNumber)
			assert.Equal(t, ErrorClassRateLimited, attempts[0].ErrorClass)
			assert.Equal(t, StateSucceeded, attempts[1].Outcome)

			none, err := ledger.Attempts(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestBuildLedgerFromDSN(t *testing.T) {
	ledger, err := BuildLedgerFromDSN("")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryLedger{}, ledger)

	ledger, err = BuildLedgerFromDSN("sqlite://" + filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	sqlLedger, ok := ledger.(*SQLLedger)
	require.True(t, ok)
	assert.Equal(t, "sqlite", sqlLedger.Dialect())

	_, err = BuildLedgerFromDSN("mysql://localhost/relaysync")
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = BuildLedgerFromDSN("ftp://nope")
	assert.Error(t, err)
}

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quaywork/marketsync/marketsync"
)

func newTestStore(t *testing.T) *ArchiveStore {
	t.Helper()
	store, err := New(&Config{
		DataSourceName: filepath.Join(t.TempDir(), "archive.db"),
		EnableWAL:      true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleOperation() *marketsync.SyncOperation {
	started := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	completed := started.Add(120 * time.Millisecond)
	resolvedAt := started.Add(80 * time.Millisecond)

	return &marketsync.SyncOperation{
		OperationID:  uuid.NewString(),
		EntityID:     "sku-1",
		DataCategory: marketsync.CategoryPricing,
		SourceSystem: "erp",
		Targets:      []string{"amazon", "ebay"},
		Status:       marketsync.StatusConflict,
		StartedAt:    started,
		CompletedAt:  &completed,
		Results: map[string]marketsync.TargetResult{
			"amazon": {Success: true, AppliedPayload: marketsync.Payload{"price": 20.0}},
			"ebay":   {Success: true, AppliedPayload: marketsync.Payload{"price": 20.0}},
		},
		Conflicts: []*marketsync.DataConflict{
			{
				ConflictID:   uuid.NewString(),
				EntityID:     "sku-1",
				TargetSystem: "ebay",
				FieldName:    "price",
				DataCategory: marketsync.CategoryPricing,
				CandidateValues: map[string]any{
					"ebay":                       19.50,
					marketsync.CandidateIncoming: 19.999,
				},
				CandidateOrder: []string{"ebay", marketsync.CandidateIncoming},
				Strategy:       marketsync.StrategyLatestWins,
				Resolved:       true,
				ResolvedValue:  19.999,
				ResolvedAt:     &resolvedAt,
				DetectedAt:     started.Add(40 * time.Millisecond),
			},
		},
	}
}

func TestArchiveStore_SaveAndGetOperation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	op := sampleOperation()
	require.NoError(t, store.SaveOperation(ctx, op))

	snap, err := store.GetOperation(ctx, op.OperationID)
	require.NoError(t, err)

	assert.Equal(t, op.OperationID, snap.OperationID)
	assert.Equal(t, "sku-1", snap.EntityID)
	assert.Equal(t, string(marketsync.CategoryPricing), snap.DataCategory)
	assert.Equal(t, "erp", snap.SourceSystem)
	assert.Equal(t, []string{"amazon", "ebay"}, snap.Targets)
	assert.Equal(t, string(marketsync.StatusConflict), snap.Status)
	assert.Empty(t, snap.ErrorMessage)
	require.NotNil(t, snap.CompletedAt)
	assert.True(t, snap.CompletedAt.After(snap.StartedAt))

	require.Len(t, snap.Results, 2)
	assert.True(t, snap.Results["ebay"].Success)
	assert.Equal(t, 20.0, snap.Results["ebay"].AppliedPayload["price"])

	count, err := store.CountConflicts(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestArchiveStore_SaveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	op := sampleOperation()
	require.NoError(t, store.SaveOperation(ctx, op))

	op.Status = marketsync.StatusCompleted
	require.NoError(t, store.SaveOperation(ctx, op))

	snap, err := store.GetOperation(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, string(marketsync.StatusCompleted), snap.Status)

	count, err := store.CountConflicts(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "re-saving must not duplicate conflict rows")
}

func TestArchiveStore_GetOperationNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetOperation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrOperationNotFound)
}

func TestArchiveStore_SaveFailedOperationWithoutConflicts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	op := sampleOperation()
	op.Status = marketsync.StatusFailed
	op.ErrorMessage = "all targets failed"
	op.Conflicts = nil
	op.Results = map[string]marketsync.TargetResult{
		"ebay": {Success: false, Error: "503 from marketplace"},
	}
	require.NoError(t, store.SaveOperation(ctx, op))

	snap, err := store.GetOperation(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, "all targets failed", snap.ErrorMessage)
	assert.False(t, snap.Results["ebay"].Success)
	assert.Equal(t, "503 from marketplace", snap.Results["ebay"].Error)

	count, err := store.CountConflicts(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestArchiveStore_NilOperation(t *testing.T) {
	store := newTestStore(t)
	require.Error(t, store.SaveOperation(context.Background(), nil))
}

func TestArchiveStore_ClosedStore(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close is idempotent")

	err := store.SaveOperation(context.Background(), sampleOperation())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreClosed))

	_, err = store.GetOperation(context.Background(), "any")
	require.Error(t, err)

	_, err = store.CountConflicts(context.Background(), "any")
	require.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(&Config{})
	require.Error(t, err)
}

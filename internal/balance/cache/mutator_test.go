package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	balancedomain "github.com/tallylabs/tally/internal/balance/domain"
	"go.uber.org/zap"
)

func newTestMutator(t *testing.T) (*Mutator, *Store) {
	t.Helper()
	store, _ := newTestStore(t)
	return NewMutator(MutatorParams{Redis: store.rdb, Log: zap.NewNop()}), store
}

func deductUnit(snap *Snapshot, amount string) Unit {
	d := decimal.RequireFromString(amount)
	return Unit{
		Deductions: []balancedomain.FeatureDeduction{{
			FeatureID: snap.Graph.Features[0].ID,
			Deduction: &d,
		}},
		Options: balancedomain.DeductOptions{Overage: balancedomain.OverageReject},
	}
}

func TestMutator_DeductCommits(t *testing.T) {
	mutator, store := newTestMutator(t)
	snap, _ := testSnapshot("100")
	key := Key(snap.Graph.OrgID, snap.Graph.Env, snap.Graph.CustomerID)
	require.NoError(t, store.Set(context.Background(), key, snap))

	unit := deductUnit(snap, "30")
	result, committed, err := mutator.Deduct(context.Background(), key, unit.Deductions, unit.Options)
	require.NoError(t, err)
	assert.False(t, result.Empty())
	assert.True(t, committed.Graph.Entitlements[0].Balance.Equal(decimal.RequireFromString("70")))

	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, got.Graph.Entitlements[0].Balance.Equal(decimal.RequireFromString("70")))
}

func TestMutator_NotCached(t *testing.T) {
	mutator, _ := newTestMutator(t)
	snap, _ := testSnapshot("100")

	unit := deductUnit(snap, "1")
	_, _, err := mutator.DeductBatch(context.Background(), "missing:key", []Unit{unit})
	assert.ErrorIs(t, err, balancedomain.ErrCustomerNotCached)
}

func TestMutator_BatchFailuresAreIsolated(t *testing.T) {
	mutator, store := newTestMutator(t)
	snap, _ := testSnapshot("100")
	key := Key(snap.Graph.OrgID, snap.Graph.Env, snap.Graph.CustomerID)
	require.NoError(t, store.Set(context.Background(), key, snap))

	// Middle unit exceeds the remaining balance and must not poison the
	// units around it.
	units := []Unit{
		deductUnit(snap, "60"),
		deductUnit(snap, "1000"),
		deductUnit(snap, "40"),
	}
	outcomes, committed, err := mutator.DeductBatch(context.Background(), key, units)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.True(t, balancedomain.IsInsufficientBalance(outcomes[1].Err))
	assert.NoError(t, outcomes[2].Err)

	assert.True(t, committed.Graph.Entitlements[0].Balance.IsZero())
}

func TestMutator_SkipCacheUnsupported(t *testing.T) {
	mutator, store := newTestMutator(t)
	snap, _ := testSnapshot("100")
	key := Key(snap.Graph.OrgID, snap.Graph.Env, snap.Graph.CustomerID)
	require.NoError(t, store.Set(context.Background(), key, snap))

	unit := deductUnit(snap, "1")
	unit.Options.SkipCache = true
	_, _, err := mutator.DeductBatch(context.Background(), key, []Unit{unit})
	assert.ErrorIs(t, err, balancedomain.ErrUnsupportedConfig)
}

func TestMutator_AllocatedGrantUnsupported(t *testing.T) {
	mutator, store := newTestMutator(t)
	snap, _ := testSnapshot("100")
	snap.Graph.Entitlements[0].Allocated = true
	key := Key(snap.Graph.OrgID, snap.Graph.Env, snap.Graph.CustomerID)
	require.NoError(t, store.Set(context.Background(), key, snap))

	unit := deductUnit(snap, "1")
	_, _, err := mutator.DeductBatch(context.Background(), key, []Unit{unit})
	assert.ErrorIs(t, err, balancedomain.ErrUnsupportedConfig)
}

func TestMutator_HookAbortLeavesSnapshotUntouched(t *testing.T) {
	mutator, store := newTestMutator(t)
	snap, _ := testSnapshot("100")
	key := Key(snap.Graph.OrgID, snap.Graph.Env, snap.Graph.CustomerID)
	require.NoError(t, store.Set(context.Background(), key, snap))

	hookErr := errors.New("side effect failed")
	unit := deductUnit(snap, "30")
	_, _, err := mutator.DeductBatch(context.Background(), key, []Unit{unit}, func(*Snapshot, balancedomain.MutationResult) error {
		return hookErr
	})
	require.ErrorIs(t, err, hookErr)

	got, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, got.Graph.Entitlements[0].Balance.Equal(decimal.RequireFromString("100")))
}

func TestMutator_HookSeesMergedResult(t *testing.T) {
	mutator, store := newTestMutator(t)
	snap, _ := testSnapshot("100")
	key := Key(snap.Graph.OrgID, snap.Graph.Env, snap.Graph.CustomerID)
	require.NoError(t, store.Set(context.Background(), key, snap))

	var touched []int
	units := []Unit{deductUnit(snap, "10"), deductUnit(snap, "20")}
	_, _, err := mutator.DeductBatch(context.Background(), key, units, func(working *Snapshot, merged balancedomain.MutationResult) error {
		touched = append(touched, len(merged.TouchedIDs()))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, touched)
}

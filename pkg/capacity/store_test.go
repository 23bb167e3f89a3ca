package capacity

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voiceops/callgate/pkg/models"
)

func newTestStore(t *testing.T, limit int) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, limit)
}

func TestAcquireSlot_UpToCap(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := store.AcquireSlot(ctx, fmt.Sprintf("call_%d", i), models.PlanPro, int64(i))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, i, res.Current)
		assert.False(t, res.Idempotent)
	}

	// Sixth acquire is rejected; counter stays at the cap.
	res, err := store.AcquireSlot(ctx, "call_6", models.PlanPro, 6)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 5, res.Current)
}

func TestAcquireSlot_IdempotentOnSameCallID(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	first, err := store.AcquireSlot(ctx, "call_1", models.PlanStarter, 42)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := store.AcquireSlot(ctx, "call_1", models.PlanStarter, 42)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.Idempotent)
	assert.Equal(t, 1, second.Current, "retried acquire must not re-increment")
}

func TestAcquireSlot_RecordsSlotIndex(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	_, err := store.AcquireSlot(ctx, "c1", models.PlanPro, 1)
	require.NoError(t, err)
	_, err = store.AcquireSlot(ctx, "c2", models.PlanPro, 2)
	require.NoError(t, err)

	// The stored metadata carries the post-increment counter, not zero.
	snap, err := store.GlobalStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Calls["c1"].SlotIndex)
	assert.Equal(t, 2, snap.Calls["c2"].SlotIndex)
}

func TestLookup_ReadOnly(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	res, err := store.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, res.Found)

	_, err = store.AcquireSlot(ctx, "c1", models.PlanStarter, 42)
	require.NoError(t, err)

	res, err = store.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, 1, res.Current)
	assert.Equal(t, int64(42), res.Meta.TenantID)

	snap, err := store.GlobalStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Active, "lookup must not touch counters")
}

func TestAcquireSlot_ConcurrentFlood(t *testing.T) {
	// Scenario: ten simultaneous acquires against cap 5 — exactly five
	// succeed under any interleaving.
	store := newTestStore(t, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]AcquireResult, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.AcquireSlot(ctx, fmt.Sprintf("call_%d", i), models.PlanPAYG, int64(i))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	admitted := 0
	for _, res := range results {
		if res.Success {
			admitted++
			assert.LessOrEqual(t, res.Current, 5)
		}
	}
	assert.Equal(t, 5, admitted)

	snap, err := store.GlobalStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Active)
	assert.Len(t, snap.Calls, 5)
}

func TestReleaseSlot_Idempotent(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	_, err := store.AcquireSlot(ctx, "call_1", models.PlanPro, 1)
	require.NoError(t, err)

	first, err := store.ReleaseSlot(ctx, "call_1")
	require.NoError(t, err)
	assert.True(t, first.Released)
	assert.Equal(t, 0, first.Current)

	// Second release of the same id is a no-op.
	second, err := store.ReleaseSlot(ctx, "call_1")
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.False(t, second.Released)
	assert.Equal(t, 0, second.Current)
}

func TestReleaseSlot_UnknownCallID(t *testing.T) {
	store := newTestStore(t, 5)

	res, err := store.ReleaseSlot(context.Background(), "never_acquired")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Released)
	assert.Equal(t, 0, res.Current, "counter must not underflow")
}

func TestPlanCounters_SumToGlobal(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	_, err := store.AcquireSlot(ctx, "c1", models.PlanPro, 1)
	require.NoError(t, err)
	_, err = store.AcquireSlot(ctx, "c2", models.PlanPro, 1)
	require.NoError(t, err)
	_, err = store.AcquireSlot(ctx, "c3", models.PlanEnterprise, 2)
	require.NoError(t, err)

	snap, err := store.GlobalStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Active)
	assert.Equal(t, 2, snap.PerPlan[models.PlanPro])
	assert.Equal(t, 1, snap.PerPlan[models.PlanEnterprise])

	sum := 0
	for _, n := range snap.PerPlan {
		sum += n
	}
	assert.Equal(t, snap.Active, sum)

	// Release decrements the matching plan counter.
	_, err = store.ReleaseSlot(ctx, "c1")
	require.NoError(t, err)
	snap, err = store.GlobalStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.PerPlan[models.PlanPro])
	assert.Equal(t, 2, snap.Active)
}

func TestCheckCapacity(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	cap0, err := store.CheckCapacity(ctx)
	require.NoError(t, err)
	assert.True(t, cap0.Available)
	assert.Equal(t, 0, cap0.Current)
	assert.Equal(t, 5, cap0.Remaining)

	for i := 0; i < 5; i++ {
		_, err := store.AcquireSlot(ctx, fmt.Sprintf("c%d", i), models.PlanPAYG, 1)
		require.NoError(t, err)
	}

	capFull, err := store.CheckCapacity(ctx)
	require.NoError(t, err)
	assert.False(t, capFull.Available)
	assert.Equal(t, 5, capFull.Current)
	assert.Equal(t, 0, capFull.Remaining)
}

func TestCheckCapacity_FailsOpenWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewStore(rdb, 5)

	mr.Close()

	got, err := store.CheckCapacity(context.Background())
	assert.Error(t, err)
	assert.True(t, got.Available, "capacity checks fail open")
}

func TestReleaseSlot_FailsClosedWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewStore(rdb, 5)

	mr.Close()

	_, err := store.ReleaseSlot(context.Background(), "call_1")
	assert.Error(t, err, "release reports failure so the caller may retry")
}

func TestCleanupStuck(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	for _, id := range []string{"live_1", "live_2", "stale_1", "stale_2"} {
		_, err := store.AcquireSlot(ctx, id, models.PlanPro, 7)
		require.NoError(t, err)
	}

	released, err := store.CleanupStuck(ctx, []string{"live_1", "live_2"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stale_1", "stale_2"}, released)

	snap, err := store.GlobalStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Active)
	assert.Len(t, snap.Calls, 2)
	assert.Contains(t, snap.Calls, "live_1")
	assert.Contains(t, snap.Calls, "live_2")
}

func TestForceReset(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	_, err := store.AcquireSlot(ctx, "c1", models.PlanPro, 1)
	require.NoError(t, err)

	require.NoError(t, store.ForceReset(ctx))

	snap, err := store.GlobalStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Active)
	assert.Empty(t, snap.Calls)
	assert.Equal(t, 0, snap.PerPlan[models.PlanPro])
}

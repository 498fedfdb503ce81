package guard

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hatchq/hatchq/internal/domain"
)

func newTestBreaker(t *testing.T, threshold int64, cooldown time.Duration) (*Breaker, *miniredis.Miniredis, *r.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewBreaker(rdb, zap.NewNop(), threshold, cooldown), mr, rdb
}

var errBoom = errors.New("boom")

func TestExecute_OpensAtThresholdAndFailsFast(t *testing.T) {
	b, _, _ := newTestBreaker(t, 2, time.Minute)
	ctx := context.Background()

	var calls atomic.Int64
	failing := func(context.Context) error {
		calls.Add(1)
		return errBoom
	}

	require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, failing), errBoom)
	require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, failing), errBoom)
	assert.Equal(t, int64(2), calls.Load())

	// Threshold reached: within the cooldown the operation is never invoked.
	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, "dep", time.Second, failing)
		assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	}
	assert.Equal(t, int64(2), calls.Load(), "open circuit must not invoke the operation")
}

func TestExecute_ProbesAfterCooldownAndCloses(t *testing.T) {
	b, _, rdb := newTestBreaker(t, 1, 10*time.Second)
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, func(context.Context) error { return errBoom }), errBoom)
	require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, func(context.Context) error { return nil }), domain.ErrCircuitOpen)

	// Age the last failure past the cooldown.
	past := strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	require.NoError(t, rdb.HSet(ctx, breakerKey("dep"), "last_failure", past).Err())

	var probed bool
	require.NoError(t, b.Execute(ctx, "dep", time.Second, func(context.Context) error {
		probed = true
		return nil
	}))
	assert.True(t, probed, "cooldown elapsed: the next call must probe")

	// A single success resets the failure count entirely.
	state, err := rdb.HGetAll(ctx, breakerKey("dep")).Result()
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestExecute_FailedProbeReopens(t *testing.T) {
	b, _, rdb := newTestBreaker(t, 1, 10*time.Second)
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, func(context.Context) error { return errBoom }), errBoom)

	past := strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	require.NoError(t, rdb.HSet(ctx, breakerKey("dep"), "last_failure", past).Err())

	// Probe fails: the circuit reopens immediately at threshold 1.
	require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, func(context.Context) error { return errBoom }), errBoom)
	require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, func(context.Context) error { return nil }), domain.ErrCircuitOpen)
}

func TestExecute_FailedProbeReopensAtHighThreshold(t *testing.T) {
	b, _, rdb := newTestBreaker(t, 3, 10*time.Second)
	ctx := context.Background()

	var calls atomic.Int64
	failing := func(context.Context) error {
		calls.Add(1)
		return errBoom
	}

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, failing), errBoom)
	}
	require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, failing), domain.ErrCircuitOpen)

	past := strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	require.NoError(t, rdb.HSet(ctx, breakerKey("dep"), "last_failure", past).Err())

	// The probe fails on top of the surviving failure count, so the
	// circuit reopens immediately rather than granting a fresh budget
	// of threshold attempts against the broken dependency.
	require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, failing), errBoom)
	probeCalls := calls.Load()
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, "dep", time.Second, failing), domain.ErrCircuitOpen)
	}
	assert.Equal(t, probeCalls, calls.Load(), "operation invoked after a failed probe")

	state, err := rdb.HGetAll(ctx, breakerKey("dep")).Result()
	require.NoError(t, err)
	assert.Equal(t, "open", state["state"])
	assert.Equal(t, "4", state["failures"])
}

func TestExecute_TimeoutCountsAsFailure(t *testing.T) {
	b, _, rdb := newTestBreaker(t, 1, time.Minute)
	ctx := context.Background()

	err := b.Execute(ctx, "dep", 10*time.Millisecond, func(opCtx context.Context) error {
		<-opCtx.Done()
		return opCtx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	state, rerr := rdb.HGetAll(ctx, breakerKey("dep")).Result()
	require.NoError(t, rerr)
	assert.Equal(t, "1", state["failures"])
	assert.Equal(t, "open", state["state"])
}

func TestExecute_FailsClosedWhenStoreDown(t *testing.T) {
	b, mr, _ := newTestBreaker(t, 5, time.Minute)
	mr.Close()

	var called bool
	err := b.Execute(context.Background(), "dep", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGuardUnavailable))
	assert.False(t, called, "guard store down: the call must not reach the dependency")
}

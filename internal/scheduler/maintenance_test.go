package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/store"
)

func TestRunGC_SweepsExpiredLeases(t *testing.T) {
	sched := newTestScheduler(t)
	d, err := sched.Store.StoreBytes(store.FileFamily, []byte("expiring blob"))
	require.NoError(t, err)
	require.NoError(t, sched.Store.LeaseExtend(store.FileFamily, []digest.Digest{d}, time.Now().Add(-time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.RunGC(ctx, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let at least one sweep run

	_, ok, _ := sched.Store.LoadBytesWith(context.Background(), store.FileFamily, d, func(b []byte) (interface{}, error) { return b, nil })
	assert.False(t, ok, "expected the expired blob to have been swept")
}

func TestFork_ResetsGCLoopAroundCallback(t *testing.T) {
	sched := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.RunGC(ctx, 10*time.Millisecond)

	ran := false
	sched.Fork(func() {
		ran = true
	})
	assert.True(t, ran)

	// The loop should have been rebuilt and still be sweeping afterward.
	time.Sleep(30 * time.Millisecond)
}

func TestFork_RunsDirectlyWithoutRunGC(t *testing.T) {
	sched := newTestScheduler(t)
	ran := false
	sched.Fork(func() { ran = true })
	require.True(t, ran)
}

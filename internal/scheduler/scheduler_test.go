package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/worker"
)

func init() {
	_ = logger.Init("error", "json")
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	pools, err := worker.NewPools(context.Background(), worker.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)
	s := New(pools.General)
	t.Cleanup(func() { s.Stop(2 * time.Second) })
	return s
}

func TestScheduler_RejectsBadCron(t *testing.T) {
	s := newTestScheduler(t)
	err := s.Register("bad", "not a cron", func(context.Context) {})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeBadConfig))
}

func TestScheduler_FiresOnSecondsSchedule(t *testing.T) {
	s := newTestScheduler(t)

	var runs atomic.Int32
	require.NoError(t, s.Register("tick", "* * * * * *", func(context.Context) {
		runs.Add(1)
	}))
	s.Start(context.Background())

	require.Eventually(t, func() bool { return runs.Load() >= 2 },
		3500*time.Millisecond, 20*time.Millisecond)
}

// Triggers that land while an execution is in flight collapse into a
// single follow-up run.
func TestScheduler_CoalescesOverlappingRuns(t *testing.T) {
	s := newTestScheduler(t)

	var runs atomic.Int32
	release := make(chan struct{})
	require.NoError(t, s.Register("slow", "0 0 0 1 1 *", func(context.Context) {
		runs.Add(1)
		<-release
	}))

	ctx := context.Background()
	require.NoError(t, s.Trigger(ctx, "slow"))
	require.Eventually(t, func() bool { return runs.Load() == 1 },
		time.Second, 5*time.Millisecond)

	// Five triggers against a blocked task leave exactly one pending.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Trigger(ctx, "slow"))
	}
	close(release)

	require.Eventually(t, func() bool { return runs.Load() == 2 },
		time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())
}

func TestScheduler_TriggerUnknownTask(t *testing.T) {
	s := newTestScheduler(t)
	err := s.Trigger(context.Background(), "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestScheduler_StopDrains(t *testing.T) {
	s := newTestScheduler(t)

	var runs atomic.Int32
	require.NoError(t, s.Register("tick", "* * * * * *", func(context.Context) {
		runs.Add(1)
	}))
	s.Start(context.Background())

	require.Eventually(t, func() bool { return runs.Load() >= 1 },
		2*time.Second, 20*time.Millisecond)
	assert.True(t, s.Stop(2*time.Second))

	settled := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())
}

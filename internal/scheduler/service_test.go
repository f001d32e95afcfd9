package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbot/internal/eventbus"
	logx "feedbot/pkg/logx"
)

func TestAddScheduleValidates(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }

	assert.Error(t, s.AddSchedule("", "5m", 0, job))
	assert.Error(t, s.AddSchedule("x", "5m", 0, nil))
	assert.Error(t, s.AddSchedule("x", "61 * * * *", 0, job))
	require.NoError(t, s.AddSchedule("x", "*/5 * * * *", 0, job))
	require.NoError(t, s.AddSchedule("x", "10m", 0, job))

	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 1, "same name replaces")
	assert.Equal(t, "@every 10m0s", snap.Schedules[0].Spec)
	assert.False(t, snap.Running)

	assert.True(t, s.Remove("x"))
	assert.False(t, s.Remove("x"))
}

func TestRunNowSkipsOverlap(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "scheduler.")
	defer unsub()
	s := New(Config{}, logx.Nop(), bus)

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.AddSchedule("cycle", "1h", time.Second, func(ctx context.Context) error {
		close(entered)
		<-release
		return errors.New("feed down")
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "cycle") }()
	<-entered
	assert.ErrorIs(t, s.RunNow(context.Background(), "cycle"), ErrOverlap)
	close(release)
	assert.EqualError(t, <-done, "feed down")

	info := s.Snapshot().Schedules[0]
	assert.EqualValues(t, 1, info.Runs)
	assert.EqualValues(t, 1, info.Skips)
	assert.EqualValues(t, 1, info.Failures)
	assert.Equal(t, "feed down", info.LastErr)

	require.Len(t, events, 2)
	assert.Equal(t, EventRunSkipped, (<-events).Type)
	ev := <-events
	assert.Equal(t, EventRunDone, ev.Type)
	assert.Equal(t, "feed down", ev.Data.(RunEvent).Error)

	assert.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestRunNowAppliesTimeoutAndRecovers(t *testing.T) {
	s := New(Config{DefaultTimeout: 20 * time.Millisecond}, logx.Nop(), nil)
	require.NoError(t, s.AddSchedule("slow", "1h", 0, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, s.AddSchedule("boom", "1h", 0, func(context.Context) error { panic("bad") }))

	assert.ErrorIs(t, s.RunNow(context.Background(), "slow"), context.DeadlineExceeded)
	assert.ErrorContains(t, s.RunNow(context.Background(), "boom"), "panic: bad")
}

func TestServiceTriggersCron(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	var runs atomic.Int32
	require.NoError(t, s.AddSchedule("tick", "cron:* * * * * *", 0, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()
	assert.True(t, s.Snapshot().Running)
	assert.Equal(t, "UTC", s.Snapshot().Timezone)
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestIntervalSpreadDelaysFirstRun(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "feed")
	assert.Less(t, jitter, maxStartupSpread)
	first := sched.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.Equal(t, first.Add(time.Minute).Truncate(time.Second), sched.Next(first).Truncate(time.Second))
}

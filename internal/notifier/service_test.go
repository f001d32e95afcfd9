package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbot/internal/eventbus"
	"feedbot/internal/storage"
	"feedbot/internal/transport"
	logx "feedbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	calls int
}

func (f *fakeSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return transport.MessageRef{}, errors.New("telegram: 502")
	}
	f.sent = append(f.sent, text)
	return transport.MessageRef{MessageID: len(f.sent)}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Target:      transport.ChatTarget{ChatID: 7},
		Workers:     1,
		RatePerSec:  100,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestAlertDeliversWithPriorityPrefix(t *testing.T) {
	sender := &fakeSender{}
	s := New(testConfig(), sender, logx.Nop(), nil, nil)
	s.Start(context.Background())

	require.NoError(t, s.Alert(context.Background(), "dispatch", 9, "flush failed"))
	stop(t, s)

	assert.Equal(t, []string{"🚨 flush failed"}, sender.texts())
	require.Len(t, s.Snapshot(), 1)
}

func TestNotifyRetries(t *testing.T) {
	sender := &fakeSender{fails: 2}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, EventSent, EventFailed)
	defer unsub()
	s := New(testConfig(), sender, logx.Nop(), bus, nil)
	s.Start(context.Background())

	require.NoError(t, s.Alert(context.Background(), "feed", 1, "feed down"))
	stop(t, s)

	assert.Equal(t, 3, sender.calls)
	assert.Equal(t, []string{"feed down"}, sender.texts())
	require.Len(t, events, 1)
	assert.Equal(t, EventSent, (<-events).Type)
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	sender := &fakeSender{fails: 10}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, EventFailed)
	defer unsub()
	s := New(testConfig(), sender, logx.Nop(), bus, nil)
	s.Start(context.Background())

	require.NoError(t, s.Alert(context.Background(), "feed", 1, "feed down"))
	stop(t, s)

	assert.Equal(t, 3, sender.calls)
	require.Len(t, events, 1)
	assert.Equal(t, "telegram: 502", (<-events).Data.(NotificationEvent).Error)
}

func TestNotifyDedups(t *testing.T) {
	sender := &fakeSender{}
	s := New(testConfig(), sender, logx.Nop(), nil, nil)
	s.Start(context.Background())
	ctx := context.Background()

	require.NoError(t, s.Alert(ctx, "dispatch", 5, "same"))
	require.NoError(t, s.Alert(ctx, "dispatch", 5, "same"))
	require.NoError(t, s.Alert(ctx, "dispatch", 5, "other"))
	require.NoError(t, s.Notify(ctx, transport.Notification{Target: transport.ChatTarget{ChatID: 7}, Text: "no channel"}))
	require.NoError(t, s.Notify(ctx, transport.Notification{Target: transport.ChatTarget{ChatID: 7}, Text: "no channel"}))
	stop(t, s)

	assert.ElementsMatch(t, []string{"ℹ️ same", "ℹ️ other", "no channel", "no channel"}, sender.texts())
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	st := storage.NewMemory()
	cfg := testConfig()
	cfg.PersistDedup = true
	ctx := context.Background()

	first := &fakeSender{}
	s := New(cfg, first, logx.Nop(), nil, st)
	s.Start(ctx)
	require.NoError(t, s.Alert(ctx, "dispatch", 1, "x"))
	stop(t, s)
	require.Len(t, first.texts(), 1)

	second := &fakeSender{}
	s = New(cfg, second, logx.Nop(), nil, st)
	s.Start(ctx)
	require.NoError(t, s.Alert(ctx, "dispatch", 1, "x"))
	stop(t, s)
	assert.Empty(t, second.texts())
}

func TestNotifyStates(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig()
	cfg.Enabled = false
	assert.ErrorIs(t, New(cfg, &fakeSender{}, logx.Nop(), nil, nil).Alert(ctx, "x", 1, "y"), ErrDisabled)

	s := New(testConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	assert.ErrorIs(t, s.Alert(ctx, "x", 1, "y"), ErrStopped)

	cfg = testConfig()
	cfg.Target = transport.ChatTarget{}
	assert.ErrorIs(t, New(cfg, &fakeSender{}, logx.Nop(), nil, nil).Alert(ctx, "x", 1, "y"), ErrNoTarget)
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.GreaterOrEqual(t, retryDelay(cfg, 1), 70*time.Millisecond)
}

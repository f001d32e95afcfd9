package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbot/internal/transport"
)

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithRoot(zerolog.New(&buf)).With(String("comp", "dispatch"))

	log.Warn("flush failed", Err(errors.New("boom")), Int("pending", 3))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, "flush failed", rec["message"])
	assert.Equal(t, "dispatch", rec["comp"])
	assert.Equal(t, "boom", rec["err"])
	assert.EqualValues(t, 3, rec["pending"])
	assert.Contains(t, rec["caller"], "logx_test.go")
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Info("dropped")
	assert.False(t, Nop().IsZero())
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warning", "error"} {
		assert.True(t, ValidLevel(lvl), lvl)
	}
	assert.False(t, ValidLevel("loud"))
}

func TestFormatAlert(t *testing.T) {
	got := formatAlert([]byte(`{"level":"error","message":"flush failed","time":"x","dest":"123","comp":"app"}`))
	assert.Equal(t, "[ERROR] flush failed\n- comp=app\n- dest=123", got)

	assert.Equal(t, "plain text", formatAlert([]byte("  plain text \n")))
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) SendText(_ context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	return transport.MessageRef{}, nil
}

func (r *recordingSender) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestAlertSinkForwardsAboveMinLevel(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level:  "debug",
		Alerts: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10},
	}, sender)
	defer svc.Close()
	svc.SetAlertTarget(transport.ChatTarget{ChatID: 42})

	log.Warn("below threshold")
	log.Error("delivery failed", String("dest", "abc"))

	require.Eventually(t, func() bool { return len(sender.texts()) == 1 }, time.Second, 10*time.Millisecond)
	msg := sender.texts()[0]
	assert.True(t, strings.HasPrefix(msg, "[ERROR] delivery failed"), msg)
	assert.Contains(t, msg, "- dest=abc")
}

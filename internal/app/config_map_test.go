package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbot/internal/config"
)

func TestMapNotifierDefaultsFollowTelegram(t *testing.T) {
	t.Parallel()
	n, err := mapNotifier(&config.Config{})
	require.NoError(t, err)
	assert.False(t, n.Enabled)

	n, err = mapNotifier(&config.Config{Telegram: &config.TelegramConfig{Token: "x", AdminChat: -100, ThreadID: 7}})
	require.NoError(t, err)
	assert.True(t, n.Enabled)
	assert.Equal(t, int64(-100), n.Target.ChatID)
	assert.Equal(t, 7, n.Target.ThreadID)
	assert.Equal(t, 10*time.Minute, n.DedupWindow)
}

func TestMapCycleDefaults(t *testing.T) {
	t.Parallel()
	skip := false
	st, err := mapCycle(&config.Config{Feeds: []config.FeedConfig{
		{ID: "a", URL: " https://x ", Channel: "1", SkipBacklog: &skip},
		{ID: "b", Disabled: true},
	}})
	require.NoError(t, err)
	assert.Equal(t, defaultFlushTimeout, st.flushTimeout)
	assert.Equal(t, defaultFetchTimeout, st.fetchTimeout)
	assert.Equal(t, defaultFetchConcurrency, st.fetchConcurrency)
	assert.Equal(t, defaultAlertAfter, st.alertAfter)
	require.Len(t, st.sources, 1)
	assert.Equal(t, "https://x", st.sources[0].URL)
	assert.False(t, st.sources[0].SkipBacklog)

	_, err = mapCycle(&config.Config{Dispatch: config.DispatchConfig{FlushTimeout: "later"}})
	assert.Error(t, err)
}

func TestMapStorage(t *testing.T) {
	t.Parallel()
	sc, err := mapStorage(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "none", sc.Driver)

	sc, err = mapStorage(&config.Config{Storage: &config.StorageConfig{Driver: " SQLite ", Path: "x.db", SeenRetention: "24h"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)
	assert.Equal(t, 24*time.Hour, sc.SeenRetention)
}

package app

import (
	"errors"
	"strings"
	"time"

	"feedbot/internal/config"
	"feedbot/internal/feed"
	"feedbot/internal/notifier"
	"feedbot/internal/observability/diag"
	"feedbot/internal/platform/discord"
	"feedbot/internal/scheduler"
	"feedbot/internal/storage"
	"feedbot/internal/transport"
	"feedbot/internal/transport/telegram"
	logx "feedbot/pkg/logx"
)

const (
	defaultSchedule         = "5m"
	defaultFlushTimeout     = 2 * time.Minute
	defaultFetchTimeout     = 30 * time.Second
	defaultFetchConcurrency = 4
	defaultAlertAfter       = 3
)

// cycleSettings is the part of the config read by every cycle.
type cycleSettings struct {
	sources          []feed.Source
	template         string
	flushTimeout     time.Duration
	fetchTimeout     time.Duration
	fetchConcurrency int
	alertAfter       int
}

func mapCycle(cfg *config.Config) (cycleSettings, error) {
	d := cfg.Dispatch
	flush, err := config.ParseDurationOrDefault("dispatch.flush_timeout", d.FlushTimeout, defaultFlushTimeout)
	if err != nil {
		return cycleSettings{}, err
	}
	fetch, err := config.ParseDurationOrDefault("dispatch.fetch_timeout", d.FetchTimeout, defaultFetchTimeout)
	if err != nil {
		return cycleSettings{}, err
	}
	st := cycleSettings{
		sources:          mapSources(cfg),
		template:         d.Template,
		flushTimeout:     flush,
		fetchTimeout:     fetch,
		fetchConcurrency: d.FetchConcurrency,
		alertAfter:       d.AlertAfter,
	}
	if st.fetchConcurrency <= 0 {
		st.fetchConcurrency = defaultFetchConcurrency
	}
	if st.alertAfter <= 0 {
		st.alertAfter = defaultAlertAfter
	}
	return st, nil
}

func mapSources(cfg *config.Config) []feed.Source {
	out := make([]feed.Source, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		if f.Disabled {
			continue
		}
		out = append(out, feed.Source{
			ID:          f.ID,
			URL:         strings.TrimSpace(f.URL),
			ChannelID:   strings.TrimSpace(f.Channel),
			RoleIDs:     append([]string(nil), f.Roles...),
			Template:    f.Template,
			MaxItems:    f.MaxItems,
			SkipBacklog: f.SkipsBacklog(),
		})
	}
	return out
}

func schedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Dispatch.Schedule); s != "" {
		return s
	}
	return defaultSchedule
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Dispatch.Timezone)}
}

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Telegram.Enabled && cfg.Telegram != nil,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func adminTarget(cfg *config.Config) transport.ChatTarget {
	if cfg.Telegram == nil {
		return transport.ChatTarget{}
	}
	return transport.ChatTarget{ChatID: cfg.Telegram.AdminChat, ThreadID: cfg.Telegram.ThreadID}
}

func mapTelegram(cfg *config.Config) (telegram.Config, bool, error) {
	t := cfg.Telegram
	if t == nil {
		return telegram.Config{}, false, nil
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, false, err
	}
	return telegram.Config{Token: t.Token, PollTimeout: poll, AdminChat: t.AdminChat}, true, nil
}

func mapDiscord(cfg *config.Config) (discord.Config, error) {
	timeout, err := config.ParseDurationOrDefault("discord.timeout", cfg.Discord.Timeout, 15*time.Second)
	if err != nil {
		return discord.Config{}, err
	}
	return discord.Config{Token: cfg.Discord.Token, Timeout: timeout}, nil
}

// mapNotifier defaults to enabled when telegram is configured.
func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		n = &config.NotifierConfig{Enabled: cfg.Telegram != nil, RatePerSec: 3, RetryMax: 3, DedupWindow: "10m"}
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, errors.New("notifier: counts must be >= 0")
	}
	return notifier.Config{
		Enabled:         n.Enabled && cfg.Telegram != nil,
		Target:          adminTarget(cfg),
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	if s == nil {
		return storage.Config{Driver: "none"}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	retention, err := config.ParseDurationField("storage.seen_retention", s.SeenRetention)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:        strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:          strings.TrimSpace(s.Path),
		BusyTimeout:   busy,
		SeenRetention: retention,
	}, nil
}

func mapDiag(cfg *config.Config) diag.Config {
	d := cfg.Diag
	if d == nil {
		return diag.Config{}
	}
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		ReadTimeout:   10 * time.Second,
		// pprof profiles stream for up to 30s by default.
		WriteTimeout: 60 * time.Second,
	}
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"feedbot/internal/article"
	"feedbot/internal/observability/diag"
	"feedbot/internal/scheduler"
	"feedbot/internal/storage"
	logx "feedbot/pkg/logx"
)

// Validate checks cfg and returns every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Discord.Token) == "" && !cfg.Discord.DryRun {
		add("discord.token is required unless discord.dry_run is set")
	}
	dur("discord.timeout", cfg.Discord.Timeout)

	if t := cfg.Telegram; t != nil {
		if strings.TrimSpace(t.Token) == "" {
			add("telegram.token is required when telegram is set")
		}
		if t.AdminChat == 0 {
			add("telegram.admin_chat is required when telegram is set")
		}
		dur("telegram.poll_timeout", t.PollTimeout)
	}
	if cfg.Logging.Telegram.Enabled && cfg.Telegram == nil {
		add("logging.telegram requires the telegram section")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled")
	}

	d := cfg.Dispatch
	if strings.TrimSpace(d.Schedule) != "" {
		if _, err := scheduler.ParseSchedule(d.Schedule); err != nil {
			add("dispatch.schedule: %w", err)
		}
	}
	dur("dispatch.flush_timeout", d.FlushTimeout)
	dur("dispatch.fetch_timeout", d.FetchTimeout)
	if d.Parallelism < 0 || d.FetchConcurrency < 0 || d.AlertAfter < 0 {
		add("dispatch: parallelism, fetch_concurrency and alert_after must be >= 0")
	}
	if d.MaxAttempts < -1 {
		add("dispatch.max_attempts must be >= -1")
	}
	if err := article.Parse(d.Template); err != nil {
		add("dispatch.template: %w", err)
	}

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.PersistDedup && (cfg.Storage == nil || strings.TrimSpace(cfg.Storage.Driver) == "") {
			add("notifier.persist_dedup requires storage")
		}
	}
	if s := cfg.Storage; s != nil {
		if !storage.ValidDriver(s.Driver) {
			add("storage.driver: unknown driver %q", s.Driver)
		}
		dur("storage.busy_timeout", s.BusyTimeout)
		dur("storage.seen_retention", s.SeenRetention)
	}

	if dg := cfg.Diag; dg != nil && dg.Enabled && strings.TrimSpace(dg.Addr) != "" {
		if dg.Token == "" && !dg.AllowInsecure && !diag.IsLoopbackAddr(dg.Addr) {
			add("diag.addr %q is not loopback; set diag.token or diag.allow_insecure", dg.Addr)
		}
	}

	ids := map[string]struct{}{}
	for i, f := range cfg.Feeds {
		path := fmt.Sprintf("feeds[%d]", i)
		if f.ID == "" {
			add("%s.id is required", path)
		} else if _, dup := ids[f.ID]; dup {
			add("%s.id %q is duplicated", path, f.ID)
		}
		ids[f.ID] = struct{}{}
		if u, err := url.Parse(f.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("%s.url must be an http(s) URL", path)
		}
		if strings.TrimSpace(f.Channel) == "" {
			add("%s.channel is required", path)
		}
		for _, r := range f.Roles {
			if strings.TrimSpace(r) == "" {
				add("%s.roles contains an empty id", path)
				break
			}
		}
		if f.MaxItems < 0 {
			add("%s.max_items must be >= 0", path)
		}
		if err := article.Parse(f.Template); err != nil {
			add("%s.template: %w", path, err)
		}
	}
	return errors.Join(errs...)
}

package config

import (
	"reflect"
	"sort"
	"strings"

	logx "feedbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe
// structured attrs for logging. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	od, nd := oldCfg.Discord, newCfg.Discord
	if od.Timeout != nd.Timeout || od.DryRun != nd.DryRun || od.Token != nd.Token {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.dry_run", nd.DryRun),
			logx.Bool("discord.token_changed", od.Token != nd.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.enabled", newCfg.Telegram != nil))
		if t := newCfg.Telegram; t != nil {
			attrs = append(attrs, logx.Bool("telegram.commands", t.Commands))
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.schedule", strings.TrimSpace(newCfg.Dispatch.Schedule)),
			logx.Int("dispatch.parallelism", newCfg.Dispatch.Parallelism),
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs, logx.String("storage.driver", s.Driver))
		}
	}

	if !reflect.DeepEqual(oldCfg.Diag, newCfg.Diag) {
		changed = append(changed, "diag")
		if dg := newCfg.Diag; dg != nil {
			attrs = append(attrs,
				logx.Bool("diag.enabled", dg.Enabled),
				logx.String("diag.addr", dg.Addr),
				logx.Bool("diag.token_set", dg.Token != ""),
			)
		}
	}

	if added, removed, modified := diffFeeds(oldCfg.Feeds, newCfg.Feeds); len(added)+len(removed)+len(modified) > 0 {
		changed = append(changed, "feeds")
		attrs = append(attrs,
			logx.Strings("feeds.added", added),
			logx.Strings("feeds.removed", removed),
			logx.Strings("feeds.modified", modified),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func diffFeeds(oldF, newF []FeedConfig) (added, removed, modified []string) {
	oldM := make(map[string]FeedConfig, len(oldF))
	for _, f := range oldF {
		oldM[f.ID] = f
	}
	newM := make(map[string]struct{}, len(newF))
	for _, f := range newF {
		newM[f.ID] = struct{}{}
		o, ok := oldM[f.ID]
		switch {
		case !ok:
			added = append(added, f.ID)
		case !reflect.DeepEqual(o, f):
			modified = append(modified, f.ID)
		}
	}
	for _, f := range oldF {
		if _, ok := newM[f.ID]; !ok {
			removed = append(removed, f.ID)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(modified)
	return added, removed, modified
}

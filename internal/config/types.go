package config

// Config is the feedbot config file, JSON or YAML.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Discord  DiscordConfig   `json:"discord"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Logging  LoggingConfig   `json:"logging"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Diag     *DiagConfig     `json:"diag,omitempty"`
	Feeds    []FeedConfig    `json:"feeds"`
}

type DiscordConfig struct {
	Token   string `json:"token"`
	Timeout string `json:"timeout,omitempty"` // per REST call, default "15s"
	// DryRun posts to an in-memory platform instead of Discord. Every
	// channel in feeds is registered with its roles.
	DryRun bool `json:"dry_run,omitempty"`
}

// TelegramConfig enables operator alerts and admin commands.
// If the section is omitted, alerts are off.
type TelegramConfig struct {
	Token     string `json:"token"`
	AdminChat int64  `json:"admin_chat"`
	ThreadID  int    `json:"thread_id,omitempty"`
	// PollTimeout is only used when Commands is true.
	PollTimeout string `json:"poll_timeout,omitempty"`
	Commands    bool   `json:"commands,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log records at or above MinLevel to the admin chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatchConfig controls the fetch/enqueue/flush cycle.
//
// Defaults:
//   - schedule: "5m"
//   - parallelism: 1
//   - flush_timeout: "2m"
//   - fetch_timeout: "30s"
//   - fetch_concurrency: 4
//   - alert_after: 3 consecutive failures
//   - max_attempts: 5 failed flushes per article (-1 keeps retrying)
type DispatchConfig struct {
	// Schedule accepts cron ("*/5 * * * *"), a duration ("5m") or HH:MM.
	Schedule         string `json:"schedule"`
	Timezone         string `json:"timezone,omitempty"`
	Parallelism      int    `json:"parallelism,omitempty"`
	FlushTimeout     string `json:"flush_timeout,omitempty"`
	FetchTimeout     string `json:"fetch_timeout,omitempty"`
	FetchConcurrency int    `json:"fetch_concurrency,omitempty"`
	UserAgent        string `json:"user_agent,omitempty"`
	MaxAttempts      int    `json:"max_attempts,omitempty"`
	// AlertAfter is the number of consecutive failures of a feed or a
	// destination before operators are alerted.
	AlertAfter int  `json:"alert_after,omitempty"`
	RunOnStart bool `json:"run_on_start,omitempty"`
	// Template is the default article template.
	Template string `json:"template,omitempty"`
}

// NotifierConfig controls the async alert pipeline.
// If the section is omitted, the notifier is enabled when telegram is set.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls persistence of the seen set and delivery log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/feedbot.db" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`   // sqlite
	SeenRetention string `json:"seen_retention,omitempty"` // default "90d"
}

// DiagConfig enables the operator HTTP endpoint (/healthz, /status and
// optionally /debug/pprof/). Default addr is 127.0.0.1:6060.
type DiagConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// FeedConfig is one feed and its destination channel.
type FeedConfig struct {
	ID       string   `json:"id"`
	URL      string   `json:"url"`
	Channel  string   `json:"channel"`
	Roles    []string `json:"roles,omitempty"`
	Template string   `json:"template,omitempty"`
	MaxItems int      `json:"max_items,omitempty"`
	// SkipBacklog defaults to true: the first fetch only records what is
	// already there.
	SkipBacklog *bool `json:"skip_backlog,omitempty"`
	Disabled    bool  `json:"disabled,omitempty"`
}

func (f FeedConfig) SkipsBacklog() bool { return f.SkipBacklog == nil || *f.SkipBacklog }

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedbot/internal/article"
	"feedbot/internal/config"
	"feedbot/internal/dispatch"
	"feedbot/internal/eventbus"
	"feedbot/internal/feed"
	"feedbot/internal/notifier"
	"feedbot/internal/observability/diag"
	"feedbot/internal/platform/discord"
	"feedbot/internal/platform/memory"
	"feedbot/internal/runtime/supervisor"
	"feedbot/internal/scheduler"
	"feedbot/internal/storage"
	"feedbot/internal/transport"
	"feedbot/internal/transport/telegram"
	logx "feedbot/pkg/logx"
)

const cycleJob = "dispatch.cycle"

// Platform is the chat service articles are posted to.
type Platform interface {
	dispatch.Platform
	article.Sender
}

type alerter interface {
	Alert(ctx context.Context, channel string, priority int, text string) error
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	bot      *telegram.Bot // nil without a telegram section
	platform Platform
	queue    *dispatch.Queue[article.Article]
	fetcher  *feed.Fetcher
	sched    *scheduler.Service
	notif    *notifier.Service
	alerts   alerter
	diag     *diag.Service

	mu        sync.Mutex
	settings  cycleSettings
	pending   map[itemKey]struct{}
	feedFails map[string]int
	last      cycleStats
}

// NewApp loads the config and builds every component without starting
// any of them. On error everything opened so far is closed again.
func NewApp(cfgPath string) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	settings, err := mapCycle(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)

	var cleanup []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	var (
		bot    *telegram.Bot
		sender transport.Sender
	)
	tc, ok, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	if ok {
		bot, err = telegram.New(tc, bootLog.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		sender = bot
		cleanup = append(cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = bot.Stop(ctx)
		})
	}

	// Alerts start disabled so the target is set before the sink turns on.
	logCfg := mapLogging(cfg)
	finalLogCfg := logCfg
	logCfg.Alerts.Enabled = false
	logSvc, log := logx.New(logCfg, sender)
	logSvc.SetAlertTarget(adminTarget(cfg))
	logSvc.Apply(finalLogCfg)
	cleanup = append(cleanup, func() { _ = logSvc.Close() })

	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, func() { _ = store.Close() })
	log.Info("storage ready", logx.String("driver", sc.Driver))

	platform, err := newPlatform(cfg, log.With(logx.String("comp", "platform")))
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus, store)

	a := &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       bus,
		store:     store,
		bot:       bot,
		platform:  platform,
		sched:     scheduler.New(mapScheduler(cfg), log.With(logx.String("comp", "scheduler")), bus),
		notif:     notif,
		alerts:    notif,
		settings:  settings,
		pending:   map[itemKey]struct{}{},
		feedFails: map[string]int{},
	}
	a.diag = diag.New(mapDiag(cfg), log.With(logx.String("comp", "diag")), func() any { return a.status() })
	a.fetcher = feed.NewFetcher(store, log.With(logx.String("comp", "feed")),
		feed.WithUserAgent(strings.TrimSpace(cfg.Dispatch.UserAgent)))
	a.queue = dispatch.NewQueue(a.buildArticle,
		dispatch.WithBus(bus),
		dispatch.WithParallelism(cfg.Dispatch.Parallelism),
		dispatch.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
		dispatch.WithDropHandler(a.dropped),
	)
	if err = a.sched.AddSchedule(cycleJob, schedule(cfg), settings.fetchTimeout+settings.flushTimeout, a.cycle); err != nil {
		return nil, fmt.Errorf("dispatch.schedule: %w", err)
	}
	if bot != nil && cfg.Telegram.Commands {
		a.registerCommands()
	}
	return a, nil
}

// newPlatform returns Discord, or an in-memory platform knowing every
// configured channel in dry-run mode.
func newPlatform(cfg *config.Config, log logx.Logger) (Platform, error) {
	if cfg.Discord.DryRun {
		p := memory.New()
		for _, f := range cfg.Feeds {
			p.AddChannel(strings.TrimSpace(f.Channel), "dry-run", f.Roles...)
		}
		log.Info("dry run: posts stay in memory")
		return p, nil
	}
	dc, err := mapDiscord(cfg)
	if err != nil {
		return nil, err
	}
	return discord.New(dc, log)
}

// buildArticle is the queue factory. The default template is read at build
// time so reloads apply to the next enqueue.
func (a *App) buildArticle(art article.Article) dispatch.Message {
	a.mu.Lock()
	tmpl := a.settings.template
	a.mu.Unlock()
	return article.Factory{Sender: a.platform, Template: tmpl, Observe: a.observe}.Build(art)
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if a.bot != nil {
		a.bot.Start(a.sup.Context())
	}
	a.notif.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.diag.Start(a.sup.Context())

	a.sup.Go0("eventbus.log", a.logEvents)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if cfg := a.cfgm.Get(); cfg != nil && cfg.Dispatch.RunOnStart {
		a.sup.Go0("dispatch.first_cycle", func(c context.Context) {
			if err := a.sched.RunNow(c, cycleJob); err != nil && !errors.Is(err, scheduler.ErrOverlap) {
				a.log.Warn("first cycle failed", logx.Err(err))
			}
		})
	}

	a.log.Info("app started", logx.Int("feeds", len(a.sources())))
	return nil
}

// RunOnce runs a single cycle without starting the scheduler.
func (a *App) RunOnce(ctx context.Context) error {
	a.notif.Start(ctx)
	return a.sched.RunNow(ctx, cycleJob)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// Flush what the last cycle left behind so role flags are restored and
	// queued posts are not lost.
	step("dispatch", a.flushTimeout(), func(c context.Context) error {
		if len(a.queue.Pending()) == 0 {
			return nil
		}
		return a.queue.Flush(c, a.platform)
	})
	step("diag", 2*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.bot != nil {
		step("telegram", 2*time.Second, a.bot.Stop)
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	if a.sup != nil {
		step("supervisor", 2*time.Second, a.sup.Wait)
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

// reloadLoop applies published configs. Storage, discord and telegram
// changes need a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, cfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "discord", "telegram":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	if oldCfg != nil && oldCfg.Dispatch.Parallelism != cfg.Dispatch.Parallelism {
		a.log.Warn("dispatch.parallelism changed; restart required")
	}
	if oldCfg != nil && oldCfg.Dispatch.MaxAttempts != cfg.Dispatch.MaxAttempts {
		a.log.Warn("dispatch.max_attempts changed; restart required")
	}

	a.logs.SetAlertTarget(adminTarget(cfg))
	a.logs.Apply(mapLogging(cfg))

	if st, err := mapCycle(cfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.mu.Lock()
		a.settings = st
		a.mu.Unlock()
		if err := a.sched.AddSchedule(cycleJob, schedule(cfg), st.fetchTimeout+st.flushTimeout, a.cycle); err != nil {
			a.log.Warn("invalid dispatch.schedule; keeping previous", logx.Err(err))
		}
	}
	a.sched.Apply(mapScheduler(cfg))

	if ncfg, err := mapNotifier(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		was := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case was && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !was && ncfg.Enabled:
			a.notif.Start(ctx)
		}
	}

	a.diag.Reconfigure(ctx, mapDiag(cfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch ev := e.Data.(type) {
			case dispatch.ToggleEvent:
				a.log.Warn("role toggle not permitted",
					logx.String("channel", ev.Destination),
					logx.String("role", ev.Group),
					logx.Bool("notifiable", ev.Notifiable),
					logx.String("error", ev.Error),
				)
			case dispatch.FlushEvent:
				a.log.Info("flush done",
					logx.String("flush_id", ev.FlushID),
					logx.Int("destinations", ev.Destinations),
					logx.Int("delivered", ev.Delivered),
					logx.Int("retained", ev.Retained),
					logx.Int("dropped", ev.Dropped),
					logx.Duration("took", ev.Took),
				)
			case dispatch.DropEvent:
				a.log.Debug("queued post dropped",
					logx.String("flush_id", ev.FlushID),
					logx.String("channel", ev.Destination),
					logx.Int("attempts", ev.Attempts),
				)
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) sources() []feed.Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.sources
}

func (a *App) flushTimeout() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.flushTimeout
}

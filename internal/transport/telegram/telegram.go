// Package telegram sends operator alerts through a Telegram bot and serves a
// few admin commands from the operator chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"feedbot/internal/runtime/supervisor"
	"feedbot/internal/transport"
	logx "feedbot/pkg/logx"
)

type Config struct {
	Token       string
	APIURL      string // empty means api.telegram.org
	PollTimeout time.Duration
	HTTPTimeout time.Duration
	// AdminChat is the only chat whose commands are answered.
	AdminChat int64
	// Offline skips the getMe call; used by tests.
	Offline bool
}

// CommandFunc answers a command. args is the text after the command.
type CommandFunc func(ctx context.Context, args string) (string, error)

type Bot struct {
	cfg Config
	log    logx.Logger
	bot    *tele.Bot
	client *http.Client

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 10 * time.Second
	}
	httpTimeout := cfg.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = poll + 5*time.Second
	}
	client := &http.Client{Timeout: httpTimeout}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: poll},
		Client:  client,
		Offline: cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{cfg: cfg, log: log, bot: b, client: client}, nil
}

// Handle registers fn for "/name". Commands from other chats than
// Config.AdminChat are ignored.
func (b *Bot) Handle(name string, fn CommandFunc) {
	b.bot.Handle("/"+strings.TrimPrefix(name, "/"), func(c tele.Context) error {
		if c.Chat() == nil || c.Chat().ID != b.cfg.AdminChat {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reply, err := fn(ctx, strings.TrimSpace(c.Message().Payload))
		if err != nil {
			reply = "error: " + err.Error()
		}
		if reply == "" {
			return nil
		}
		_, err = b.SendText(ctx, transport.ChatTarget{ChatID: c.Chat().ID, ThreadID: c.Message().ThreadID}, reply, &transport.SendOptions{DisablePreview: true})
		return err
	})
}

// Start runs the long poll loop until ctx is canceled or Stop is called.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.sup != nil {
		return
	}
	b.sup = supervisor.New(ctx,
		supervisor.WithLogger(b.log.With(logx.String("comp", "telegram"))),
		supervisor.WithCancelOnError(false),
	)
	b.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		// Stop blocks until the poll loop picks it up, which may never
		// happen if the loop is between restarts.
		go b.bot.Stop()
	})
	// bot.Start blocks until Stop; restart it if it returns early.
	b.sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
		return c.Err()
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)
}

// Stop ends polling. It never blocks longer than ctx allows.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	b.runMu.Unlock()
	defer b.client.CloseIdleConnections()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn("telegram stop", logx.Err(err))
	}
	return nil
}

// SendText implements transport.Sender. Long texts go out as several
// messages; the first one is returned.
func (b *Bot) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := b.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			DisableNotification:   opt.Silent,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

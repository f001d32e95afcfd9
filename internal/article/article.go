// Package article turns feed items into dispatch messages for a chat
// channel, optionally pinging subscriber roles.
package article

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"feedbot/internal/dispatch"
)

// DefaultTemplate is used when a feed has no template of its own.
const DefaultTemplate = "{{mentions}}\n**{{title}}**\n{{link}}"

type Article struct {
	FeedID    string
	GUID      string
	Title     string
	Link      string
	Summary   string
	Author    string
	Published time.Time

	ChannelID string
	RoleIDs   []string
	// Template overrides DefaultTemplate when set.
	Template string
}

// Sender posts rendered content to a channel. roleIDs are the roles the
// post is allowed to ping.
type Sender interface {
	SendArticle(ctx context.Context, channelID, content string, roleIDs []string) error
}

// Factory builds dispatch messages bound to a Sender.
type Factory struct {
	Sender   Sender
	Template string
	// Observe, when set, is called after every send attempt.
	Observe func(ctx context.Context, a Article, took time.Duration, err error)
}

// Build satisfies dispatch.Factory[Article].
func (f Factory) Build(a Article) dispatch.Message {
	tmpl := a.Template
	if tmpl == "" {
		tmpl = f.Template
	}
	return &message{a: a, sender: f.Sender, tmpl: tmpl, observe: f.Observe}
}

type message struct {
	a       Article
	sender  Sender
	tmpl    string
	observe func(context.Context, Article, time.Duration, error)
}

func (m *message) Route() dispatch.Route {
	return dispatch.Route{DestinationID: m.a.ChannelID, Mentions: dispatch.NewMentions(m.a.RoleIDs...)}
}

func (m *message) Send(ctx context.Context) (err error) {
	if m.observe != nil {
		start := time.Now()
		defer func() { m.observe(ctx, m.a, time.Since(start), err) }()
	}
	body, err := Render(m.a, m.tmpl)
	if err != nil {
		return err
	}
	return m.sender.SendArticle(ctx, m.a.ChannelID, body, m.a.RoleIDs)
}

var (
	tmplMu    sync.Mutex
	tmplCache = map[string]*template.Template{}
)

var funcs = template.FuncMap{
	// Placeholders are bound per render in Render.
	"mentions":  func() string { return "" },
	"title":     func() string { return "" },
	"link":      func() string { return "" },
	"summary":   func() string { return "" },
	"author":    func() string { return "" },
	"published": func() string { return "" },
	"feed":      func() string { return "" },
}

// sample is rendered by Parse so templates that parse but cannot execute,
// such as one naming a missing field, are rejected up front.
var sample = Article{
	FeedID:    "feed",
	GUID:      "guid",
	Title:     "title",
	Link:      "https://example.com/",
	Published: time.Unix(0, 0),
	ChannelID: "0",
	RoleIDs:   []string{"0"},
}

// Parse validates tmpl; config validation calls it for per-feed templates.
func Parse(tmpl string) error {
	if _, err := compile(tmpl); err != nil {
		return err
	}
	if _, err := Render(sample, tmpl); err != nil {
		return fmt.Errorf("execute template: %w", err)
	}
	return nil
}

func compile(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	tmplMu.Lock()
	defer tmplMu.Unlock()
	if t, ok := tmplCache[tmpl]; ok {
		return t, nil
	}
	t, err := template.New("article").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	tmplCache[tmpl] = t
	return t, nil
}

// Render fills tmpl (DefaultTemplate when empty) for a. Leading and
// trailing blank lines are trimmed, so a post without roles does not start
// with an empty line.
func Render(a Article, tmpl string) (string, error) {
	base, err := compile(tmpl)
	if err != nil {
		return "", err
	}
	t, err := base.Clone()
	if err != nil {
		return "", err
	}
	published := ""
	if !a.Published.IsZero() {
		published = a.Published.UTC().Format(time.RFC1123)
	}
	t.Funcs(template.FuncMap{
		"mentions":  func() string { return Mentions(a.RoleIDs) },
		"title":     func() string { return a.Title },
		"link":      func() string { return a.Link },
		"summary":   func() string { return a.Summary },
		"author":    func() string { return a.Author },
		"published": func() string { return published },
		"feed":      func() string { return a.FeedID },
	})

	var buf bytes.Buffer
	if err := t.Execute(&buf, a); err != nil {
		return "", fmt.Errorf("render article %s: %w", a.GUID, err)
	}
	return strings.Trim(buf.String(), "\n"), nil
}

// Mentions formats role ids as space separated role mentions.
func Mentions(roleIDs []string) string {
	parts := make([]string, 0, len(roleIDs))
	for _, id := range roleIDs {
		if id == "" {
			continue
		}
		parts = append(parts, "<@&"+id+">")
	}
	return strings.Join(parts, " ")
}

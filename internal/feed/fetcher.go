// Package feed fetches RSS/Atom/JSON feeds and returns the items not yet
// seen as articles, oldest first.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"feedbot/internal/article"
	"feedbot/internal/storage"
	logx "feedbot/pkg/logx"
)

// Source is one configured feed and where its articles go.
type Source struct {
	ID        string
	URL       string
	ChannelID string
	RoleIDs   []string
	Template  string
	// MaxItems caps new articles per fetch; 0 means no cap. Items over the
	// cap stay unseen and come back on the next fetch.
	MaxItems int
	// SkipBacklog marks every current item as seen on the first fetch of a
	// feed instead of posting it.
	SkipBacklog bool
}

type Fetcher struct {
	parser *gofeed.Parser
	store  storage.Store
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.parser.Client = c }
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.parser.UserAgent = ua
		}
	}
}

func NewFetcher(store storage.Store, log logx.Logger, opts ...Option) *Fetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := gofeed.NewParser()
	p.UserAgent = "feedbot/1.0"
	f := &Fetcher{parser: p, store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch downloads src and returns its unseen items. Items are not marked
// seen here except for a skipped backlog; callers mark them once delivered.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]article.Article, error) {
	feed, err := f.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", src.ID, err)
	}

	items := toArticles(src, feed.Items)
	guids := make([]string, len(items))
	for i, a := range items {
		guids[i] = a.GUID
	}

	if src.SkipBacklog {
		known, err := f.store.KnownFeed(ctx, src.ID)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", src.ID, err)
		}
		if !known {
			if err := f.store.MarkSeen(ctx, src.ID, guids, f.now()); err != nil {
				return nil, fmt.Errorf("feed %s: %w", src.ID, err)
			}
			f.log.Info("feed backlog skipped", logx.String("feed", src.ID), logx.Int("items", len(guids)))
			return nil, nil
		}
	}

	unseen, err := f.store.Unseen(ctx, src.ID, guids)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", src.ID, err)
	}
	keep := make(map[string]struct{}, len(unseen))
	for _, g := range unseen {
		keep[g] = struct{}{}
	}
	out := make([]article.Article, 0, len(unseen))
	for _, a := range items {
		if _, ok := keep[a.GUID]; !ok {
			continue
		}
		out = append(out, a)
		if src.MaxItems > 0 && len(out) == src.MaxItems {
			break
		}
	}
	f.log.Debug("feed fetched",
		logx.String("feed", src.ID),
		logx.Int("items", len(items)),
		logx.Int("new", len(out)),
	)
	return out, nil
}

// toArticles maps items oldest first. Feeds list newest first, so when any
// item is undated the reverse of the feed order is used.
func toArticles(src Source, items []*gofeed.Item) []article.Article {
	out := make([]article.Article, 0, len(items))
	seen := map[string]struct{}{}
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it == nil {
			continue
		}
		a := article.Article{
			FeedID:    src.ID,
			GUID:      itemGUID(it),
			Title:     strings.TrimSpace(it.Title),
			Link:      strings.TrimSpace(it.Link),
			Summary:   strings.TrimSpace(it.Description),
			Author:    itemAuthor(it),
			Published: itemTime(it),
			ChannelID: src.ChannelID,
			RoleIDs:   append([]string(nil), src.RoleIDs...),
			Template:  src.Template,
		}
		if a.GUID == "" {
			continue
		}
		if _, dup := seen[a.GUID]; dup {
			continue
		}
		seen[a.GUID] = struct{}{}
		out = append(out, a)
	}
	dated := !slices.ContainsFunc(out, func(a article.Article) bool { return a.Published.IsZero() })
	if dated {
		slices.SortStableFunc(out, func(a, b article.Article) int { return a.Published.Compare(b.Published) })
	}
	return out
}

func itemGUID(it *gofeed.Item) string {
	for _, v := range []string{it.GUID, it.Link, it.Title} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func itemAuthor(it *gofeed.Item) string {
	for _, p := range it.Authors {
		if p != nil && p.Name != "" {
			return p.Name
		}
	}
	return ""
}

func itemTime(it *gofeed.Item) time.Time {
	if it.PublishedParsed != nil {
		return *it.PublishedParsed
	}
	if it.UpdatedParsed != nil {
		return *it.UpdatedParsed
	}
	return time.Time{}
}

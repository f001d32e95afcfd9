package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"feedbot/internal/article"
	"feedbot/internal/dispatch"
	"feedbot/internal/notifier"
	"feedbot/internal/storage"
	logx "feedbot/pkg/logx"
)

// itemKey identifies an article queued but not yet delivered.
type itemKey struct{ feed, guid string }

func keyOf(a article.Article) itemKey { return itemKey{a.FeedID, a.GUID} }

type cycleStats struct {
	ID         string        `json:"id"`
	At         time.Time     `json:"at"`
	Took       time.Duration `json:"took"`
	Feeds      int           `json:"feeds"`
	FeedErrors int           `json:"feed_errors"`
	Fetched    int           `json:"fetched"`
	Enqueued   int           `json:"enqueued"`
	Err        string        `json:"err,omitempty"`
}

type cycleIDKey struct{}

func withCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

func cycleIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey{}).(string)
	return id
}

// cycle fetches every feed, enqueues what is new and flushes the queue.
// Articles still queued from an earlier cycle are not enqueued twice.
func (a *App) cycle(ctx context.Context) error {
	a.mu.Lock()
	st := a.settings
	a.mu.Unlock()

	stats := cycleStats{ID: uuid.NewString(), At: time.Now(), Feeds: len(st.sources)}
	ctx = withCycleID(ctx, stats.ID)
	log := a.log.With(logx.String("cycle", stats.ID))

	results := a.fetchAll(ctx, st)

	var sendErrs []error
	for i, res := range results {
		src := st.sources[i]
		a.recordFetch(ctx, src.ID, res.err, st.alertAfter)
		if res.err != nil {
			stats.FeedErrors++
			log.Warn("feed fetch failed", logx.String("feed", src.ID), logx.Err(res.err))
			continue
		}
		stats.Fetched += len(res.articles)
		for _, art := range res.articles {
			if !a.claim(art) {
				continue
			}
			if err := a.queue.Enqueue(ctx, art); err != nil {
				a.release(art)
				// Later items of this feed would overtake the failed one.
				sendErrs = append(sendErrs, fmt.Errorf("feed %s: %w", src.ID, err))
				log.Warn("post failed", logx.String("feed", src.ID), logx.String("guid", art.GUID), logx.Err(err))
				break
			}
			stats.Enqueued++
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, st.flushTimeout)
	flushErr := a.queue.Flush(flushCtx, a.platform)
	cancel()

	if flushErr != nil {
		var de *dispatch.Error
		if errors.As(flushErr, &de) {
			log.Error("flush failed",
				logx.String("channel", de.Destination),
				logx.String("phase", de.Phase.String()),
				logx.Err(de.Err),
			)
			a.alert(ctx, "dispatch", 8, fmt.Sprintf("Posting to channel %s failed during %s: %v", de.Destination, de.Phase, de.Err))
		} else {
			log.Error("flush failed", logx.Err(flushErr))
		}
	}

	err := errors.Join(append([]error{flushErr}, sendErrs...)...)
	stats.Took = time.Since(stats.At)
	if err != nil {
		stats.Err = err.Error()
	}
	a.mu.Lock()
	a.last = stats
	a.mu.Unlock()

	log.Debug("cycle done",
		logx.Int("feeds", stats.Feeds),
		logx.Int("feed_errors", stats.FeedErrors),
		logx.Int("fetched", stats.Fetched),
		logx.Int("enqueued", stats.Enqueued),
		logx.Duration("took", stats.Took),
	)
	return err
}

type fetchResult struct {
	articles []article.Article
	err      error
}

// fetchAll fetches every source with bounded concurrency. Results keep the
// source order.
func (a *App) fetchAll(ctx context.Context, st cycleSettings) []fetchResult {
	out := make([]fetchResult, len(st.sources))
	var g errgroup.Group
	g.SetLimit(st.fetchConcurrency)
	for i, src := range st.sources {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, st.fetchTimeout)
			defer cancel()
			arts, err := a.fetcher.Fetch(fctx, src)
			out[i] = fetchResult{articles: arts, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *App) claim(art article.Article) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := keyOf(art)
	if _, ok := a.pending[k]; ok {
		return false
	}
	a.pending[k] = struct{}{}
	return true
}

func (a *App) release(art article.Article) {
	a.mu.Lock()
	delete(a.pending, keyOf(art))
	a.mu.Unlock()
}

// observe records every send attempt. A delivered article is marked seen
// and leaves the pending set; a failed one stays queued.
func (a *App) observe(ctx context.Context, art article.Article, took time.Duration, sendErr error) {
	rec := storage.DeliveryRecord{
		At:        time.Now(),
		CycleID:   cycleIDFrom(ctx),
		FeedID:    art.FeedID,
		GUID:      art.GUID,
		ChannelID: art.ChannelID,
		Title:     art.Title,
		Link:      art.Link,
		Deferred:  dispatch.NewMentions(art.RoleIDs...) != nil,
		OK:        sendErr == nil,
		TookMS:    took.Milliseconds(),
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}

	// The flush context may already be canceled; the bookkeeping must land.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if sendErr == nil {
		if err := a.store.MarkSeen(sctx, art.FeedID, []string{art.GUID}, rec.At); err != nil {
			a.log.Warn("mark seen failed", logx.String("feed", art.FeedID), logx.String("guid", art.GUID), logx.Err(err))
		}
		a.release(art)
	}
	if err := a.store.AppendDelivery(sctx, rec); err != nil {
		a.log.Debug("delivery record failed", logx.Err(err))
	}
}

// dropped gives up on an article the queue failed to deliver too often.
// It is marked seen so later cycles do not fetch it again.
func (a *App) dropped(ctx context.Context, art article.Article, err error) {
	a.release(art)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	now := time.Now()
	if serr := a.store.MarkSeen(sctx, art.FeedID, []string{art.GUID}, now); serr != nil {
		a.log.Warn("mark seen failed", logx.String("feed", art.FeedID), logx.String("guid", art.GUID), logx.Err(serr))
	}
	rec := storage.DeliveryRecord{
		At:        now,
		CycleID:   cycleIDFrom(ctx),
		FeedID:    art.FeedID,
		GUID:      art.GUID,
		ChannelID: art.ChannelID,
		Title:     art.Title,
		Link:      art.Link,
		Deferred:  true,
		Error:     "dropped: " + err.Error(),
	}
	if serr := a.store.AppendDelivery(sctx, rec); serr != nil {
		a.log.Debug("delivery record failed", logx.Err(serr))
	}

	a.log.Warn("article dropped",
		logx.String("feed", art.FeedID),
		logx.String("guid", art.GUID),
		logx.String("channel", art.ChannelID),
		logx.Err(err),
	)
	a.alert(ctx, "dispatch", 8, fmt.Sprintf("Gave up posting %q from feed %s to channel %s: %v", art.Title, art.FeedID, art.ChannelID, err))
}

// recordFetch counts consecutive failures of a feed and alerts once when
// the count reaches alertAfter, and again when the feed recovers.
func (a *App) recordFetch(ctx context.Context, feedID string, err error, alertAfter int) {
	a.mu.Lock()
	prev := a.feedFails[feedID]
	if err == nil {
		delete(a.feedFails, feedID)
	} else {
		a.feedFails[feedID] = prev + 1
	}
	a.mu.Unlock()

	switch {
	case err != nil && prev+1 == alertAfter:
		a.alert(ctx, "feed", 5, fmt.Sprintf("Feed %s failed %d times in a row: %v", feedID, alertAfter, err))
	case err == nil && prev >= alertAfter:
		a.alert(ctx, "feed", 3, fmt.Sprintf("Feed %s recovered after %d failures", feedID, prev))
	}
}

func (a *App) alert(ctx context.Context, channel string, priority int, text string) {
	if a.alerts == nil {
		return
	}
	err := a.alerts.Alert(context.WithoutCancel(ctx), channel, priority, text)
	switch {
	case err == nil, errors.Is(err, notifier.ErrDisabled), errors.Is(err, notifier.ErrNoTarget):
	default:
		a.log.Warn("alert not queued", logx.String("channel", channel), logx.Err(err))
	}
}

package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"feedbot/internal/scheduler"
)

// statusReport is served on the diag /status endpoint.
type statusReport struct {
	Feeds        int                `json:"feeds"`
	Pending      map[string]int     `json:"pending"`
	FailingFeeds map[string]int     `json:"failing_feeds,omitempty"`
	LastCycle    *cycleStats        `json:"last_cycle,omitempty"`
	Schedule     scheduler.Snapshot `json:"schedule"`
}

func (a *App) status() statusReport {
	r := statusReport{
		Feeds:    len(a.sources()),
		Pending:  a.queue.Pending(),
		Schedule: a.sched.Snapshot(),
	}
	a.mu.Lock()
	if len(a.feedFails) > 0 {
		r.FailingFeeds = make(map[string]int, len(a.feedFails))
		for id, n := range a.feedFails {
			r.FailingFeeds[id] = n
		}
	}
	if a.last.ID != "" {
		last := a.last
		r.LastCycle = &last
	}
	a.mu.Unlock()
	return r
}

func (a *App) registerCommands() {
	a.bot.Handle("status", func(context.Context, string) (string, error) { return a.statusText(), nil })
	a.bot.Handle("pending", func(context.Context, string) (string, error) { return a.pendingText(), nil })
	a.bot.Handle("run", func(ctx context.Context, _ string) (string, error) {
		if err := a.sched.RunNow(ctx, cycleJob); err != nil {
			return "", err
		}
		return "cycle done\n" + a.lastCycleText(), nil
	})
}

func (a *App) statusText() string {
	var b strings.Builder
	snap := a.sched.Snapshot()
	fmt.Fprintf(&b, "feeds: %d\n", len(a.sources()))
	for _, s := range snap.Schedules {
		if s.Name != cycleJob {
			continue
		}
		fmt.Fprintf(&b, "schedule: %s (%s)\n", s.Spec, snap.Timezone)
		if !s.Next.IsZero() {
			fmt.Fprintf(&b, "next: %s\n", s.Next.Format(time.RFC3339))
		}
		fmt.Fprintf(&b, "runs: %d, failures: %d, skipped: %d\n", s.Runs, s.Failures, s.Skips)
	}
	b.WriteString(a.lastCycleText())

	a.mu.Lock()
	failing := make([]string, 0, len(a.feedFails))
	for id, n := range a.feedFails {
		failing = append(failing, fmt.Sprintf("%s (%d)", id, n))
	}
	a.mu.Unlock()
	if len(failing) > 0 {
		sort.Strings(failing)
		fmt.Fprintf(&b, "\nfailing feeds: %s", strings.Join(failing, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) lastCycleText() string {
	a.mu.Lock()
	last := a.last
	a.mu.Unlock()
	if last.ID == "" {
		return "last cycle: never"
	}
	s := fmt.Sprintf("last cycle: %s ago, took %s, new %d, queued %d, feed errors %d",
		time.Since(last.At).Round(time.Second), last.Took.Round(time.Millisecond),
		last.Fetched, last.Enqueued, last.FeedErrors)
	if last.Err != "" {
		s += "\nerror: " + last.Err
	}
	return s
}

func (a *App) pendingText() string {
	pending := a.queue.Pending()
	if len(pending) == 0 {
		return "nothing queued"
	}
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "channel %s: %d\n", id, pending[id])
	}
	return strings.TrimRight(b.String(), "\n")
}

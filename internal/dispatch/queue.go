package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"feedbot/internal/eventbus"
)

// DefaultMaxAttempts is the number of failed flushes a message survives
// when WithMaxAttempts is not given.
const DefaultMaxAttempts = 5

type options struct {
	bus         eventbus.Bus
	parallel    int
	maxAttempts int
	drop        func(ctx context.Context, raw any, err error)
}

type Option func(*options)

// WithBus publishes toggle and flush events on bus.
func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

// WithParallelism lets up to n destinations run the same phase at once.
// Phase barriers and per-destination ordering are unaffected.
func WithParallelism(n int) Option { return func(o *options) { o.parallel = n } }

// WithMaxAttempts drops a message once n flushes have failed to deliver it.
// A negative n keeps messages until they are delivered.
func WithMaxAttempts(n int) Option { return func(o *options) { o.maxAttempts = n } }

// WithDropHandler calls fn for every message dropped by the attempt limit,
// with the raw input it was built from and the failure of the last flush.
// fn runs after the flush, outside the queue lock, with a context that is
// not canceled.
func WithDropHandler[T any](fn func(ctx context.Context, raw T, err error)) Option {
	return func(o *options) {
		o.drop = func(ctx context.Context, raw any, err error) {
			if v, ok := raw.(T); ok {
				fn(ctx, v, err)
			}
		}
	}
}

// entry is a queued message and the number of flushes that failed it.
type entry struct {
	raw      any
	msg      Message
	attempts int
}

// Queue holds the per-destination batches of deferred messages.
// It is safe for concurrent use; flushes are serialized.
type Queue[T any] struct {
	build Factory[T]
	opt   options

	flushMu sync.Mutex

	mu      sync.Mutex
	batches map[string][]*entry
	order   []string // destinations in first-enqueue order
}

func NewQueue[T any](build Factory[T], opts ...Option) *Queue[T] {
	q := &Queue[T]{build: build, batches: map[string][]*entry{}}
	for _, o := range opts {
		o(&q.opt)
	}
	if q.opt.parallel <= 0 {
		q.opt.parallel = 1
	}
	if q.opt.maxAttempts == 0 {
		q.opt.maxAttempts = DefaultMaxAttempts
	}
	return q
}

// Enqueue builds a message from raw. Messages without Mentions are sent
// before Enqueue returns and their error is returned as is; the others are
// appended to their destination's batch.
func (q *Queue[T]) Enqueue(ctx context.Context, raw T) error {
	msg := q.build(raw)
	r := msg.Route()
	if !r.Deferred() {
		return msg.Send(ctx)
	}

	q.mu.Lock()
	if _, ok := q.batches[r.DestinationID]; !ok {
		q.order = append(q.order, r.DestinationID)
	}
	q.batches[r.DestinationID] = append(q.batches[r.DestinationID], &entry{raw: raw, msg: msg})
	q.mu.Unlock()
	return nil
}

// Pending returns the number of queued messages per destination.
func (q *Queue[T]) Pending() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.batches))
	for dest, msgs := range q.batches {
		out[dest] = len(msgs)
	}
	return out
}

type groupToggle struct {
	id     string
	toggle Toggle
}

// batch is the flush-time snapshot of one destination.
type batch struct {
	dest      string
	msgs      []*entry
	groups    []string
	toggles   []groupToggle
	delivered int
	err       *Error
}

func (b *batch) fail(phase Phase, err error) {
	if b.err == nil {
		b.err = &Error{Destination: b.dest, Phase: phase, Err: err}
	}
}

// Flush runs enable, deliver and disable over every pending batch.
//
// A fatal failure stops only its own destination: its undelivered messages
// go back to the front of its batch, while other destinations complete.
// Disable runs for every group reached by enable, failed destinations
// included, and ignores cancellation of ctx. The returned error is the
// first *Error in destination order.
//
// Every failed flush counts as an attempt for each message it leaves
// undelivered. A message reaching the attempt limit is dropped instead of
// put back, and the drop handler is told.
func (q *Queue[T]) Flush(ctx context.Context, p Platform) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	batches := q.detach()
	if len(batches) == 0 {
		return nil
	}
	start := time.Now()
	flushID := uuid.NewString()

	q.runPhase(batches, func(b *batch) { q.enable(ctx, flushID, p, b) })
	q.runPhase(batches, func(b *batch) { q.deliver(ctx, b) })
	revertCtx := context.WithoutCancel(ctx)
	q.runPhase(batches, func(b *batch) { q.disable(revertCtx, flushID, b) })

	retained, dropped := q.restore(batches)
	for _, d := range dropped {
		q.publish(EventMessageDropped, DropEvent{
			FlushID:     flushID,
			Destination: d.dest,
			Attempts:    d.attempts,
			Error:       d.err.Error(),
		})
		if q.opt.drop != nil {
			q.opt.drop(revertCtx, d.raw, d.err)
		}
	}

	var first *Error
	delivered := 0
	for _, b := range batches {
		delivered += b.delivered
		if first == nil && b.err != nil {
			first = b.err
		}
	}

	ev := FlushEvent{
		FlushID:      flushID,
		Destinations: len(batches),
		Delivered:    delivered,
		Retained:     retained,
		Dropped:      len(dropped),
		Took:         time.Since(start),
	}
	if first != nil {
		ev.Error = first.Error()
	}
	q.publish(EventFlushDone, ev)

	if first != nil {
		return first
	}
	return nil
}

func (q *Queue[T]) detach() []*batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*batch, 0, len(q.order))
	for _, dest := range q.order {
		msgs := q.batches[dest]
		if len(msgs) == 0 {
			continue
		}
		out = append(out, &batch{dest: dest, msgs: msgs, groups: unionGroups(msgs)})
	}
	q.batches = map[string][]*entry{}
	q.order = nil
	return out
}

type droppedEntry struct {
	*entry
	dest string
	err  *Error
}

// restore puts undelivered messages back ahead of anything enqueued during
// the flush. It returns how many were put back and the ones that ran out
// of attempts.
func (q *Queue[T]) restore(batches []*batch) (int, []droppedEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	retained := 0
	var dropped []droppedEntry
	var front []string
	for _, b := range batches {
		var rest []*entry
		for _, e := range b.msgs[b.delivered:] {
			e.attempts++
			if q.opt.maxAttempts > 0 && e.attempts >= q.opt.maxAttempts {
				dropped = append(dropped, droppedEntry{entry: e, dest: b.dest, err: b.err})
				continue
			}
			rest = append(rest, e)
		}
		if len(rest) == 0 {
			continue
		}
		retained += len(rest)
		later, ok := q.batches[b.dest]
		q.batches[b.dest] = append(rest, later...)
		if !ok {
			front = append(front, b.dest)
		}
	}
	if len(front) > 0 {
		q.order = append(front, q.order...)
	}
	return retained, dropped
}

func unionGroups(msgs []*entry) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, e := range msgs {
		for _, id := range e.msg.Route().Mentions.GroupIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func (q *Queue[T]) runPhase(batches []*batch, fn func(b *batch)) {
	if q.opt.parallel <= 1 || len(batches) == 1 {
		for _, b := range batches {
			fn(b)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(q.opt.parallel)
	for _, b := range batches {
		g.Go(func() error {
			fn(b)
			return nil
		})
	}
	_ = g.Wait()
}

func (q *Queue[T]) enable(ctx context.Context, flushID string, p Platform, b *batch) {
	dest, err := p.Destination(ctx, b.dest)
	if err != nil {
		b.fail(PhaseEnable, err)
		return
	}
	auth, err := dest.Authority(ctx)
	if err != nil {
		b.fail(PhaseEnable, err)
		return
	}
	for _, id := range b.groups {
		t, err := auth.Group(ctx, id)
		if err != nil {
			b.fail(PhaseEnable, err)
			return
		}
		b.toggles = append(b.toggles, groupToggle{id: id, toggle: t})
		if err := t.SetNotifiable(ctx, true); err != nil {
			if IsPermissionDenied(err) {
				q.denied(flushID, b.dest, id, true, err)
				continue
			}
			b.fail(PhaseEnable, err)
			return
		}
	}
}

func (q *Queue[T]) deliver(ctx context.Context, b *batch) {
	if b.err != nil {
		return
	}
	for _, e := range b.msgs {
		if err := e.msg.Send(ctx); err != nil {
			b.fail(PhaseDeliver, err)
			return
		}
		b.delivered++
	}
}

func (q *Queue[T]) disable(ctx context.Context, flushID string, b *batch) {
	for _, gt := range b.toggles {
		err := gt.toggle.SetNotifiable(ctx, false)
		switch {
		case err == nil:
		case IsPermissionDenied(err):
			q.denied(flushID, b.dest, gt.id, false, err)
		default:
			// Keep reverting the remaining groups.
			b.fail(PhaseDisable, err)
		}
	}
}

func (q *Queue[T]) denied(flushID, dest, group string, on bool, err error) {
	q.publish(EventToggleDenied, ToggleEvent{
		FlushID:     flushID,
		Destination: dest,
		Group:       group,
		Notifiable:  on,
		Error:       err.Error(),
	})
}

func (q *Queue[T]) publish(typ string, data any) {
	if q.opt.bus == nil {
		return
	}
	q.opt.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

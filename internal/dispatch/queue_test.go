package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbot/internal/dispatch"
	"feedbot/internal/eventbus"
	"feedbot/internal/platform/memory"
)

// post is the raw input used by these tests.
type post struct {
	channel string
	roles   []string
	body    string
}

type testMessage struct {
	p    post
	out  *memory.Platform
	sent *int
}

func (m testMessage) Route() dispatch.Route {
	return dispatch.Route{DestinationID: m.p.channel, Mentions: dispatch.NewMentions(m.p.roles...)}
}

func (m testMessage) Send(ctx context.Context) error {
	if m.sent != nil {
		*m.sent++
	}
	return m.out.SendArticle(ctx, m.p.channel, m.p.body, m.p.roles)
}

func newQueue(out *memory.Platform, opts ...dispatch.Option) *dispatch.Queue[post] {
	return dispatch.NewQueue(func(p post) dispatch.Message {
		return testMessage{p: p, out: out}
	}, opts...)
}

func toggles(calls []memory.Call) []memory.Call {
	var out []memory.Call
	for _, c := range calls {
		if c.Kind == memory.CallToggle {
			out = append(out, c)
		}
	}
	return out
}

func sends(calls []memory.Call) []string {
	var out []string
	for _, c := range calls {
		if c.Kind == memory.CallSend {
			out = append(out, c.Content)
		}
	}
	return out
}

func TestEnqueueWithoutMentionsSendsImmediately(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1")
	sent := 0
	q := dispatch.NewQueue(func(p post) dispatch.Message {
		return testMessage{p: p, out: out, sent: &sent}
	})

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(context.Background(), post{channel: "c1", body: fmt.Sprint(i)}))
		assert.Equal(t, i+1, sent)
	}
	assert.Empty(t, q.Pending())
	assert.Equal(t, []string{"0", "1", "2", "3"}, sends(out.Calls()))
}

func TestEnqueueImmediateErrorIsReturnedUnchanged(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1")
	boom := errors.New("boom")
	out.FailSend("c1", boom)
	q := newQueue(out)

	err := q.Enqueue(context.Background(), post{channel: "c1"})
	assert.Same(t, boom, err)
	assert.Empty(t, q.Pending())
}

func TestEnqueueWithMentionsDefers(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1", "a")
	q := newQueue(out)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(context.Background(), post{channel: "c1", roles: []string{"a"}}))
	}
	assert.Equal(t, map[string]int{"c1": 3}, q.Pending())
	assert.Empty(t, out.Calls())
}

func TestFlushTogglesOncePerGroup(t *testing.T) {
	out := memory.New().AddChannel("abc", "g1", "a")
	q := newQueue(out)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(ctx, post{channel: "abc", roles: []string{"a"}, body: fmt.Sprint(i)}))
	}

	require.NoError(t, q.Flush(ctx, out))

	calls := out.Calls()
	require.Len(t, toggles(calls), 2)
	assert.True(t, toggles(calls)[0].Notifiable)
	assert.False(t, toggles(calls)[1].Notifiable)
	assert.Equal(t, []string{"0", "1", "2", "3"}, sends(calls))
	assert.Equal(t, memory.CallToggle, calls[0].Kind)
	assert.Equal(t, memory.CallToggle, calls[len(calls)-1].Kind)
	assert.False(t, out.Mentionable("g1", "a"))
}

func TestFlushDeduplicatesAcrossMessages(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1", "a", "b", "c")
	q := newQueue(out)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, post{channel: "c1", roles: []string{"a", "b", "a"}}))
	require.NoError(t, q.Enqueue(ctx, post{channel: "c1", roles: []string{"c", "b"}}))

	require.NoError(t, q.Flush(ctx, out))

	var order []string
	for _, c := range toggles(out.Calls()) {
		order = append(order, fmt.Sprintf("%s=%v", c.RoleID, c.Notifiable))
	}
	assert.Equal(t, []string{"a=true", "b=true", "c=true", "a=false", "b=false", "c=false"}, order)
}

func TestFlushPhaseOrderingAcrossDestinations(t *testing.T) {
	out := memory.New().
		AddChannel("abc", "g1", "1").
		AddChannel("def", "g2", "2")
	q := newQueue(out)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, post{channel: "abc", roles: []string{"1"}, body: "one"}))
	require.NoError(t, q.Enqueue(ctx, post{channel: "def", roles: []string{"2"}, body: "two"}))

	require.NoError(t, q.Flush(ctx, out))

	var kinds []string
	for _, c := range out.Calls() {
		switch c.Kind {
		case memory.CallToggle:
			kinds = append(kinds, fmt.Sprintf("%s:%v", c.RoleID, c.Notifiable))
		case memory.CallSend:
			kinds = append(kinds, "send:"+c.Content)
		}
	}
	assert.Equal(t, []string{"1:true", "2:true", "send:one", "send:two", "1:false", "2:false"}, kinds)
}

func TestFlushClearsBatches(t *testing.T) {
	out := memory.New().AddChannel("sfxdrgtrn", "g1", "a")
	q := newQueue(out)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, post{channel: "sfxdrgtrn", roles: []string{"a"}}))
	require.NoError(t, q.Enqueue(ctx, post{channel: "sfxdrgtrn", roles: []string{"a"}}))

	require.NoError(t, q.Flush(ctx, out))
	_, ok := q.Pending()["sfxdrgtrn"]
	assert.False(t, ok)

	before := len(out.Calls())
	require.NoError(t, q.Flush(ctx, out))
	assert.Len(t, out.Calls(), before)
	assert.Equal(t, 1, out.Lookups())
}

func TestFlushToleratesPermissionDenied(t *testing.T) {
	out := memory.New().AddChannel("abc", "g1", "1")
	out.FailToggle("1", fmt.Errorf("missing permissions: %w", dispatch.ErrPermissionDenied))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, dispatch.EventToggleDenied)
	defer unsub()
	q := newQueue(out, dispatch.WithBus(bus))
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, post{channel: "abc", roles: []string{"1"}, body: "x"}))
	require.NoError(t, q.Enqueue(ctx, post{channel: "abc", roles: []string{"1"}, body: "y"}))

	require.NoError(t, q.Flush(ctx, out))

	assert.Equal(t, []string{"x", "y"}, sends(out.Calls()))
	assert.Len(t, toggles(out.Calls()), 2)
	assert.Empty(t, q.Pending())
	require.Len(t, events, 2)
	ev := (<-events).Data.(dispatch.ToggleEvent)
	assert.Equal(t, "abc", ev.Destination)
	assert.Equal(t, "1", ev.Group)
	assert.True(t, ev.Notifiable)
}

func TestFlushWrapsSendFailure(t *testing.T) {
	out := memory.New().AddChannel("abc", "g1", "1")
	orig := errors.New("abc")
	out.FailSend("abc", orig)
	q := newQueue(out)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, post{channel: "abc", roles: []string{"1"}}))
	require.NoError(t, q.Enqueue(ctx, post{channel: "abc", roles: []string{"1"}}))

	err := q.Flush(ctx, out)

	var derr *dispatch.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, orig.Error(), err.Error())
	assert.ErrorIs(t, err, orig)
	assert.Equal(t, "abc", derr.Destination)
	assert.Equal(t, dispatch.PhaseDeliver, derr.Phase)
	// The role is still reverted.
	assert.False(t, out.Mentionable("g1", "1"))
	assert.Len(t, toggles(out.Calls()), 2)
}

func TestFlushFailureIsolatesDestination(t *testing.T) {
	out := memory.New().
		AddChannel("bad", "g1", "1").
		AddChannel("good", "g2", "2")
	q := newQueue(out)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, post{channel: "bad", roles: []string{"1"}, body: "b1"}))
	require.NoError(t, q.Enqueue(ctx, post{channel: "good", roles: []string{"2"}, body: "g1"}))
	require.NoError(t, q.Enqueue(ctx, post{channel: "bad", roles: []string{"1"}, body: "b2"}))
	out.FailSend("bad", errors.New("gateway down"))

	err := q.Flush(ctx, out)
	require.EqualError(t, err, "gateway down")

	assert.Equal(t, []string{"g1"}, sends(out.Calls()))
	assert.Equal(t, map[string]int{"bad": 2}, q.Pending())

	// Retained messages go out first on the next flush.
	out.FailSend("bad", nil)
	require.NoError(t, q.Enqueue(ctx, post{channel: "bad", roles: []string{"1"}, body: "b3"}))
	require.NoError(t, q.Flush(ctx, out))
	assert.Equal(t, []string{"g1", "b1", "b2", "b3"}, sends(out.Calls()))
	assert.Empty(t, q.Pending())
}

func TestFlushEnableFailureSkipsDelivery(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1", "a", "b")
	out.FailToggle("b", errors.New("rate limited"))
	q := newQueue(out)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, post{channel: "c1", roles: []string{"a", "b"}, body: "x"}))

	err := q.Flush(ctx, out)
	var derr *dispatch.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dispatch.PhaseEnable, derr.Phase)
	assert.Empty(t, sends(out.Calls()))
	assert.Equal(t, map[string]int{"c1": 1}, q.Pending())
	assert.False(t, out.Mentionable("g1", "a"), "enabled role is reverted")
}

func TestFlushUnknownDestinationIsFatal(t *testing.T) {
	out := memory.New()
	q := newQueue(out)
	require.NoError(t, q.Enqueue(context.Background(), post{channel: "gone", roles: []string{"a"}}))

	err := q.Flush(context.Background(), out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown channel gone")
}

func TestFlushParallelKeepsPhaseBarriers(t *testing.T) {
	out := memory.New()
	q := newQueue(out, dispatch.WithParallelism(4))
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		ch := fmt.Sprintf("c%d", i)
		out.AddChannel(ch, "g"+ch, "r"+ch)
		for j := 0; j < 3; j++ {
			require.NoError(t, q.Enqueue(ctx, post{channel: ch, roles: []string{"r" + ch}, body: fmt.Sprintf("%s-%d", ch, j)}))
		}
	}

	require.NoError(t, q.Flush(ctx, out))

	calls := out.Calls()
	require.Len(t, calls, 8*2+8*3)
	perChannel := map[string][]string{}
	for i, c := range calls {
		switch {
		case i < 8:
			assert.True(t, c.Kind == memory.CallToggle && c.Notifiable, "call %d", i)
		case i < 8+24:
			assert.Equal(t, memory.CallSend, c.Kind, "call %d", i)
			perChannel[c.ChannelID] = append(perChannel[c.ChannelID], c.Content)
		default:
			assert.True(t, c.Kind == memory.CallToggle && !c.Notifiable, "call %d", i)
		}
	}
	for ch, got := range perChannel {
		assert.Equal(t, []string{ch + "-0", ch + "-1", ch + "-2"}, got)
	}
}

// blockingMessage parks in Send until released, to enqueue during a flush.
type blockingMessage struct {
	testMessage
	entered chan struct{}
	release chan struct{}
}

func (m blockingMessage) Send(ctx context.Context) error {
	close(m.entered)
	<-m.release
	return m.testMessage.Send(ctx)
}

func TestEnqueueDuringFlushStartsNewBatch(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1", "a")
	entered := make(chan struct{})
	release := make(chan struct{})
	first := true
	var mu sync.Mutex
	q := dispatch.NewQueue(func(p post) dispatch.Message {
		mu.Lock()
		defer mu.Unlock()
		m := testMessage{p: p, out: out}
		if first {
			first = false
			return blockingMessage{testMessage: m, entered: entered, release: release}
		}
		return m
	})
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, post{channel: "c1", roles: []string{"a"}, body: "old"}))

	done := make(chan error, 1)
	go func() { done <- q.Flush(ctx, out) }()
	<-entered
	require.NoError(t, q.Enqueue(ctx, post{channel: "c1", roles: []string{"a"}, body: "new"}))
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not finish")
	}
	assert.Equal(t, []string{"old"}, sends(out.Calls()))
	assert.Equal(t, map[string]int{"c1": 1}, q.Pending())
}

func TestFlushPublishesSummary(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1", "a")
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, dispatch.EventFlushDone)
	defer unsub()
	q := newQueue(out, dispatch.WithBus(bus))
	require.NoError(t, q.Enqueue(context.Background(), post{channel: "c1", roles: []string{"a"}}))

	require.NoError(t, q.Flush(context.Background(), out))

	require.Len(t, events, 1)
	ev := (<-events).Data.(dispatch.FlushEvent)
	assert.Equal(t, 1, ev.Destinations)
	assert.Equal(t, 1, ev.Delivered)
	assert.Zero(t, ev.Retained)
	assert.Empty(t, ev.Error)
	assert.NotEmpty(t, ev.FlushID)
}

func TestFlushDropsMessageAfterMaxAttempts(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1", "a")
	out.FailSend("c1", errors.New("Missing Access"))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, dispatch.EventMessageDropped)
	defer unsub()

	var dropped []string
	q := newQueue(out,
		dispatch.WithBus(bus),
		dispatch.WithMaxAttempts(3),
		dispatch.WithDropHandler(func(_ context.Context, p post, err error) {
			dropped = append(dropped, p.body+":"+err.Error())
		}),
	)
	ctx := context.Background()

	var pending []int
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, post{channel: "c1", roles: []string{"a"}, body: fmt.Sprintf("m%d", i)}))
		require.Error(t, q.Flush(ctx, out))
		pending = append(pending, q.Pending()["c1"])
	}

	// Each message survives two failed flushes, so the backlog stops growing.
	assert.Equal(t, []int{1, 2, 2, 2, 2}, pending)
	assert.Equal(t, []string{"m0:Missing Access", "m1:Missing Access", "m2:Missing Access"}, dropped)
	require.Len(t, events, 3)
	ev := (<-events).Data.(dispatch.DropEvent)
	assert.Equal(t, "c1", ev.Destination)
	assert.Equal(t, 3, ev.Attempts)

	// Survivors keep their order once the channel recovers.
	out.FailSend("c1", nil)
	require.NoError(t, q.Flush(ctx, out))
	assert.Equal(t, []string{"m3", "m4"}, sends(out.Calls()))
	assert.False(t, out.Mentionable("g1", "a"))
}

func TestFlushEnableFailureCountsEveryMessage(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1", "a")
	q := newQueue(out, dispatch.WithMaxAttempts(2))
	ctx := context.Background()
	// Role "gone" does not exist, so enable fails for the whole batch.
	require.NoError(t, q.Enqueue(ctx, post{channel: "c1", roles: []string{"gone"}, body: "x"}))
	require.NoError(t, q.Enqueue(ctx, post{channel: "c1", roles: []string{"gone"}, body: "y"}))

	require.Error(t, q.Flush(ctx, out))
	assert.Equal(t, map[string]int{"c1": 2}, q.Pending())
	require.Error(t, q.Flush(ctx, out))
	assert.Empty(t, q.Pending())
	assert.NoError(t, q.Flush(ctx, out))
}

func TestFlushNegativeMaxAttemptsKeepsMessages(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1", "a")
	out.FailSend("c1", errors.New("down"))
	q := newQueue(out, dispatch.WithMaxAttempts(-1))
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, post{channel: "c1", roles: []string{"a"}}))

	for i := 0; i < dispatch.DefaultMaxAttempts+2; i++ {
		require.Error(t, q.Flush(ctx, out))
	}
	assert.Equal(t, map[string]int{"c1": 1}, q.Pending())
}

// cancelingMessage cancels the flush context from inside Send.
type cancelingMessage struct {
	testMessage
	cancel context.CancelFunc
}

func (m cancelingMessage) Send(ctx context.Context) error {
	m.cancel()
	return ctx.Err()
}

func TestFlushDisablesAfterCancel(t *testing.T) {
	out := memory.New().
		AddChannel("c1", "g1", "a", "b").
		AddChannel("c2", "g2", "c")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := dispatch.NewQueue(func(p post) dispatch.Message {
		m := testMessage{p: p, out: out}
		if p.body == "cancel" {
			return cancelingMessage{testMessage: m, cancel: cancel}
		}
		return m
	})
	require.NoError(t, q.Enqueue(ctx, post{channel: "c1", roles: []string{"a", "b"}, body: "cancel"}))
	require.NoError(t, q.Enqueue(ctx, post{channel: "c2", roles: []string{"c"}, body: "later"}))

	err := q.Flush(ctx, out)
	require.ErrorIs(t, err, context.Canceled)

	var reverted []string
	for _, c := range toggles(out.Calls()) {
		if !c.Notifiable {
			reverted = append(reverted, c.RoleID)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, reverted)
	assert.False(t, out.Mentionable("g1", "a"))
	assert.False(t, out.Mentionable("g1", "b"))
	assert.False(t, out.Mentionable("g2", "c"))
}

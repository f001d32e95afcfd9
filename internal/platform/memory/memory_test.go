package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggleAndSendAreRecorded(t *testing.T) {
	ctx := context.Background()
	p := New().AddChannel("c1", "g1", "r1")

	dest, err := p.Destination(ctx, "c1")
	require.NoError(t, err)
	auth, err := dest.Authority(ctx)
	require.NoError(t, err)
	tg, err := auth.Group(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, tg.SetNotifiable(ctx, true))
	assert.True(t, p.Mentionable("g1", "r1"))
	require.NoError(t, p.SendArticle(ctx, "c1", "hi", []string{"r1"}))
	require.NoError(t, tg.SetNotifiable(ctx, false))
	assert.False(t, p.Mentionable("g1", "r1"))

	calls := p.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, CallToggle, calls[0].Kind)
	assert.Equal(t, Call{Kind: CallSend, ChannelID: "c1", GuildID: "g1", Content: "hi", RoleIDs: []string{"r1"}}, calls[1])
	assert.Equal(t, 1, p.Lookups())
}

func TestUnknownEntities(t *testing.T) {
	ctx := context.Background()
	p := New().AddChannel("c1", "g1")

	_, err := p.Destination(ctx, "nope")
	assert.Error(t, err)

	dest, err := p.Destination(ctx, "c1")
	require.NoError(t, err)
	auth, err := dest.Authority(ctx)
	require.NoError(t, err)
	_, err = auth.Group(ctx, "r9")
	assert.Error(t, err)
}

func TestInjectedFailures(t *testing.T) {
	ctx := context.Background()
	p := New().AddChannel("c1", "g1", "r1")
	boom := errors.New("boom")

	p.FailSend("c1", boom)
	assert.ErrorIs(t, p.SendArticle(ctx, "c1", "x", nil), boom)
	p.FailSend("c1", nil)
	assert.NoError(t, p.SendArticle(ctx, "c1", "x", nil))

	p.FailToggle("r1", boom)
	dest, _ := p.Destination(ctx, "c1")
	auth, _ := dest.Authority(ctx)
	tg, err := auth.Group(ctx, "r1")
	require.NoError(t, err)
	assert.ErrorIs(t, tg.SetNotifiable(ctx, true), boom)
	assert.False(t, p.Mentionable("g1", "r1"))
}

func TestCanceledContextIsRejected(t *testing.T) {
	p := New().AddChannel("c1", "g1", "r1")
	dest, err := p.Destination(context.Background(), "c1")
	require.NoError(t, err)
	auth, _ := dest.Authority(context.Background())
	tg, err := auth.Group(context.Background(), "r1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tg.SetNotifiable(ctx, true), context.Canceled)
	assert.ErrorIs(t, p.SendArticle(ctx, "c1", "x", nil), context.Canceled)
	assert.Empty(t, p.Calls())
}

package article

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedbot/internal/dispatch"
	"feedbot/internal/platform/memory"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		a    Article
		tmpl string
		want string
	}{
		{
			name: "default with roles",
			a:    Article{Title: "Patch 1.2", Link: "https://x/1", RoleIDs: []string{"11", "22"}},
			want: "<@&11> <@&22>\n**Patch 1.2**\nhttps://x/1",
		},
		{
			name: "default without roles",
			a:    Article{Title: "Patch 1.2", Link: "https://x/1"},
			want: "**Patch 1.2**\nhttps://x/1",
		},
		{
			name: "custom fields",
			a:    Article{FeedID: "news", Title: "t", Author: "ann"},
			tmpl: "[{{feed}}] {{title}} by {{author}}",
			want: "[news] t by ann",
		},
		{
			name: "struct access",
			a:    Article{GUID: "g-1"},
			tmpl: "{{.GUID}}",
			want: "g-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.a, tt.tmpl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejectsBadTemplate(t *testing.T) {
	assert.NoError(t, Parse(""))
	assert.Error(t, Parse("{{title"))
	assert.Error(t, Parse("{{nope}}"))
	// Parses, but fails for every article.
	assert.Error(t, Parse("{{.Nope}} {{title}}"))
	assert.NoError(t, Parse("{{range .RoleIDs}}<@&{{.}}> {{end}}{{.Title}}"))
}

func TestFactoryRoutes(t *testing.T) {
	f := Factory{Sender: memory.New()}

	r := f.Build(Article{ChannelID: "c1"}).Route()
	assert.Equal(t, "c1", r.DestinationID)
	assert.False(t, r.Deferred())

	r = f.Build(Article{ChannelID: "c1", RoleIDs: []string{"a", "b"}}).Route()
	assert.True(t, r.Deferred())
	assert.Equal(t, []string{"a", "b"}, r.Mentions.GroupIDs())
}

func TestMessageSendUsesSender(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1", "a")
	f := Factory{Sender: out, Template: "{{title}}"}

	require.NoError(t, f.Build(Article{ChannelID: "c1", Title: "hello", RoleIDs: []string{"a"}}).Send(context.Background()))

	calls := out.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "hello", calls[0].Content)
	assert.Equal(t, []string{"a"}, calls[0].RoleIDs)
}

func TestQueueWithArticles(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1", "a")
	q := dispatch.NewQueue(Factory{Sender: out}.Build)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Article{ChannelID: "c1", Title: "one", RoleIDs: []string{"a"}}))
	require.NoError(t, q.Enqueue(ctx, Article{ChannelID: "c1", Title: "two", RoleIDs: []string{"a"}}))
	require.NoError(t, q.Flush(ctx, out))

	assert.Len(t, out.Calls(), 4)
	assert.False(t, out.Mentionable("g1", "a"))
}

func TestSendFailureKeepsMessage(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1")
	out.FailSend("c1", errors.New("Missing Access"))
	err := Factory{Sender: out}.Build(Article{ChannelID: "c1"}).Send(context.Background())
	assert.EqualError(t, err, "Missing Access")
}

func TestObserveSeesEveryAttempt(t *testing.T) {
	out := memory.New().AddChannel("c1", "g1")
	var got []string
	f := Factory{Sender: out, Observe: func(_ context.Context, a Article, _ time.Duration, err error) {
		got = append(got, a.GUID+":"+fmt.Sprint(err))
	}}
	ctx := context.Background()

	require.NoError(t, f.Build(Article{GUID: "1", ChannelID: "c1"}).Send(ctx))
	out.FailSend("c1", errors.New("down"))
	require.Error(t, f.Build(Article{GUID: "2", ChannelID: "c1"}).Send(ctx))

	assert.Equal(t, []string{"1:<nil>", "2:down"}, got)
}

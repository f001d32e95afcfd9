// Package memory is an in-process chat platform. It records every role
// toggle and post in call order and can inject failures; dry-run mode and
// tests use it in place of Discord.
package memory

import (
	"context"
	"fmt"
	"sync"

	"feedbot/internal/dispatch"
)

type CallKind string

const (
	CallToggle CallKind = "toggle"
	CallSend   CallKind = "send"
)

// Call is one recorded platform operation.
type Call struct {
	Kind       CallKind
	ChannelID  string
	GuildID    string
	RoleID     string
	Notifiable bool
	Content    string
	RoleIDs    []string
}

type Platform struct {
	mu       sync.Mutex
	channels map[string]string          // channel -> guild
	roles    map[string]map[string]bool // guild -> role -> mentionable
	calls    []Call

	toggleErr map[string]error // role -> error
	sendErr   map[string]error // channel -> error
	lookups   int
}

func New() *Platform {
	return &Platform{
		channels:  map[string]string{},
		roles:     map[string]map[string]bool{},
		toggleErr: map[string]error{},
		sendErr:   map[string]error{},
	}
}

// AddChannel registers channelID in guildID along with the given roles.
func (p *Platform) AddChannel(channelID, guildID string, roleIDs ...string) *Platform {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[channelID] = guildID
	if p.roles[guildID] == nil {
		p.roles[guildID] = map[string]bool{}
	}
	for _, id := range roleIDs {
		p.roles[guildID][id] = false
	}
	return p
}

// FailToggle makes every SetNotifiable on roleID return err.
func (p *Platform) FailToggle(roleID string, err error) {
	p.mu.Lock()
	p.toggleErr[roleID] = err
	p.mu.Unlock()
}

// FailSend makes every post to channelID return err. A nil err clears it.
func (p *Platform) FailSend(channelID string, err error) {
	p.mu.Lock()
	if err == nil {
		delete(p.sendErr, channelID)
	} else {
		p.sendErr[channelID] = err
	}
	p.mu.Unlock()
}

func (p *Platform) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Lookups counts Destination calls.
func (p *Platform) Lookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookups
}

// Mentionable reports the current flag of a role.
func (p *Platform) Mentionable(guildID, roleID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roles[guildID][roleID]
}

func (p *Platform) Destination(ctx context.Context, id string) (dispatch.Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups++
	guild, ok := p.channels[id]
	if !ok {
		return nil, fmt.Errorf("unknown channel %s", id)
	}
	return &channel{p: p, id: id, guild: guild}, nil
}

// SendArticle records a post.
func (p *Platform) SendArticle(ctx context.Context, channelID, content string, roleIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.sendErr[channelID]; err != nil {
		return err
	}
	p.calls = append(p.calls, Call{
		Kind:      CallSend,
		ChannelID: channelID,
		GuildID:   p.channels[channelID],
		Content:   content,
		RoleIDs:   append([]string(nil), roleIDs...),
	})
	return nil
}

type channel struct {
	p     *Platform
	id    string
	guild string
}

func (c *channel) Authority(context.Context) (dispatch.Authority, error) {
	return &guild{p: c.p, channel: c.id, id: c.guild}, nil
}

type guild struct {
	p       *Platform
	channel string
	id      string
}

func (g *guild) Group(_ context.Context, id string) (dispatch.Toggle, error) {
	g.p.mu.Lock()
	defer g.p.mu.Unlock()
	if _, ok := g.p.roles[g.id][id]; !ok {
		return nil, fmt.Errorf("unknown role %s in guild %s", id, g.id)
	}
	return &role{g: g, id: id}, nil
}

type role struct {
	g  *guild
	id string
}

func (r *role) SetNotifiable(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := r.g.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{
		Kind:       CallToggle,
		ChannelID:  r.g.channel,
		GuildID:    r.g.id,
		RoleID:     r.id,
		Notifiable: on,
	})
	if err := p.toggleErr[r.id]; err != nil {
		return err
	}
	p.roles[r.g.id][r.id] = on
	return nil
}

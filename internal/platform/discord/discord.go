// Package discord adapts a REST-only discordgo session to the dispatch
// platform contracts and the article sender.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"feedbot/internal/dispatch"
	logx "feedbot/pkg/logx"
)

type Config struct {
	Token   string
	Timeout time.Duration
}

// api is the subset of *discordgo.Session used here.
type api interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildRoleEdit(guildID, roleID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Platform struct {
	s   api
	log logx.Logger
}

// New builds a platform without opening a gateway connection.
func New(cfg Config, log logx.Logger) (*Platform, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	if cfg.Timeout > 0 {
		s.Client = &http.Client{Timeout: cfg.Timeout}
	}
	return newPlatform(s, log), nil
}

func newPlatform(s api, log logx.Logger) *Platform {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Platform{s: s, log: log}
}

func (p *Platform) Destination(ctx context.Context, channelID string) (dispatch.Destination, error) {
	ch, err := p.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(fmt.Errorf("channel %s: %w", channelID, err))
	}
	if ch.GuildID == "" {
		return nil, fmt.Errorf("channel %s is not in a guild", channelID)
	}
	return &channel{p: p, id: ch.ID, guildID: ch.GuildID}, nil
}

// SendArticle posts content. Only the given roles may be pinged.
func (p *Platform) SendArticle(ctx context.Context, channelID, content string, roleIDs []string) error {
	msg := &discordgo.MessageSend{
		Content: content,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
			Roles: append([]string(nil), roleIDs...),
		},
	}
	if _, err := p.s.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

type channel struct {
	p       *Platform
	id      string
	guildID string
}

func (c *channel) Authority(ctx context.Context) (dispatch.Authority, error) {
	roles, err := c.p.s.GuildRoles(c.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(fmt.Errorf("guild %s roles: %w", c.guildID, err))
	}
	g := &guild{p: c.p, id: c.guildID, roles: make(map[string]*discordgo.Role, len(roles))}
	for _, r := range roles {
		g.roles[r.ID] = r
	}
	return g, nil
}

type guild struct {
	p     *Platform
	id    string
	roles map[string]*discordgo.Role
}

func (g *guild) Group(_ context.Context, roleID string) (dispatch.Toggle, error) {
	r, ok := g.roles[roleID]
	if !ok {
		return nil, fmt.Errorf("role %s not found in guild %s", roleID, g.id)
	}
	return &role{p: g.p, guildID: g.id, r: r}, nil
}

type role struct {
	p       *Platform
	guildID string
	r       *discordgo.Role
}

func (r *role) SetNotifiable(ctx context.Context, on bool) error {
	_, err := r.p.s.GuildRoleEdit(r.guildID, r.r.ID, &discordgo.RoleParams{Mentionable: &on}, discordgo.WithContext(ctx))
	if err != nil {
		return classify(err)
	}
	r.p.log.Debug("role mentionable changed",
		logx.String("guild", r.guildID),
		logx.String("role", r.r.ID),
		logx.String("name", r.r.Name),
		logx.Bool("mentionable", on),
	)
	return nil
}

// classify marks missing-permission REST errors as dispatch.ErrPermissionDenied.
// The original error text is kept.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil && rest.Message.Code == discordgo.ErrCodeMissingPermissions {
		return permissionError{err: err}
	}
	return err
}

type permissionError struct{ err error }

func (e permissionError) Error() string { return e.err.Error() }

func (e permissionError) Unwrap() []error { return []error{dispatch.ErrPermissionDenied, e.err} }

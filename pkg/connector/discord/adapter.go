// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

const (
	maxContentLength  = 2000
	maxUsernameLength = 80
)

// Adapter delivers relayed messages through a channel webhook, so every
// message carries the author's name and avatar.
type Adapter struct {
	cfg      Config
	factory  SessionFactory
	session  Session
	self     *discordgo.User
	pairings relay.Pairings
	log      zerolog.Logger

	webhooksMu sync.Mutex
	webhooks   map[string]webhook // channel id -> webhook
}

var (
	_ relay.Adapter          = (*Adapter)(nil)
	_ relay.EditAdapter      = (*Adapter)(nil)
	_ relay.BroadcastMarkers = (*Adapter)(nil)
)

// NewAdapter creates an adapter backed by a real gateway session.
func NewAdapter(cfg Config, pairings relay.Pairings, log zerolog.Logger) *Adapter {
	return NewAdapterWithFactory(cfg, pairings, DefaultSessionFactory, log)
}

// NewAdapterWithFactory creates an adapter whose session comes from factory.
func NewAdapterWithFactory(cfg Config, pairings relay.Pairings, factory SessionFactory, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:      cfg,
		factory:  factory,
		pairings: pairings,
		webhooks: make(map[string]webhook),
		log:      log.With().Str("component", "discord").Logger(),
	}
}

// Connect creates the session and checks the token. The gateway is opened
// by the listener.
func (a *Adapter) Connect(ctx context.Context) error {
	session, err := a.factory(a.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}
	self, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to authenticate discord bot: %w", err)
	}
	a.session = session
	a.self = self
	a.log.Info().Str("bot_id", self.ID).Str("username", self.Username).Msg("Authorized Discord bot")
	return nil
}

func (a *Adapter) Service() string {
	return relay.ServiceDiscord
}

// BroadcastMarkers returns the Discord mass mentions.
func (a *Adapter) BroadcastMarkers() []string {
	return []string{"@everyone", "@here"}
}

// SelfID returns the user id of the bot.
func (a *Adapter) SelfID() string {
	if a.self == nil {
		return ""
	}
	return a.self.ID
}

// Send executes the channel webhook with the sender's name and avatar and
// waits for the created message.
func (a *Adapter) Send(ctx context.Context, msg *relay.OutgoingMessage) (relay.ChatIdentity, error) {
	hook, err := a.webhookFor(ctx, msg.Room)
	if err != nil {
		return relay.ChatIdentity{}, a.wrap("send", isTransient(err), err)
	}
	params := &discordgo.WebhookParams{
		Content:         truncate(msg.Content, maxContentLength),
		Username:        truncate(msg.Sender.DisplayName, maxUsernameLength),
		AvatarURL:       msg.Sender.AvatarRef,
		AllowedMentions: userMentionsOnly(),
	}
	sent, err := a.session.WebhookExecute(hook.ID, hook.Token, true, params, discordgo.WithContext(ctx))
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			a.forgetWebhook(msg.Room.RoomID)
		}
		return relay.ChatIdentity{}, a.wrap("send", isTransient(err), err)
	}
	return relay.ChatIdentity{
		Service:   relay.ServiceDiscord,
		ServerID:  msg.Room.ServerID,
		RoomID:    msg.Room.RoomID,
		MessageID: sent.ID,
	}, nil
}

// Edit replaces the content of a message sent through the channel webhook.
func (a *Adapter) Edit(ctx context.Context, target relay.ChatIdentity, content string, _ relay.DestinationHandle) error {
	room, _, ok := a.pairings.Lookup(relay.ServiceDiscord, target.RoomID)
	if !ok {
		room = relay.PairedRoom{Service: relay.ServiceDiscord, ServerID: target.ServerID, RoomID: target.RoomID}
	}
	hook, err := a.webhookFor(ctx, room)
	if err != nil {
		return a.wrap("edit", isTransient(err), err)
	}
	content = truncate(content, maxContentLength)
	edit := &discordgo.WebhookEdit{Content: &content, AllowedMentions: userMentionsOnly()}
	if _, err := a.session.WebhookMessageEdit(hook.ID, hook.Token, target.MessageID, edit, discordgo.WithContext(ctx)); err != nil {
		return a.wrap("edit", isTransient(err), err)
	}
	return nil
}

// Delete removes a message with the bot account, which needs the Manage
// Messages permission for messages it did not send. A message that is
// already gone counts as deleted.
func (a *Adapter) Delete(ctx context.Context, target relay.ChatIdentity) error {
	if err := a.session.ChannelMessageDelete(target.RoomID, target.MessageID, discordgo.WithContext(ctx)); err != nil {
		if isUnknownMessage(err) {
			return nil
		}
		return a.wrap("delete", isTransient(err), err)
	}
	return nil
}

// webhookFor returns the webhook of the channel: the webhook_url param if
// set, otherwise a webhook named cfg.WebhookName, created when missing.
func (a *Adapter) webhookFor(ctx context.Context, room relay.PairedRoom) (webhook, error) {
	a.webhooksMu.Lock()
	defer a.webhooksMu.Unlock()
	if hook, ok := a.webhooks[room.RoomID]; ok {
		return hook, nil
	}
	if raw := room.Param(ParamWebhookURL); raw != "" {
		hook, err := parseWebhookURL(raw)
		if err != nil {
			return webhook{}, err
		}
		a.webhooks[room.RoomID] = hook
		return hook, nil
	}

	name := a.cfg.webhookName()
	existing, err := a.session.ChannelWebhooks(room.RoomID, discordgo.WithContext(ctx))
	if err != nil {
		return webhook{}, fmt.Errorf("failed to list webhooks of %s: %w", room.RoomID, err)
	}
	for _, hook := range existing {
		if hook.Name == name && hook.Token != "" {
			a.webhooks[room.RoomID] = webhook{ID: hook.ID, Token: hook.Token}
			return a.webhooks[room.RoomID], nil
		}
	}
	created, err := a.session.WebhookCreate(room.RoomID, name, "", discordgo.WithContext(ctx))
	if err != nil {
		return webhook{}, fmt.Errorf("failed to create webhook in %s: %w", room.RoomID, err)
	}
	a.log.Info().Str("channel_id", room.RoomID).Str("webhook_id", created.ID).Msg("Created relay webhook")
	a.webhooks[room.RoomID] = webhook{ID: created.ID, Token: created.Token}
	return a.webhooks[room.RoomID], nil
}

func (a *Adapter) forgetWebhook(channelID string) {
	a.webhooksMu.Lock()
	delete(a.webhooks, channelID)
	a.webhooksMu.Unlock()
}

// isOwnWebhook reports whether webhookID is the relay's webhook of the
// channel.
func (a *Adapter) isOwnWebhook(channelID, webhookID string) bool {
	a.webhooksMu.Lock()
	defer a.webhooksMu.Unlock()
	hook, ok := a.webhooks[channelID]
	return ok && hook.ID == webhookID
}

func (a *Adapter) wrap(op string, transient bool, err error) error {
	return relay.NewAdapterError(relay.ServiceDiscord, op, transient, err)
}

// userMentionsOnly keeps user pings working while mass and role mentions
// stay inert.
func userMentionsOnly() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{
		Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
	}
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

func restError(err error) (*discordgo.RESTError, bool) {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr != nil && restErr.Response != nil {
		return restErr, true
	}
	return nil, false
}

func isStatus(err error, status int) bool {
	restErr, ok := restError(err)
	return ok && restErr.Response.StatusCode == status
}

func isUnknownMessage(err error) bool {
	restErr, ok := restError(err)
	if !ok {
		return false
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMessage {
		return true
	}
	return restErr.Response.StatusCode == http.StatusNotFound
}

// isTransient treats rate limits, server errors and transport failures as
// retryable. Other REST errors are permanent.
func isTransient(err error) bool {
	restErr, ok := restError(err)
	if !ok {
		return !errors.Is(err, ErrInvalidWebhookURL)
	}
	code := restErr.Response.StatusCode
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

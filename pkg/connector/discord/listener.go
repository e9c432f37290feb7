// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/metrics"
	"github.com/aiku/chatrelay/pkg/relay"
)

// Listener opens the gateway and hands message creates, edits and deletes
// to the relay engine.
type Listener struct {
	adapter  *Adapter
	sink     relay.EventSink
	pairings relay.Pairings
	log      zerolog.Logger
}

// NewListener creates a listener that feeds sink. The adapter must be
// connected first.
func NewListener(adapter *Adapter, sink relay.EventSink, pairings relay.Pairings, log zerolog.Logger) *Listener {
	return &Listener{
		adapter:  adapter,
		sink:     sink,
		pairings: pairings,
		log:      log.With().Str("component", "discord_listener").Logger(),
	}
}

// Run keeps the gateway open until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	session := l.adapter.session
	removers := []func(){
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			l.handleMessage(ctx, m.Message, false)
		}),
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
			l.handleMessage(ctx, m.Message, true)
		}),
		session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
			l.handleDelete(ctx, m.Message)
		}),
	}
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	l.log.Info().Msg("Gateway connected")
	<-ctx.Done()
	if err := session.Close(); err != nil {
		l.log.Warn().Err(err).Msg("Failed to close gateway")
	}
	return nil
}

func (l *Listener) handleMessage(ctx context.Context, msg *discordgo.Message, edited bool) {
	// Updates for embeds only arrive without an author.
	if msg == nil || msg.Author == nil {
		return
	}
	switch {
	case msg.WebhookID != "" && l.adapter.isOwnWebhook(msg.ChannelID, msg.WebhookID):
		l.dropEcho(msg, "own_webhook")
		return
	case msg.Author.ID == l.adapter.SelfID():
		l.dropEcho(msg, "own")
		return
	case msg.Author.Bot || msg.WebhookID != "":
		l.dropEcho(msg, "bot")
		return
	case msg.Type != discordgo.MessageTypeDefault && msg.Type != discordgo.MessageTypeReply:
		l.dropEcho(msg, "system")
		return
	}
	content := messageText(msg)
	if content == "" {
		l.log.Trace().Str("message_id", msg.ID).Msg("Skipping message without relayable content")
		return
	}

	full := &relay.FullMessage{
		Identity: l.identity(msg.GuildID, msg.ChannelID, msg.ID),
		Author:   l.persona(ctx, msg),
		Content:  content,
	}
	if edited {
		l.sink.HandleEdit(ctx, full)
		return
	}
	if ref := msg.MessageReference; ref != nil && ref.MessageID != "" && msg.Type == discordgo.MessageTypeReply {
		channelID := ref.ChannelID
		if channelID == "" {
			channelID = msg.ChannelID
		}
		parent := l.identity(msg.GuildID, channelID, ref.MessageID)
		full.ReplyParent = &parent
	}
	l.sink.HandleCreate(ctx, full)
}

// handleDelete forwards every delete. Deleting a relayed copy deletes the
// original too.
func (l *Listener) handleDelete(ctx context.Context, msg *discordgo.Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	l.sink.HandleDelete(ctx, l.identity(msg.GuildID, msg.ChannelID, msg.ID))
}

func (l *Listener) dropEcho(msg *discordgo.Message, reason string) {
	metrics.EchoesDropped.WithLabelValues(relay.ServiceDiscord, reason).Inc()
	l.log.Debug().Str("message_id", msg.ID).Str("reason", reason).Msg("Dropping echo")
}

// identity uses the guild id of the pairing, since some events lack it.
func (l *Listener) identity(guildID, channelID, messageID string) relay.ChatIdentity {
	if local, _, ok := l.pairings.Lookup(relay.ServiceDiscord, channelID); ok && local.ServerID != "" {
		guildID = local.ServerID
	}
	return relay.ChatIdentity{
		Service:   relay.ServiceDiscord,
		ServerID:  guildID,
		RoomID:    channelID,
		MessageID: messageID,
	}
}

// persona builds the author persona. The guild nickname wins over the
// global display name, which wins over the username.
func (l *Listener) persona(ctx context.Context, msg *discordgo.Message) relay.UserPersona {
	user := msg.Author
	p := relay.UserPersona{
		SourceService: relay.ServiceDiscord,
		RemoteUserID:  user.ID,
		MentionHandle: "<@" + user.ID + ">",
		ShortTag:      tag(user),
		DisplayName:   user.Username,
		AvatarRef:     user.AvatarURL(""),
	}
	if user.GlobalName != "" {
		p.DisplayName = user.GlobalName
	}
	if nick := l.nickname(ctx, msg); nick != "" {
		p.DisplayName = nick
	}
	return p
}

// nickname returns the author's guild nickname. Gateway creates carry the
// member; edits may not, so it is fetched then.
func (l *Listener) nickname(ctx context.Context, msg *discordgo.Message) string {
	if msg.Member != nil {
		return msg.Member.Nick
	}
	if msg.GuildID == "" {
		return ""
	}
	member, err := l.adapter.session.GuildMember(msg.GuildID, msg.Author.ID, discordgo.WithContext(ctx))
	if err != nil {
		l.log.Debug().Err(err).Str("user_id", msg.Author.ID).Msg("Failed to fetch guild member")
		return ""
	}
	return member.Nick
}

// tag is the username, with the discriminator for accounts that still
// have one.
func tag(user *discordgo.User) string {
	if user.Discriminator == "" || user.Discriminator == "0" {
		return user.Username
	}
	return user.Username + "#" + user.Discriminator
}

// messageText returns the content followed by the attachment URLs.
func messageText(msg *discordgo.Message) string {
	parts := make([]string, 0, 1+len(msg.Attachments))
	if text := strings.TrimSpace(msg.Content); text != "" {
		parts = append(parts, msg.Content)
	}
	for _, att := range msg.Attachments {
		if att != nil && att.URL != "" {
			parts = append(parts, att.URL)
		}
	}
	return strings.Join(parts, "\n")
}

// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/metrics"
	"github.com/aiku/chatrelay/pkg/relay"
)

// Listener long-polls the Bot API and hands new and edited messages to the
// relay engine. The Bot API does not report deletions.
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
		log:      log.With().Str("component", "telegram_listener").Logger(),
	}
}

// Run polls until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	bot := l.adapter.bot
	u := tgbotapi.NewUpdate(0)
	u.Timeout = l.adapter.cfg.pollTimeout()
	u.AllowedUpdates = []string{"message", "edited_message", "channel_post", "edited_channel_post"}
	updates := bot.GetUpdatesChan(u)
	defer bot.StopReceivingUpdates()

	l.log.Info().Msg("Polling started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			l.handleUpdate(ctx, update)
		}
	}
}

func (l *Listener) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		l.handleMessage(ctx, update.Message, false)
	case update.ChannelPost != nil:
		l.handleMessage(ctx, update.ChannelPost, false)
	case update.EditedMessage != nil:
		l.handleMessage(ctx, update.EditedMessage, true)
	case update.EditedChannelPost != nil:
		l.handleMessage(ctx, update.EditedChannelPost, true)
	}
}

func (l *Listener) handleMessage(ctx context.Context, msg *tgbotapi.Message, edited bool) {
	if msg.Chat == nil {
		return
	}
	if msg.From != nil {
		if msg.From.ID == l.adapter.self.ID {
			l.dropEcho(msg, "own")
			return
		}
		if msg.From.IsBot {
			l.dropEcho(msg, "bot")
			return
		}
	}
	content := messageText(msg)
	if content == "" {
		l.log.Trace().Int("message_id", msg.MessageID).Msg("Skipping message without relayable content")
		return
	}

	full := &relay.FullMessage{
		Identity: l.identity(msg.Chat.ID, msg.MessageID),
		Author:   persona(msg),
		Content:  content,
	}
	if edited {
		l.sink.HandleEdit(ctx, full)
		return
	}
	if parent := msg.ReplyToMessage; parent != nil {
		id := l.identity(msg.Chat.ID, parent.MessageID)
		full.ReplyParent = &id
	}
	l.sink.HandleCreate(ctx, full)
}

func (l *Listener) dropEcho(msg *tgbotapi.Message, reason string) {
	metrics.EchoesDropped.WithLabelValues(relay.ServiceTelegram, reason).Inc()
	l.log.Debug().Int("message_id", msg.MessageID).Str("reason", reason).Msg("Dropping echo")
}

func (l *Listener) identity(chatID int64, messageID int) relay.ChatIdentity {
	room := strconv.FormatInt(chatID, 10)
	local, _, _ := l.pairings.Lookup(relay.ServiceTelegram, room)
	return relay.ChatIdentity{
		Service:   relay.ServiceTelegram,
		ServerID:  local.ServerID,
		RoomID:    room,
		MessageID: strconv.Itoa(messageID),
	}
}

// messageText returns the text or caption, with a placeholder for media.
func messageText(msg *tgbotapi.Message) string {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	var media string
	switch {
	case len(msg.Photo) > 0:
		media = "[photo]"
	case msg.Video != nil:
		media = "[video]"
	case msg.Voice != nil:
		media = "[voice]"
	case msg.Audio != nil:
		media = "[audio]"
	case msg.Document != nil:
		media = "[file] " + msg.Document.FileName
	case msg.Sticker != nil:
		media = "[sticker] " + msg.Sticker.Emoji
	}
	media = strings.TrimSpace(media)
	switch {
	case media == "":
		return text
	case text == "":
		return media
	default:
		return media + " " + text
	}
}

func persona(msg *tgbotapi.Message) relay.UserPersona {
	if msg.From == nil {
		// Channel posts are authored by the chat itself.
		id := strconv.FormatInt(msg.Chat.ID, 10)
		name := msg.Chat.Title
		if name == "" {
			name = id
		}
		return relay.UserPersona{
			SourceService: relay.ServiceTelegram,
			RemoteUserID:  id,
			MentionHandle: name,
			ShortTag:      msg.Chat.UserName,
			DisplayName:   name,
		}
	}
	user := msg.From
	p := relay.UserPersona{
		SourceService: relay.ServiceTelegram,
		RemoteUserID:  strconv.FormatInt(user.ID, 10),
		ShortTag:      user.UserName,
		DisplayName:   strings.TrimSpace(user.FirstName + " " + user.LastName),
	}
	if p.DisplayName == "" {
		p.DisplayName = user.UserName
	}
	if p.DisplayName == "" {
		p.DisplayName = p.RemoteUserID
	}
	if user.UserName != "" {
		p.MentionHandle = "@" + user.UserName
	} else {
		p.MentionHandle = p.DisplayName
	}
	return p
}

// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

// Adapter delivers relayed messages as the relay bot, with the author's
// display name prefixed to the text.
type Adapter struct {
	cfg     Config
	factory BotFactory
	bot     Bot
	self    tgbotapi.User
	log     zerolog.Logger
}

var (
	_ relay.Adapter     = (*Adapter)(nil)
	_ relay.EditAdapter = (*Adapter)(nil)
)

// NewAdapter creates an adapter backed by the real Bot API.
func NewAdapter(cfg Config, log zerolog.Logger) *Adapter {
	return NewAdapterWithFactory(cfg, DefaultBotFactory, log)
}

// NewAdapterWithFactory creates an adapter whose bot comes from factory.
func NewAdapterWithFactory(cfg Config, factory BotFactory, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		factory: factory,
		log:     log.With().Str("component", "telegram").Logger(),
	}
}

// Connect authenticates the bot.
func (a *Adapter) Connect(ctx context.Context) error {
	client := http.DefaultClient
	if a.cfg.Proxy != "" {
		proxyURL, err := url.Parse(a.cfg.Proxy)
		if err != nil {
			return fmt.Errorf("failed to parse proxy url: %w", err)
		}
		client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	}
	endpoint := a.cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := call(ctx, func() (Bot, error) {
		return a.factory(a.cfg.Token, endpoint, client)
	})
	if err != nil {
		return fmt.Errorf("failed to create telegram bot: %w", err)
	}
	a.bot = bot
	a.self = bot.GetSelf()
	a.log.Info().Int64("bot_id", a.self.ID).Str("username", a.self.UserName).Msg("Authorized Telegram bot")
	return nil
}

func (a *Adapter) Service() string {
	return relay.ServiceTelegram
}

// Self returns the bot user.
func (a *Adapter) Self() tgbotapi.User {
	return a.self
}

// Send posts "<display name>: <content>" to the chat.
func (a *Adapter) Send(ctx context.Context, msg *relay.OutgoingMessage) (relay.ChatIdentity, error) {
	chatID, err := strconv.ParseInt(msg.Room.RoomID, 10, 64)
	if err != nil {
		return relay.ChatIdentity{}, a.wrap("send", false, fmt.Errorf("invalid chat id %q: %w", msg.Room.RoomID, err))
	}
	out := tgbotapi.NewMessage(chatID, attributed(msg.Sender.DisplayName, msg.Content))
	if msg.ReplyTo != nil {
		if replyID, err := strconv.Atoi(msg.ReplyTo.MessageID); err == nil {
			out.ReplyToMessageID = replyID
			out.AllowSendingWithoutReply = true
		}
	}
	sent, err := call(ctx, func() (tgbotapi.Message, error) {
		return a.bot.Send(out)
	})
	if err != nil {
		return relay.ChatIdentity{}, a.wrap("send", isTransient(err), err)
	}
	return relay.ChatIdentity{
		Service:   relay.ServiceTelegram,
		ServerID:  msg.Room.ServerID,
		RoomID:    msg.Room.RoomID,
		MessageID: strconv.Itoa(sent.MessageID),
	}, nil
}

// Edit replaces the text of a relayed message, keeping the attribution.
func (a *Adapter) Edit(ctx context.Context, target relay.ChatIdentity, content string, sender relay.DestinationHandle) error {
	chatID, messageID, err := parseTarget(target)
	if err != nil {
		return a.wrap("edit", false, err)
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, attributed(sender.DisplayName, content))
	if _, err := call(ctx, func() (*tgbotapi.APIResponse, error) {
		return a.bot.Request(edit)
	}); err != nil {
		if hasDescription(err, "message is not modified") {
			return nil
		}
		return a.wrap("edit", isTransient(err), err)
	}
	return nil
}

// Delete removes a message. A message that is already gone counts as
// deleted.
func (a *Adapter) Delete(ctx context.Context, target relay.ChatIdentity) error {
	chatID, messageID, err := parseTarget(target)
	if err != nil {
		return a.wrap("delete", false, err)
	}
	if _, err := call(ctx, func() (*tgbotapi.APIResponse, error) {
		return a.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	}); err != nil {
		if hasDescription(err, "message to delete not found") {
			return nil
		}
		return a.wrap("delete", isTransient(err), err)
	}
	return nil
}

func attributed(displayName, content string) string {
	if displayName == "" {
		return content
	}
	return displayName + ": " + content
}

func parseTarget(target relay.ChatIdentity) (int64, int, error) {
	chatID, err := strconv.ParseInt(target.RoomID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id %q: %w", target.RoomID, err)
	}
	messageID, err := strconv.Atoi(target.MessageID)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid message id %q: %w", target.MessageID, err)
	}
	return chatID, messageID, nil
}

func (a *Adapter) wrap(op string, transient bool, err error) error {
	return relay.NewAdapterError(relay.ServiceTelegram, op, transient, err)
}

func apiError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

// isTransient treats rate limits, server errors and transport failures as
// retryable. Bot API errors below 500 are permanent.
func isTransient(err error) bool {
	apiErr, ok := apiError(err)
	if !ok {
		return true
	}
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
}

func hasDescription(err error, fragment string) bool {
	apiErr, ok := apiError(err)
	return ok && strings.Contains(strings.ToLower(apiErr.Message), fragment)
}

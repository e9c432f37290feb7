// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/relayfmt"
)

// Adapter delivers relayed messages to Matrix as ghost users of the
// appservice.
type Adapter struct {
	cfg Config
	as  *appservice.AppService
	log zerolog.Logger
}

var (
	_ relay.Adapter          = (*Adapter)(nil)
	_ relay.EditAdapter      = (*Adapter)(nil)
	_ relay.PuppetAdapter    = (*Adapter)(nil)
	_ relay.AvatarSyncer     = (*Adapter)(nil)
	_ relay.BroadcastMarkers = (*Adapter)(nil)
)

// NewAdapter loads the registration file and creates the appservice.
func NewAdapter(cfg Config, log zerolog.Logger) (*Adapter, error) {
	reg, err := appservice.LoadRegistration(cfg.Registration)
	if err != nil {
		return nil, fmt.Errorf("failed to load registration: %w", err)
	}
	return NewAdapterWithRegistration(cfg, reg, log)
}

// NewAdapterWithRegistration creates the appservice from reg.
func NewAdapterWithRegistration(cfg Config, reg *appservice.Registration, log zerolog.Logger) (*Adapter, error) {
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.HomeserverDomain,
		HomeserverURL:    cfg.HomeserverURL,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.Hostname,
			Port:     cfg.Port,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create appservice: %w", err)
	}
	log = log.With().Str("component", "matrix").Logger()
	as.Log = log
	return &Adapter{cfg: cfg, as: as, log: log}, nil
}

// Start registers the bot, sets its display name and joins every paired
// room. Rooms that cannot be joined are logged and skipped.
func (a *Adapter) Start(ctx context.Context, rooms []relay.PairedRoom) error {
	bot := a.as.BotIntent()
	if err := bot.EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register bot: %w", err)
	}
	if a.cfg.BotDisplayname != "" {
		if err := bot.SetDisplayName(ctx, a.cfg.BotDisplayname); err != nil {
			a.log.Warn().Err(err).Msg("Failed to set bot display name")
		}
	}
	for _, room := range rooms {
		if err := bot.EnsureJoined(ctx, id.RoomID(room.RoomID)); err != nil {
			a.log.Error().Err(err).Str("room_id", room.RoomID).Msg("Failed to join paired room")
			continue
		}
		a.log.Info().Str("room_id", room.RoomID).Msg("Joined paired room")
	}
	return nil
}

// AppService returns the underlying appservice.
func (a *Adapter) AppService() *appservice.AppService {
	return a.as
}

func (a *Adapter) Service() string {
	return relay.ServiceMatrix
}

func (a *Adapter) BroadcastMarkers() []string {
	return []string{"@room"}
}

// PuppetID returns the ghost user ID for a remote author.
func (a *Adapter) PuppetID(sourceService, remoteUserID string) string {
	localpart := a.cfg.puppetPrefix() + sourceService + "_" + id.EncodeUserLocalpart(remoteUserID)
	return id.NewUserID(localpart, a.cfg.HomeserverDomain).String()
}

// IsPuppet reports whether userID is the bot or one of its ghosts.
func (a *Adapter) IsPuppet(userID id.UserID) bool {
	if userID == a.as.BotMXID() {
		return true
	}
	localpart, server, err := userID.Parse()
	if err != nil {
		return false
	}
	return server == a.cfg.HomeserverDomain && strings.HasPrefix(localpart, a.cfg.puppetPrefix())
}

func (a *Adapter) EnsureAccount(ctx context.Context, puppetID string) (relay.DestinationHandle, error) {
	if err := a.as.Intent(id.UserID(puppetID)).EnsureRegistered(ctx); err != nil {
		return relay.DestinationHandle{}, a.wrap("register", err)
	}
	return relay.DestinationHandle{Service: relay.ServiceMatrix, AccountID: puppetID}, nil
}

func (a *Adapter) JoinRoom(ctx context.Context, handle relay.DestinationHandle, room relay.PairedRoom) error {
	if err := a.as.Intent(id.UserID(handle.AccountID)).EnsureJoined(ctx, id.RoomID(room.RoomID)); err != nil {
		return a.wrap("join", err)
	}
	return nil
}

func (a *Adapter) SyncDisplayName(ctx context.Context, handle relay.DestinationHandle, displayName string) error {
	if err := a.as.Intent(id.UserID(handle.AccountID)).SetDisplayName(ctx, displayName); err != nil {
		return a.wrap("set displayname", err)
	}
	return nil
}

// SyncAvatar sets the ghost avatar. Only mxc:// references can be used;
// anything else is skipped.
func (a *Adapter) SyncAvatar(ctx context.Context, handle relay.DestinationHandle, avatarRef string) error {
	uri, err := id.ParseContentURI(avatarRef)
	if err != nil || uri.IsEmpty() {
		a.log.Debug().Str("avatar_ref", avatarRef).Msg("Skipping avatar that is not a Matrix content URI")
		return nil
	}
	if err := a.as.Intent(id.UserID(handle.AccountID)).SetAvatarURL(ctx, uri); err != nil {
		return a.wrap("set avatar", err)
	}
	return nil
}

func (a *Adapter) intentFor(handle relay.DestinationHandle) *appservice.IntentAPI {
	if handle.AccountID == "" {
		return a.as.BotIntent()
	}
	return a.as.Intent(id.UserID(handle.AccountID))
}

// Send posts the message as the sender's ghost. Markdown is rendered to HTML.
func (a *Adapter) Send(ctx context.Context, msg *relay.OutgoingMessage) (relay.ChatIdentity, error) {
	content := relayfmt.MarkdownToHTML(msg.Content).Content(event.MsgText)
	if msg.ReplyTo != nil {
		content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(msg.ReplyTo.MessageID))
	}
	resp, err := a.intentFor(msg.Sender).SendMessageEvent(ctx, id.RoomID(msg.Room.RoomID), event.EventMessage, content)
	if err != nil {
		return relay.ChatIdentity{}, a.wrap("send", err)
	}
	return relay.ChatIdentity{
		Service:   relay.ServiceMatrix,
		ServerID:  msg.Room.ServerID,
		RoomID:    msg.Room.RoomID,
		MessageID: string(resp.EventID),
	}, nil
}

// Edit sends a replacement event. Matrix only accepts edits from the
// original sender, so the event is fetched to find it.
func (a *Adapter) Edit(ctx context.Context, target relay.ChatIdentity, content string, _ relay.DestinationHandle) error {
	roomID := id.RoomID(target.RoomID)
	sender, err := a.senderOf(ctx, roomID, id.EventID(target.MessageID))
	if err != nil {
		return err
	}
	edit := relayfmt.MarkdownToHTML(content).Content(event.MsgText)
	edit.SetEdit(id.EventID(target.MessageID))
	if _, err := a.as.Intent(sender).SendMessageEvent(ctx, roomID, event.EventMessage, edit); err != nil {
		return a.wrap("edit", err)
	}
	return nil
}

// Delete redacts the event. Ghost messages are redacted by the ghost itself,
// everything else by the bot. An event that is already gone counts as
// deleted.
func (a *Adapter) Delete(ctx context.Context, target relay.ChatIdentity) error {
	roomID := id.RoomID(target.RoomID)
	eventID := id.EventID(target.MessageID)
	intent := a.as.BotIntent()
	if sender, err := a.senderOf(ctx, roomID, eventID); err == nil && a.IsPuppet(sender) {
		intent = a.as.Intent(sender)
	} else if errors.Is(err, mautrix.MNotFound) {
		return nil
	}
	if _, err := intent.RedactEvent(ctx, roomID, eventID); err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return nil
		}
		return a.wrap("redact", err)
	}
	return nil
}

func (a *Adapter) senderOf(ctx context.Context, roomID id.RoomID, eventID id.EventID) (id.UserID, error) {
	evt, err := a.as.BotIntent().GetEvent(ctx, roomID, eventID)
	if err != nil {
		return "", a.wrap("get event", err)
	}
	return evt.Sender, nil
}

func (a *Adapter) wrap(op string, err error) error {
	return relay.NewAdapterError(relay.ServiceMatrix, op, isTransient(err), err)
}

// isTransient treats server errors, rate limits and transport failures as
// retryable.
func isTransient(err error) bool {
	if errors.Is(err, mautrix.MLimitExceeded) {
		return true
	}
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Response == nil {
		return true
	}
	code := httpErr.Response.StatusCode
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

const (
	// PropRelayed marks posts created by the relay.
	PropRelayed = "from_chatrelay"

	propOverrideUsername = "override_username"
	propOverrideIconURL  = "override_icon_url"

	// ParamIconURL is the pairing param used as the fallback post icon.
	ParamIconURL = "icon_url"
)

// Adapter delivers relayed messages to Mattermost. Messages are posted by the
// relay bot with override props naming the author, or by the author's
// dedicated account when one is configured.
type Adapter struct {
	cfg      Config
	client   *model.Client4
	accounts *Accounts
	log      zerolog.Logger

	userID   string
	username string
}

var (
	_ relay.Adapter          = (*Adapter)(nil)
	_ relay.EditAdapter      = (*Adapter)(nil)
	_ relay.BroadcastMarkers = (*Adapter)(nil)
)

// NewAdapter creates an adapter for cfg. Connect must be called before use.
func NewAdapter(cfg Config, log zerolog.Logger) *Adapter {
	log = log.With().Str("component", "mattermost").Logger()
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &Adapter{
		cfg:      cfg,
		client:   client,
		accounts: NewAccounts(cfg.ServerURL, log),
		log:      log,
	}
}

// Connect verifies the bot token and loads the dedicated accounts from the
// config and the environment.
func (a *Adapter) Connect(ctx context.Context) error {
	me, _, err := a.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify mattermost token: %w", err)
	}
	a.userID = me.Id
	a.username = me.Username
	a.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	a.accounts.Reload(ctx, a.accountEntries())
	return nil
}

// ReloadAccounts re-reads dedicated accounts from the config and environment.
func (a *Adapter) ReloadAccounts(ctx context.Context) (added, removed int) {
	return a.accounts.Reload(ctx, a.accountEntries())
}

// ReloadAccountsFrom replaces the runtime accounts with entries. Accounts from
// the config file are kept.
func (a *Adapter) ReloadAccountsFrom(ctx context.Context, entries []AccountEntry) (added, removed int) {
	return a.accounts.Reload(ctx, append(append([]AccountEntry(nil), a.cfg.Accounts...), entries...))
}

// AccountCount returns the number of authenticated dedicated accounts.
func (a *Adapter) AccountCount() int {
	return a.accounts.Count()
}

func (a *Adapter) accountEntries() []AccountEntry {
	return append(append([]AccountEntry(nil), a.cfg.Accounts...), EnvAccountEntries()...)
}

// Accounts returns the dedicated account set.
func (a *Adapter) Accounts() *Accounts {
	return a.accounts
}

// UserID returns the bot's Mattermost user ID once connected.
func (a *Adapter) UserID() string {
	return a.userID
}

func (a *Adapter) Service() string {
	return relay.ServiceMattermost
}

func (a *Adapter) BroadcastMarkers() []string {
	return []string{"@channel", "@all", "@here"}
}

// Send creates a post in the paired channel. Replies are attached to the
// thread root, since Mattermost threads are one level deep.
func (a *Adapter) Send(ctx context.Context, msg *relay.OutgoingMessage) (relay.ChatIdentity, error) {
	client := a.client
	post := &model.Post{
		ChannelId: msg.Room.RoomID,
		Message:   msg.Content,
	}
	post.AddProp(PropRelayed, "true")

	if acc, ok := a.accounts.lookup(msg.Author.SourceService, msg.Author.RemoteUserID); ok {
		a.log.Debug().
			Str("source_user", msg.Author.RemoteUserID).
			Str("mm_username", acc.Username).
			Msg("Using dedicated account for post")
		client = acc.Client
	} else {
		post.AddProp(propOverrideUsername, msg.Sender.DisplayName)
		if icon := a.iconURL(msg); icon != "" {
			post.AddProp(propOverrideIconURL, icon)
		}
	}

	if msg.ReplyTo != nil {
		post.RootId = a.threadRoot(ctx, msg.ReplyTo.MessageID)
	}

	created, resp, err := client.CreatePost(ctx, post)
	if err != nil {
		return relay.ChatIdentity{}, relay.NewAdapterError(a.Service(), "create post", isTransient(resp, err), err)
	}
	return relay.ChatIdentity{
		Service:   relay.ServiceMattermost,
		ServerID:  msg.Room.ServerID,
		RoomID:    msg.Room.RoomID,
		MessageID: created.Id,
	}, nil
}

func (a *Adapter) iconURL(msg *relay.OutgoingMessage) string {
	ref := msg.Sender.AvatarRef
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		return ref
	}
	if icon := msg.Room.Param(ParamIconURL); icon != "" {
		return icon
	}
	return a.cfg.DefaultIconURL
}

// threadRoot returns the root of the thread postID belongs to. If the post
// cannot be fetched, postID itself is used.
func (a *Adapter) threadRoot(ctx context.Context, postID string) string {
	parent, _, err := a.client.GetPost(ctx, postID, "")
	if err != nil {
		a.log.Warn().Err(err).Str("post_id", postID).Msg("Failed to fetch reply parent, replying to it directly")
		return postID
	}
	if parent.RootId != "" {
		return parent.RootId
	}
	return postID
}

// Edit replaces the text of a relayed post. Override props are left as they
// are, so sender is not needed.
func (a *Adapter) Edit(ctx context.Context, target relay.ChatIdentity, content string, _ relay.DestinationHandle) error {
	client, err := a.clientForPost(ctx, target.MessageID)
	if err != nil {
		return err
	}
	_, resp, err := client.PatchPost(ctx, target.MessageID, &model.PostPatch{Message: &content})
	if err != nil {
		return relay.NewAdapterError(a.Service(), "patch post", isTransient(resp, err), err)
	}
	return nil
}

// Delete removes a post. A post that no longer exists counts as deleted.
func (a *Adapter) Delete(ctx context.Context, target relay.ChatIdentity) error {
	client, err := a.clientForPost(ctx, target.MessageID)
	if err != nil {
		if isNotFound(nil, err) {
			return nil
		}
		return err
	}
	resp, err := client.DeletePost(ctx, target.MessageID)
	if err != nil {
		if isNotFound(resp, err) {
			a.log.Debug().Str("post_id", target.MessageID).Msg("Post already gone")
			return nil
		}
		return relay.NewAdapterError(a.Service(), "delete post", isTransient(resp, err), err)
	}
	return nil
}

// clientForPost returns the client of the account that owns postID: the
// dedicated account that created it, or the bot.
func (a *Adapter) clientForPost(ctx context.Context, postID string) (*model.Client4, error) {
	if a.accounts.Count() == 0 {
		return a.client, nil
	}
	post, resp, err := a.client.GetPost(ctx, postID, "")
	if err != nil {
		return nil, relay.NewAdapterError(a.Service(), "get post", isTransient(resp, err), err)
	}
	if acc, ok := a.accounts.byUserID(post.UserId); ok {
		return acc.Client, nil
	}
	return a.client, nil
}

func statusCode(resp *model.Response, err error) int {
	if resp != nil && resp.StatusCode != 0 {
		return resp.StatusCode
	}
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}

// isTransient treats server errors, rate limits and transport failures as
// retryable.
func isTransient(resp *model.Response, err error) bool {
	code := statusCode(resp, err)
	return code == 0 || code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

func isNotFound(resp *model.Response, err error) bool {
	return statusCode(resp, err) == http.StatusNotFound
}

// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/metrics"
	"github.com/aiku/chatrelay/pkg/relay"
)

const (
	defaultReconnectDelay = 5 * time.Second
	userCacheTTL          = 10 * time.Minute
)

// Listener reads the Mattermost WebSocket and hands posts, edits and
// deletions to the relay engine.
type Listener struct {
	adapter  *Adapter
	sink     relay.EventSink
	pairings relay.Pairings
	log      zerolog.Logger

	// ReconnectDelay is the pause between WebSocket reconnect attempts.
	ReconnectDelay time.Duration

	usersMu sync.Mutex
	users   map[string]cachedUser
}

type cachedUser struct {
	user    *model.User
	fetched time.Time
}

// NewListener creates a listener that feeds sink. The adapter must be
// connected first so its own posts can be recognized.
func NewListener(adapter *Adapter, sink relay.EventSink, pairings relay.Pairings, log zerolog.Logger) *Listener {
	return &Listener{
		adapter:        adapter,
		sink:           sink,
		pairings:       pairings,
		log:            log.With().Str("component", "mattermost_listener").Logger(),
		ReconnectDelay: defaultReconnectDelay,
		users:          make(map[string]cachedUser),
	}
}

// Run listens until ctx is cancelled, reconnecting whenever the WebSocket
// drops.
func (l *Listener) Run(ctx context.Context) error {
	wsURL := httpToWS(l.adapter.cfg.ServerURL)
	for {
		ws, err := model.NewWebSocketClient4(wsURL, l.adapter.cfg.Token)
		if err != nil {
			l.log.Error().Err(err).Str("ws_url", wsURL).Msg("WebSocket connection failed")
		} else {
			ws.Listen()
			l.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
			l.consume(ctx, ws.EventChannel)
			ws.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn().Dur("delay", l.ReconnectDelay).Msg("WebSocket disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.ReconnectDelay):
		}
	}
}

func (l *Listener) consume(ctx context.Context, events <-chan *model.WebSocketEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt == nil {
				continue
			}
			l.handleEvent(ctx, evt)
		}
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (l *Listener) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		post, err := l.parsePost(evt, "posted")
		if err != nil {
			l.log.Error().Err(err).Msg("Failed to parse posted event")
		} else if post != nil {
			l.sink.HandleCreate(ctx, l.toMessage(ctx, post, senderName(evt)))
		}
	case model.WebsocketEventPostEdited:
		post, err := l.parsePost(evt, "edited")
		if err != nil {
			l.log.Error().Err(err).Msg("Failed to parse edited event")
		} else if post != nil {
			l.sink.HandleEdit(ctx, l.toMessage(ctx, post, senderName(evt)))
		}
	case model.WebsocketEventPostDeleted:
		post, err := l.parseDeleted(evt)
		if err != nil {
			l.log.Error().Err(err).Msg("Failed to parse deleted event")
		} else if post != nil {
			l.sink.HandleDelete(ctx, l.identity(post.ChannelId, post.Id))
		}
	default:
		l.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func decodePost(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	return &post, nil
}

func senderName(evt *model.WebSocketEvent) string {
	name, _ := evt.GetData()["sender_name"].(string)
	return strings.TrimPrefix(name, "@")
}

// parsePost decodes a created or edited post and applies echo prevention.
// It returns (nil, nil) for posts that must not be relayed.
func (l *Listener) parsePost(evt *model.WebSocketEvent, kind string) (*model.Post, error) {
	post, err := decodePost(evt)
	if err != nil {
		return nil, err
	}

	reason := ""
	switch {
	case post.UserId == l.adapter.UserID():
		reason = "own"
	case post.Type != "" && post.Type != model.PostTypeDefault:
		reason = "system"
	case post.GetProp(PropRelayed) != nil:
		reason = "marker"
	case l.adapter.Accounts().IsAccountUserID(post.UserId):
		reason = "account"
	case l.adapter.cfg.IsBridgeUsername(senderName(evt)):
		reason = "bridge_username"
	}
	if reason != "" {
		l.dropEcho(reason, kind, post)
		return nil, nil
	}
	return post, nil
}

// parseDeleted decodes a deleted post. The post author does not matter
// here: a user deleting a relayed post deletes the original too. Deletions
// performed by the relay itself are dropped.
func (l *Listener) parseDeleted(evt *model.WebSocketEvent) (*model.Post, error) {
	post, err := decodePost(evt)
	if err != nil {
		return nil, err
	}
	deleteBy, _ := evt.GetData()["delete_by"].(string)
	switch {
	case deleteBy != "" && deleteBy == l.adapter.UserID():
		l.dropEcho("own", "deleted", post)
		return nil, nil
	case deleteBy != "" && l.adapter.Accounts().IsAccountUserID(deleteBy):
		l.dropEcho("account", "deleted", post)
		return nil, nil
	}
	return post, nil
}

func (l *Listener) dropEcho(reason, kind string, post *model.Post) {
	metrics.EchoesDropped.WithLabelValues(relay.ServiceMattermost, reason).Inc()
	l.log.Debug().
		Str("post_id", post.Id).
		Str("user_id", post.UserId).
		Str("kind", kind).
		Str("reason", reason).
		Msg("Skipping post (echo prevention)")
}

func (l *Listener) identity(channelID, postID string) relay.ChatIdentity {
	local, _, _ := l.pairings.Lookup(relay.ServiceMattermost, channelID)
	return relay.ChatIdentity{
		Service:   relay.ServiceMattermost,
		ServerID:  local.ServerID,
		RoomID:    channelID,
		MessageID: postID,
	}
}

func (l *Listener) toMessage(ctx context.Context, post *model.Post, sender string) *relay.FullMessage {
	msg := &relay.FullMessage{
		Identity: l.identity(post.ChannelId, post.Id),
		Author:   l.persona(ctx, post.UserId, sender),
		Content:  post.Message,
	}
	if post.RootId != "" {
		parent := msg.Identity
		parent.MessageID = post.RootId
		msg.ReplyParent = &parent
	}
	return msg
}

// persona builds the author persona. The nickname wins over the full name.
func (l *Listener) persona(ctx context.Context, userID, sender string) relay.UserPersona {
	persona := relay.UserPersona{
		SourceService: relay.ServiceMattermost,
		RemoteUserID:  userID,
		MentionHandle: "@" + sender,
		ShortTag:      sender,
		DisplayName:   sender,
	}
	user, err := l.user(ctx, userID)
	if err != nil {
		l.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to fetch post author, using sender name")
		return persona
	}
	persona.MentionHandle = "@" + user.Username
	persona.ShortTag = user.Username
	persona.DisplayName = user.Username
	if full := strings.TrimSpace(user.FirstName + " " + user.LastName); full != "" {
		persona.DisplayName = full
	}
	if user.Nickname != "" {
		persona.DisplayName = user.Nickname
	}
	persona.AvatarRef = strings.TrimSuffix(l.adapter.cfg.ServerURL, "/") + "/api/v4/users/" + user.Id + "/image"
	return persona
}

func (l *Listener) user(ctx context.Context, userID string) (*model.User, error) {
	l.usersMu.Lock()
	cached, ok := l.users[userID]
	l.usersMu.Unlock()
	if ok && time.Since(cached.fetched) < userCacheTTL {
		return cached.user, nil
	}

	user, _, err := l.adapter.client.GetUser(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	l.usersMu.Lock()
	l.users[userID] = cachedUser{user: user, fetched: time.Now()}
	l.usersMu.Unlock()
	return user, nil
}

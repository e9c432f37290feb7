// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatrelay/pkg/metrics"
	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/relayfmt"
)

const profileCacheTTL = 10 * time.Minute

// Listener receives appservice transactions and hands room messages, edits
// and redactions to the relay engine.
type Listener struct {
	adapter  *Adapter
	sink     relay.EventSink
	pairings relay.Pairings
	log      zerolog.Logger

	profilesMu sync.Mutex
	profiles   map[id.UserID]cachedProfile
}

type cachedProfile struct {
	displayName string
	avatar      string
	fetched     time.Time
}

// NewListener creates a listener that feeds sink.
func NewListener(adapter *Adapter, sink relay.EventSink, pairings relay.Pairings, log zerolog.Logger) *Listener {
	return &Listener{
		adapter:  adapter,
		sink:     sink,
		pairings: pairings,
		log:      log.With().Str("component", "matrix_listener").Logger(),
		profiles: make(map[id.UserID]cachedProfile),
	}
}

// Run serves the appservice HTTP endpoint and consumes events until ctx is
// cancelled.
func (l *Listener) Run(ctx context.Context) error {
	as := l.adapter.as
	go as.Start()
	defer as.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-as.Events:
			if evt != nil {
				l.handleEvent(ctx, evt)
			}
		}
	}
}

func (l *Listener) handleEvent(ctx context.Context, evt *event.Event) {
	if l.adapter.IsPuppet(evt.Sender) {
		metrics.EchoesDropped.WithLabelValues(relay.ServiceMatrix, "puppet").Inc()
		l.log.Trace().Str("event_id", evt.ID.String()).Str("sender", evt.Sender.String()).Msg("Skipping event from relay user")
		return
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			l.log.Warn().Err(err).Str("event_id", evt.ID.String()).Msg("Failed to parse event content")
			return
		}
	}

	switch evt.Type {
	case event.EventMessage:
		l.handleMessage(ctx, evt)
	case event.EventRedaction:
		redacts := evt.Redacts
		if content := evt.Content.AsRedaction(); redacts == "" && content != nil {
			redacts = content.Redacts
		}
		if redacts == "" {
			return
		}
		l.sink.HandleDelete(ctx, l.identity(evt.RoomID, redacts))
	default:
		l.log.Trace().Str("event_type", evt.Type.Type).Msg("Unhandled event type")
	}
}

func (l *Listener) handleMessage(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}

	if replaces := content.RelatesTo.GetReplaceID(); replaces != "" {
		edited := content
		if content.NewContent != nil {
			edited = content.NewContent
		}
		l.sink.HandleEdit(ctx, &relay.FullMessage{
			Identity: l.identity(evt.RoomID, replaces),
			Author:   l.persona(ctx, evt.Sender),
			Content:  messageText(edited),
		})
		return
	}

	msg := &relay.FullMessage{
		Identity: l.identity(evt.RoomID, evt.ID),
		Author:   l.persona(ctx, evt.Sender),
		Content:  messageText(content),
	}
	if replyTo := content.RelatesTo.GetReplyTo(); replyTo != "" {
		parent := l.identity(evt.RoomID, replyTo)
		msg.ReplyParent = &parent
	}
	l.sink.HandleCreate(ctx, msg)
}

// messageText renders message content as relay Markdown.
func messageText(content *event.MessageEventContent) string {
	text := relayfmt.MatrixToMarkdown(content)
	switch content.MsgType {
	case event.MsgEmote:
		return "/me " + text
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		return "[" + string(content.MsgType) + "] " + content.Body
	default:
		return text
	}
}

func (l *Listener) identity(roomID id.RoomID, eventID id.EventID) relay.ChatIdentity {
	local, _, _ := l.pairings.Lookup(relay.ServiceMatrix, roomID.String())
	return relay.ChatIdentity{
		Service:   relay.ServiceMatrix,
		ServerID:  local.ServerID,
		RoomID:    roomID.String(),
		MessageID: eventID.String(),
	}
}

func (l *Listener) persona(ctx context.Context, sender id.UserID) relay.UserPersona {
	localpart, _, _ := sender.Parse()
	persona := relay.UserPersona{
		SourceService: relay.ServiceMatrix,
		RemoteUserID:  sender.String(),
		MentionHandle: sender.String(),
		ShortTag:      localpart,
		DisplayName:   localpart,
	}
	profile, err := l.profile(ctx, sender)
	if err != nil {
		l.log.Warn().Err(err).Str("user_id", sender.String()).Msg("Failed to fetch profile, using localpart")
		return persona
	}
	if profile.displayName != "" {
		persona.DisplayName = profile.displayName
	}
	persona.AvatarRef = profile.avatar
	return persona
}

func (l *Listener) profile(ctx context.Context, userID id.UserID) (cachedProfile, error) {
	l.profilesMu.Lock()
	cached, ok := l.profiles[userID]
	l.profilesMu.Unlock()
	if ok && time.Since(cached.fetched) < profileCacheTTL {
		return cached, nil
	}

	resp, err := l.adapter.as.BotIntent().GetProfile(ctx, userID)
	if err != nil {
		return cachedProfile{}, err
	}
	cached = cachedProfile{displayName: resp.DisplayName, fetched: time.Now()}
	if !resp.AvatarURL.IsEmpty() {
		cached.avatar = resp.AvatarURL.String()
	}
	l.profilesMu.Lock()
	l.profiles[userID] = cached
	l.profilesMu.Unlock()
	return cached, nil
}

// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Service identifiers of the bundled adapters.
const (
	ServiceMatrix     = "matrix"
	ServiceMattermost = "mattermost"
	ServiceTelegram   = "telegram"
	ServiceDiscord    = "discord"
)

// ChatIdentity uniquely identifies one message on one service.
type ChatIdentity struct {
	Service   string `json:"service"`
	ServerID  string `json:"server_id,omitempty"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// IsZero reports whether the identity is unset.
func (ci ChatIdentity) IsZero() bool {
	return ci == ChatIdentity{}
}

func (ci ChatIdentity) String() string {
	if ci.ServerID == "" {
		return fmt.Sprintf("%s:%s/%s", ci.Service, ci.RoomID, ci.MessageID)
	}
	return fmt.Sprintf("%s:%s:%s/%s", ci.Service, ci.ServerID, ci.RoomID, ci.MessageID)
}

// MarshalZerologObject lets identities be logged with Object().
func (ci ChatIdentity) MarshalZerologObject(e *zerolog.Event) {
	e.Str("service", ci.Service)
	if ci.ServerID != "" {
		e.Str("server_id", ci.ServerID)
	}
	e.Str("room_id", ci.RoomID).Str("message_id", ci.MessageID)
}

// CorrelationEdge is a recorded source -> target relay.
type CorrelationEdge struct {
	Source ChatIdentity
	Target ChatIdentity
}

// UserPersona describes the author of a message as seen on its source service.
type UserPersona struct {
	SourceService string
	RemoteUserID  string
	// MentionHandle is the native string used to mention the user.
	MentionHandle string
	// ShortTag is a short, mostly unique handle shown next to the display name.
	ShortTag    string
	DisplayName string
	AvatarRef   string
}

// FullMessage is the normalized unit the engine handles for creates and edits.
type FullMessage struct {
	Identity    ChatIdentity
	Author      UserPersona
	Content     string
	ReplyParent *ChatIdentity
}

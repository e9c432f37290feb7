// Copyright 2024-2026 Aiku AI

package relay

import (
	"bytes"
	"context"
	"sync"
	"text/template"

	"github.com/rs/zerolog"
)

// DefaultDisplaynameTemplate renders "Alice (alice#1234)".
const DefaultDisplaynameTemplate = "{{.DisplayName}} ({{.ShortTag}})"

// puppetKey identifies a puppet account on a destination service.
type puppetKey struct {
	service  string
	puppetID string
}

// puppetState is what the manager remembers about a provisioned puppet.
type puppetState struct {
	handle      DestinationHandle
	displayName string
	avatarRef   string
	rooms       map[string]struct{}
}

// PersonaManager produces destination identities for remote authors and
// keeps puppet accounts provisioned.
type PersonaManager struct {
	tmpl *template.Template
	log  zerolog.Logger

	mu      sync.Mutex
	puppets map[puppetKey]*puppetState
}

// NewPersonaManager parses displaynameTemplate (DefaultDisplaynameTemplate if
// empty).
func NewPersonaManager(displaynameTemplate string, log zerolog.Logger) (*PersonaManager, error) {
	if displaynameTemplate == "" {
		displaynameTemplate = DefaultDisplaynameTemplate
	}
	tmpl, err := template.New("displayname").Parse(displaynameTemplate)
	if err != nil {
		return nil, err
	}
	return &PersonaManager{
		tmpl:    tmpl,
		log:     log.With().Str("component", "persona").Logger(),
		puppets: make(map[puppetKey]*puppetState),
	}, nil
}

// FormatDisplayname renders the display string for persona. If the persona
// has no short tag, or rendering fails, the plain display name is used.
func (pm *PersonaManager) FormatDisplayname(persona UserPersona) string {
	name := persona.DisplayName
	if name == "" {
		name = persona.RemoteUserID
	}
	if persona.ShortTag == "" || persona.ShortTag == name {
		return name
	}
	var buf bytes.Buffer
	if err := pm.tmpl.Execute(&buf, persona); err != nil || buf.Len() == 0 {
		return name
	}
	return buf.String()
}

// EnsurePersona returns the handle to send as on adapter's service in room.
// For puppet adapters it creates the account, joins the room and syncs the
// display name and avatar as needed. All steps are safe to repeat.
func (pm *PersonaManager) EnsurePersona(ctx context.Context, adapter Adapter, room PairedRoom, persona UserPersona) (DestinationHandle, error) {
	displayName := pm.FormatDisplayname(persona)
	puppeter, ok := adapter.(PuppetAdapter)
	if !ok {
		return DestinationHandle{
			Service:     adapter.Service(),
			DisplayName: displayName,
			AvatarRef:   persona.AvatarRef,
		}, nil
	}

	key := puppetKey{service: adapter.Service(), puppetID: puppeter.PuppetID(persona.SourceService, persona.RemoteUserID)}
	log := pm.log.With().
		Str("service", key.service).
		Str("puppet_id", key.puppetID).
		Logger()
	known := pm.snapshot(key)

	handle, err := puppeter.EnsureAccount(ctx, key.puppetID)
	if err != nil {
		if known == nil {
			return DestinationHandle{}, err
		}
		log.Warn().Err(err).Msg("Failed to ensure puppet account, using previously provisioned account")
		handle = known.handle
	} else {
		pm.rememberAccount(key, handle)
	}

	if err := puppeter.JoinRoom(ctx, handle, room); err != nil {
		if known == nil || !known.inRoom(room.RoomID) {
			return DestinationHandle{}, err
		}
		log.Warn().Err(err).Str("room_id", room.RoomID).Msg("Failed to ensure puppet membership, room was joined before")
	} else {
		pm.rememberRoom(key, room.RoomID)
	}

	if known == nil || known.displayName != displayName {
		if err := puppeter.SyncDisplayName(ctx, handle, displayName); err != nil {
			log.Warn().Err(err).Str("displayname", displayName).Msg("Failed to sync puppet display name")
		} else {
			pm.update(key, func(st *puppetState) { st.displayName = displayName })
		}
	}
	handle.DisplayName = displayName

	if syncer, ok := adapter.(AvatarSyncer); ok && persona.AvatarRef != "" && (known == nil || known.avatarRef != persona.AvatarRef) {
		if err := syncer.SyncAvatar(ctx, handle, persona.AvatarRef); err != nil {
			log.Warn().Err(err).Msg("Failed to sync puppet avatar")
		} else {
			pm.update(key, func(st *puppetState) { st.avatarRef = persona.AvatarRef })
		}
	}
	handle.AvatarRef = persona.AvatarRef

	return handle, nil
}

// snapshot copies the cached state for key so callers can read it without
// holding the lock across adapter calls.
func (pm *PersonaManager) snapshot(key puppetKey) *puppetState {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	st, ok := pm.puppets[key]
	if !ok {
		return nil
	}
	cp := *st
	cp.rooms = make(map[string]struct{}, len(st.rooms))
	for room := range st.rooms {
		cp.rooms[room] = struct{}{}
	}
	return &cp
}

func (pm *PersonaManager) rememberAccount(key puppetKey, handle DestinationHandle) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	st, ok := pm.puppets[key]
	if !ok {
		st = &puppetState{rooms: make(map[string]struct{})}
		pm.puppets[key] = st
	}
	st.handle = handle
}

func (pm *PersonaManager) rememberRoom(key puppetKey, roomID string) {
	pm.update(key, func(st *puppetState) { st.rooms[roomID] = struct{}{} })
}

func (pm *PersonaManager) update(key puppetKey, fn func(st *puppetState)) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if st, ok := pm.puppets[key]; ok {
		fn(st)
	}
}

// PuppetCount returns the number of puppet accounts provisioned by this process.
func (pm *PersonaManager) PuppetCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.puppets)
}

func (st *puppetState) inRoom(roomID string) bool {
	_, ok := st.rooms[roomID]
	return ok
}

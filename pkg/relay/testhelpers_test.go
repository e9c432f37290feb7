// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory CorrelationStore for engine tests.
type memStore struct {
	mu      sync.Mutex
	origins map[ChatIdentity]ChatIdentity
	relays  map[ChatIdentity][]ChatIdentity

	// Err, when set, is returned from every operation.
	Err error
}

func newMemStore() *memStore {
	return &memStore{
		origins: make(map[ChatIdentity]ChatIdentity),
		relays:  make(map[ChatIdentity][]ChatIdentity),
	}
}

func (s *memStore) RecordRelay(_ context.Context, source, target ChatIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return &StorageError{Op: "record relay", Err: s.Err}
	}
	if existing, ok := s.origins[target]; ok {
		if existing == source {
			return nil
		}
		return &IntegrityError{Target: target, Existing: existing, Attempted: source, Count: 1}
	}
	s.origins[target] = source
	s.relays[source] = append(s.relays[source], target)
	return nil
}

func (s *memStore) OriginOf(_ context.Context, target ChatIdentity) (*ChatIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, &StorageError{Op: "origin of", Err: s.Err}
	}
	origin, ok := s.origins[target]
	if !ok {
		return nil, nil
	}
	return &origin, nil
}

func (s *memStore) RelaysOf(_ context.Context, source ChatIdentity) ([]ChatIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, &StorageError{Op: "relays of", Err: s.Err}
	}
	out := make([]ChatIdentity, len(s.relays[source]))
	copy(out, s.relays[source])
	return out, nil
}

func (s *memStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// fakeAdapter is a per-message attribution adapter that records calls.
type fakeAdapter struct {
	service string

	mu      sync.Mutex
	seq     int
	sent    []*OutgoingMessage
	deleted []ChatIdentity

	SendErr   error
	DeleteErr error
	// Block makes Send wait until the channel is closed, ignoring ctx.
	Block chan struct{}
	// Entered, if set, receives a value when Send starts.
	Entered chan struct{}
}

func newFakeAdapter(service string) *fakeAdapter {
	return &fakeAdapter{service: service}
}

func (f *fakeAdapter) Service() string { return f.service }

func (f *fakeAdapter) Send(_ context.Context, msg *OutgoingMessage) (ChatIdentity, error) {
	if f.Entered != nil {
		f.Entered <- struct{}{}
	}
	if f.Block != nil {
		<-f.Block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return ChatIdentity{}, f.SendErr
	}
	f.seq++
	f.sent = append(f.sent, msg)
	return ChatIdentity{
		Service:   f.service,
		ServerID:  msg.Room.ServerID,
		RoomID:    msg.Room.RoomID,
		MessageID: fmt.Sprintf("%s-msg-%d", f.service, f.seq),
	}, nil
}

func (f *fakeAdapter) Delete(_ context.Context, target ChatIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.deleted = append(f.deleted, target)
	return nil
}

func (f *fakeAdapter) Sent() []*OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*OutgoingMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

func (f *fakeAdapter) Deleted() []ChatIdentity {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]ChatIdentity, len(f.deleted))
	copy(cp, f.deleted)
	return cp
}

// editableAdapter adds edit support and custom broadcast markers.
type editableAdapter struct {
	*fakeAdapter

	editMu  sync.Mutex
	edits   map[ChatIdentity]string
	EditErr error
	Markers []string
}

func newEditableAdapter(service string) *editableAdapter {
	return &editableAdapter{fakeAdapter: newFakeAdapter(service), edits: make(map[ChatIdentity]string)}
}

func (e *editableAdapter) Edit(_ context.Context, target ChatIdentity, content string, _ DestinationHandle) error {
	e.editMu.Lock()
	defer e.editMu.Unlock()
	if e.EditErr != nil {
		return e.EditErr
	}
	e.edits[target] = content
	return nil
}

func (e *editableAdapter) BroadcastMarkers() []string {
	if e.Markers == nil {
		return DefaultBroadcastMarkers
	}
	return e.Markers
}

func (e *editableAdapter) EditedContent(target ChatIdentity) (string, bool) {
	e.editMu.Lock()
	defer e.editMu.Unlock()
	content, ok := e.edits[target]
	return content, ok
}

// puppetAdapter provisions ghost accounts and counts every provisioning call.
type puppetAdapter struct {
	*fakeAdapter

	pmu          sync.Mutex
	accounts     map[string]bool
	joins        int
	displayNames []string
	avatars      []string

	AccountErr     error
	JoinErr        error
	DisplayNameErr error
}

func newPuppetAdapter(service string) *puppetAdapter {
	return &puppetAdapter{fakeAdapter: newFakeAdapter(service), accounts: make(map[string]bool)}
}

func (p *puppetAdapter) PuppetID(sourceService, remoteUserID string) string {
	return sourceService + "_" + remoteUserID
}

func (p *puppetAdapter) EnsureAccount(_ context.Context, puppetID string) (DestinationHandle, error) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	if p.AccountErr != nil {
		return DestinationHandle{}, p.AccountErr
	}
	p.accounts[puppetID] = true
	return DestinationHandle{Service: p.service, AccountID: "@" + puppetID + ":example.org"}, nil
}

func (p *puppetAdapter) SyncDisplayName(_ context.Context, _ DestinationHandle, displayName string) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	if p.DisplayNameErr != nil {
		return p.DisplayNameErr
	}
	p.displayNames = append(p.displayNames, displayName)
	return nil
}

func (p *puppetAdapter) JoinRoom(_ context.Context, _ DestinationHandle, _ PairedRoom) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	if p.JoinErr != nil {
		return p.JoinErr
	}
	p.joins++
	return nil
}

func (p *puppetAdapter) SyncAvatar(_ context.Context, _ DestinationHandle, avatarRef string) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.avatars = append(p.avatars, avatarRef)
	return nil
}

func (p *puppetAdapter) setErrs(account, join, displayName error) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.AccountErr, p.JoinErr, p.DisplayNameErr = account, join, displayName
}

func (p *puppetAdapter) DisplayNames() []string {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	cp := make([]string, len(p.displayNames))
	copy(cp, p.displayNames)
	return cp
}

func (p *puppetAdapter) Joins() int {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.joins
}

var testPairings = Pairings{
	{
		A: PairedRoom{Service: "alpha", RoomID: "room-a"},
		B: PairedRoom{Service: "beta", ServerID: "server-b", RoomID: "room-b"},
	},
}

// newTestEngine wires an engine with the given adapters over testPairings.
func newTestEngine(store CorrelationStore, timeout time.Duration, adapters ...Adapter) *Engine {
	ac := NewAdapterContext()
	for _, a := range adapters {
		if err := ac.Register(a); err != nil {
			panic(err)
		}
	}
	ac.MarkReady()
	return NewEngine(EngineParams{
		Store:          store,
		Adapters:       ac,
		Pairings:       testPairings,
		AdapterTimeout: timeout,
		Log:            zerolog.Nop(),
	})
}

func alphaMsg(id, content string) *FullMessage {
	return &FullMessage{
		Identity: ChatIdentity{Service: "alpha", RoomID: "room-a", MessageID: id},
		Author: UserPersona{
			SourceService: "alpha",
			RemoteUserID:  "u1",
			ShortTag:      "alice#0001",
			DisplayName:   "Alice",
		},
		Content: content,
	}
}

func betaMsg(id, content string) *FullMessage {
	return &FullMessage{
		Identity: ChatIdentity{Service: "beta", ServerID: "server-b", RoomID: "room-b", MessageID: id},
		Author: UserPersona{
			SourceService: "beta",
			RemoteUserID:  "u2",
			ShortTag:      "bob",
			DisplayName:   "Bob",
		},
		Content: content,
	}
}

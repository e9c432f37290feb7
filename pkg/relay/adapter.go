// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// DestinationHandle is the identity a message is sent as on the destination.
type DestinationHandle struct {
	Service string
	// AccountID is the puppet account for puppeting adapters, empty otherwise.
	AccountID   string
	DisplayName string
	AvatarRef   string
}

// OutgoingMessage is what the engine asks an adapter to deliver.
type OutgoingMessage struct {
	Room    PairedRoom
	Content string
	Sender  DestinationHandle
	// Author is the original author, for adapters that map authors to
	// dedicated accounts.
	Author  UserPersona
	ReplyTo *ChatIdentity
}

// Adapter is the capability set every bridged service provides.
type Adapter interface {
	Service() string
	Send(ctx context.Context, msg *OutgoingMessage) (ChatIdentity, error)
	Delete(ctx context.Context, target ChatIdentity) error
}

// EditAdapter is implemented by adapters that can edit a relayed message.
// Sender carries the formatted display name of the author for adapters that
// attribute messages inline.
type EditAdapter interface {
	Edit(ctx context.Context, target ChatIdentity, content string, sender DestinationHandle) error
}

// PuppetAdapter is implemented by adapters that need a standing account per
// remote author.
type PuppetAdapter interface {
	// PuppetID deterministically derives the destination account identifier.
	PuppetID(sourceService, remoteUserID string) string
	// EnsureAccount creates the account if it is absent. An existing account
	// is not an error.
	EnsureAccount(ctx context.Context, puppetID string) (DestinationHandle, error)
	SyncDisplayName(ctx context.Context, handle DestinationHandle, displayName string) error
	JoinRoom(ctx context.Context, handle DestinationHandle, room PairedRoom) error
}

// AvatarSyncer is implemented by puppet adapters that can set an avatar.
type AvatarSyncer interface {
	SyncAvatar(ctx context.Context, handle DestinationHandle, avatarRef string) error
}

// BroadcastMarkers is implemented by adapters whose service has broadcast
// mentions. Adapters without it get DefaultBroadcastMarkers.
type BroadcastMarkers interface {
	BroadcastMarkers() []string
}

// AdapterState is the lifecycle state of an AdapterContext.
type AdapterState int

const (
	AdaptersUninitialized AdapterState = iota
	AdaptersReady
)

func (s AdapterState) String() string {
	switch s {
	case AdaptersReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// AdapterContext holds the adapters built at startup. It is created empty,
// filled with Register, and then marked ready. Lookups before that fail with
// ErrAdaptersNotReady.
type AdapterContext struct {
	mu       sync.RWMutex
	state    AdapterState
	adapters map[string]Adapter
}

// NewAdapterContext returns an uninitialized context.
func NewAdapterContext() *AdapterContext {
	return &AdapterContext{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Registering after MarkReady is an error.
func (ac *AdapterContext) Register(adapter Adapter) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.state == AdaptersReady {
		return fmt.Errorf("cannot register %s adapter: context is already ready", adapter.Service())
	}
	if _, ok := ac.adapters[adapter.Service()]; ok {
		return fmt.Errorf("adapter for %s is already registered", adapter.Service())
	}
	ac.adapters[adapter.Service()] = adapter
	return nil
}

// MarkReady freezes the adapter set.
func (ac *AdapterContext) MarkReady() {
	ac.mu.Lock()
	ac.state = AdaptersReady
	ac.mu.Unlock()
}

// State returns the current lifecycle state.
func (ac *AdapterContext) State() AdapterState {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.state
}

// Adapter returns the adapter for service.
func (ac *AdapterContext) Adapter(service string) (Adapter, error) {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	if ac.state != AdaptersReady {
		return nil, ErrAdaptersNotReady
	}
	adapter, ok := ac.adapters[service]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, service)
	}
	return adapter, nil
}

// Services lists the registered service identifiers in sorted order.
func (ac *AdapterContext) Services() []string {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	services := make([]string, 0, len(ac.adapters))
	for service := range ac.adapters {
		services = append(services, service)
	}
	sort.Strings(services)
	return services
}

// Copyright 2024-2026 Aiku AI

package relay

import "context"

// CorrelationStore is the durable source -> target index of relayed messages.
type CorrelationStore interface {
	// RecordRelay stores the edge. Recording an identical edge again is a
	// no-op; recording a different origin for a known target returns an
	// *IntegrityError.
	RecordRelay(ctx context.Context, source, target ChatIdentity) error
	// OriginOf returns the origin of target, or nil if target is not a mirror.
	OriginOf(ctx context.Context, target ChatIdentity) (*ChatIdentity, error)
	// RelaysOf returns the targets of source in insertion order.
	RelaysOf(ctx context.Context, source ChatIdentity) ([]ChatIdentity, error)
}

// ReplyResolver finds the message a relayed reply should thread against.
type ReplyResolver struct {
	Store CorrelationStore
}

// Resolve returns the identity on destinationService that corresponds to
// sourceParent, or nil when there is none. It walks exactly one hop forward
// (the parent's mirrors) and then one hop back (the parent's origin).
func (rr *ReplyResolver) Resolve(ctx context.Context, destinationService string, destinationRoom PairedRoom, sourceParent ChatIdentity) (*ChatIdentity, error) {
	relays, err := rr.Store.RelaysOf(ctx, sourceParent)
	if err != nil {
		return nil, err
	}
	for i := len(relays) - 1; i >= 0; i-- {
		if relays[i].Service == destinationService {
			target := relays[i]
			return &target, nil
		}
	}

	origin, err := rr.Store.OriginOf(ctx, sourceParent)
	if err != nil {
		return nil, err
	}
	if origin != nil && origin.Service == destinationService {
		return origin, nil
	}
	return nil, nil
}

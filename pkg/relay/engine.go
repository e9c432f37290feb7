// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/metrics"
)

// DefaultAdapterTimeout bounds adapter calls when no timeout is configured.
const DefaultAdapterTimeout = 30 * time.Second

// Outcome is the result of handling one event.
type Outcome string

const (
	OutcomeRelayed        Outcome = "relayed"
	OutcomeEdited         Outcome = "edited"
	OutcomeDeleted        Outcome = "deleted"
	OutcomeUnbridged      Outcome = "unbridged"
	OutcomeUnknownMessage Outcome = "unknown_message"
	OutcomeEcho           Outcome = "echo"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeFailed         Outcome = "failed"
)

// Result describes what the engine did for one event. Targets lists the
// identities that were created, edited or deleted.
type Result struct {
	Outcome Outcome
	Targets []ChatIdentity
}

// EventSink receives normalized events from the service loops. The engine's
// implementation logs failures instead of returning them, so a loop never
// stops because one message could not be relayed.
type EventSink interface {
	HandleCreate(ctx context.Context, msg *FullMessage)
	HandleEdit(ctx context.Context, msg *FullMessage)
	HandleDelete(ctx context.Context, deleted ChatIdentity)
}

// EngineParams holds the collaborators of an Engine.
type EngineParams struct {
	Store          CorrelationStore
	Adapters       *AdapterContext
	Pairings       Pairings
	Personas       *PersonaManager
	AdapterTimeout time.Duration
	Log            zerolog.Logger
}

// Engine orchestrates relaying between paired rooms.
type Engine struct {
	store    CorrelationStore
	adapters *AdapterContext
	pairings Pairings
	personas *PersonaManager
	replies  *ReplyResolver
	timeout  time.Duration
	log      zerolog.Logger

	// inflight holds the sources whose create is between the duplicate
	// check and RecordRelay.
	inflightMu sync.Mutex
	inflight   map[ChatIdentity]struct{}
}

var _ EventSink = (*Engine)(nil)

// NewEngine creates an engine. A nil Personas gets a manager with the
// default display name template.
func NewEngine(params EngineParams) *Engine {
	log := params.Log.With().Str("component", "relay").Logger()
	personas := params.Personas
	if personas == nil {
		personas, _ = NewPersonaManager("", params.Log)
	}
	timeout := params.AdapterTimeout
	if timeout <= 0 {
		timeout = DefaultAdapterTimeout
	}
	return &Engine{
		store:    params.Store,
		adapters: params.Adapters,
		pairings: params.Pairings,
		personas: personas,
		replies:  &ReplyResolver{Store: params.Store},
		timeout:  timeout,
		log:      log,
		inflight: make(map[ChatIdentity]struct{}),
	}
}

// Pairings returns the configured room pairings.
func (e *Engine) Pairings() Pairings {
	return e.pairings
}

func (e *Engine) HandleCreate(ctx context.Context, msg *FullMessage) {
	_, _ = e.OnCreate(ctx, msg)
}

func (e *Engine) HandleEdit(ctx context.Context, msg *FullMessage) {
	_, _ = e.OnEdit(ctx, msg)
}

func (e *Engine) HandleDelete(ctx context.Context, deleted ChatIdentity) {
	_, _ = e.OnDelete(ctx, deleted)
}

// OnCreate relays a new message to the paired room.
func (e *Engine) OnCreate(ctx context.Context, msg *FullMessage) (Result, error) {
	log := e.eventLogger("create", msg.Identity)
	res, err := e.create(ctx, msg, log)
	e.finish(log, "create", msg.Identity, res, err)
	return res, err
}

func (e *Engine) create(ctx context.Context, msg *FullMessage, log zerolog.Logger) (Result, error) {
	_, remote, ok := e.pairings.Lookup(msg.Identity.Service, msg.Identity.RoomID)
	if !ok {
		return Result{Outcome: OutcomeUnbridged}, nil
	}
	release, ok := e.claim(msg.Identity)
	if !ok {
		log.Debug().Msg("Message is already being relayed")
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	defer release()

	origin, err := e.store.OriginOf(ctx, msg.Identity)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if origin != nil {
		log.Debug().Object("origin", *origin).Msg("Message is itself a relay, not relaying back")
		return Result{Outcome: OutcomeEcho}, nil
	}
	existing, err := e.store.RelaysOf(ctx, msg.Identity)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if len(existing) > 0 {
		return Result{Outcome: OutcomeDuplicate, Targets: existing}, nil
	}

	adapter, err := e.adapters.Adapter(remote.Service)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}

	out := &OutgoingMessage{
		Room:    remote,
		Content: SanitizeMentions(msg.Content, markersFor(adapter)),
		Author:  msg.Author,
	}

	if msg.ReplyParent != nil {
		replyTo, err := e.replies.Resolve(ctx, remote.Service, remote, *msg.ReplyParent)
		if err != nil {
			log.Warn().Err(err).Object("reply_parent", *msg.ReplyParent).Msg("Failed to resolve reply target, sending without thread")
		} else if replyTo == nil {
			log.Debug().Object("reply_parent", *msg.ReplyParent).Msg("Reply parent has no counterpart on destination")
		}
		out.ReplyTo = replyTo
	}

	out.Sender, err = callAdapter(ctx, e, remote.Service, "ensure_persona", func(ctx context.Context) (DestinationHandle, error) {
		return e.personas.EnsurePersona(ctx, adapter, remote, msg.Author)
	})
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}

	relayed, err := callAdapter(ctx, e, remote.Service, "send", func(ctx context.Context) (ChatIdentity, error) {
		return adapter.Send(ctx, out)
	})
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}

	// The message now exists remotely. A failure below is reported but the
	// remote copy is kept.
	res := Result{Outcome: OutcomeRelayed, Targets: []ChatIdentity{relayed}}
	return res, e.store.RecordRelay(ctx, msg.Identity, relayed)
}

// claim marks source as being created. It fails if another create of the
// same source has not finished yet.
func (e *Engine) claim(source ChatIdentity) (release func(), ok bool) {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if _, busy := e.inflight[source]; busy {
		return nil, false
	}
	e.inflight[source] = struct{}{}
	return func() {
		e.inflightMu.Lock()
		delete(e.inflight, source)
		e.inflightMu.Unlock()
	}, true
}

// OnEdit propagates an edit to every relay of the message on services that
// support editing.
func (e *Engine) OnEdit(ctx context.Context, msg *FullMessage) (Result, error) {
	log := e.eventLogger("edit", msg.Identity)
	res, err := e.edit(ctx, msg, log)
	e.finish(log, "edit", msg.Identity, res, err)
	return res, err
}

func (e *Engine) edit(ctx context.Context, msg *FullMessage, log zerolog.Logger) (Result, error) {
	relays, err := e.store.RelaysOf(ctx, msg.Identity)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if len(relays) == 0 {
		return Result{Outcome: OutcomeUnknownMessage}, nil
	}

	sender := DestinationHandle{
		DisplayName: e.personas.FormatDisplayname(msg.Author),
		AvatarRef:   msg.Author.AvatarRef,
	}
	var errs []error
	var edited []ChatIdentity
	for _, target := range relays {
		adapter, err := e.adapters.Adapter(target.Service)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		editor, ok := adapter.(EditAdapter)
		if !ok {
			log.Debug().Object("target", target).Msg("Destination does not support edits, skipping")
			continue
		}
		content := SanitizeMentions(msg.Content, markersFor(adapter))
		_, err = callAdapter(ctx, e, target.Service, "edit", func(ctx context.Context) (struct{}, error) {
			sender := sender
			sender.Service = target.Service
			return struct{}{}, editor.Edit(ctx, target, content, sender)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		edited = append(edited, target)
	}

	outcome := OutcomeEdited
	if len(edited) == 0 && len(errs) > 0 {
		outcome = OutcomeFailed
	}
	return Result{Outcome: outcome, Targets: edited}, errors.Join(errs...)
}

// OnDelete deletes every relay of the message and, if the message is itself
// a relay, its origin. Each delete is attempted even if others fail.
func (e *Engine) OnDelete(ctx context.Context, deleted ChatIdentity) (Result, error) {
	log := e.eventLogger("delete", deleted)
	res, err := e.delete(ctx, deleted)
	e.finish(log, "delete", deleted, res, err)
	return res, err
}

func (e *Engine) delete(ctx context.Context, deleted ChatIdentity) (Result, error) {
	var errs []error
	targets, err := e.store.RelaysOf(ctx, deleted)
	if err != nil {
		errs = append(errs, err)
	}
	origin, err := e.store.OriginOf(ctx, deleted)
	if err != nil {
		errs = append(errs, err)
	} else if origin != nil {
		targets = append(targets, *origin)
	}
	if len(targets) == 0 {
		if len(errs) > 0 {
			return Result{Outcome: OutcomeFailed}, errors.Join(errs...)
		}
		return Result{Outcome: OutcomeUnknownMessage}, nil
	}

	var removed []ChatIdentity
	for _, target := range targets {
		adapter, err := e.adapters.Adapter(target.Service)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = callAdapter(ctx, e, target.Service, "delete", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, adapter.Delete(ctx, target)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, target)
	}

	outcome := OutcomeDeleted
	if len(removed) == 0 {
		outcome = OutcomeFailed
	}
	return Result{Outcome: outcome, Targets: removed}, errors.Join(errs...)
}

func (e *Engine) eventLogger(op string, identity ChatIdentity) zerolog.Logger {
	return e.log.With().
		Str("relay_id", uuid.NewString()).
		Str("op", op).
		Object("source", identity).
		Logger()
}

// finish logs and counts the result of one event.
func (e *Engine) finish(log zerolog.Logger, op string, identity ChatIdentity, res Result, err error) {
	metrics.RelayEvents.WithLabelValues(op, identity.Service, string(res.Outcome)).Inc()

	var evt *zerolog.Event
	switch {
	case errors.Is(err, ErrIntegrity):
		metrics.IntegrityErrors.Inc()
		evt = log.Error().Err(err)
	case err != nil && IsTransient(err):
		evt = log.Warn().Err(err)
	case err != nil:
		evt = log.Error().Err(err)
	case res.Outcome == OutcomeUnbridged:
		evt = log.Debug()
	default:
		evt = log.Info()
	}

	targets := zerolog.Arr()
	for _, target := range res.Targets {
		targets.Object(target)
	}
	evt.Str("outcome", string(res.Outcome)).Array("targets", targets).Msg("Handled event")
}

// callAdapter runs fn with the engine's adapter timeout. The call is
// abandoned when the deadline passes even if fn ignores its context. Errors
// are normalized to *AdapterError.
func callAdapter[T any](ctx context.Context, e *Engine, service, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		val, err := fn(ctx)
		done <- result{val: val, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	metrics.AdapterLatency.WithLabelValues(service, op).Observe(time.Since(start).Seconds())

	if res.err == nil {
		metrics.AdapterCalls.WithLabelValues(service, op, "ok").Inc()
		return res.val, nil
	}

	var zero T
	var ae *AdapterError
	switch {
	case errors.Is(res.err, ErrAdaptersNotReady), errors.Is(res.err, ErrNoAdapter):
		return zero, res.err
	case !errors.As(res.err, &ae):
		ae = NewAdapterError(service, op, false, res.err)
	case ctx.Err() != nil && !ae.Transient:
		ae = &AdapterError{Service: ae.Service, Op: ae.Op, Transient: true, Err: ae.Err}
	}
	resultLabel := "permanent"
	if ae.Transient {
		resultLabel = "transient"
	}
	metrics.AdapterCalls.WithLabelValues(service, op, resultLabel).Inc()
	return zero, ae
}

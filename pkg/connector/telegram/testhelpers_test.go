// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"net/http"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

const testChat = "-100123"

// fakeBot records every Chattable it is given.
type fakeBot struct {
	mu       sync.Mutex
	updates  chan tgbotapi.Update
	stopped  bool
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int
	self     tgbotapi.User

	sendErr    error
	requestErr error
	// block makes Send wait until the channel is closed.
	block chan struct{}
}

func newFakeBot() *fakeBot {
	return &fakeBot{
		updates: make(chan tgbotapi.Update, 10),
		nextID:  100,
		self:    tgbotapi.User{ID: 42, IsBot: true, UserName: "relay_bot"},
	}
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, c)
	if b.sendErr != nil {
		return tgbotapi.Message{}, b.sendErr
	}
	b.nextID++
	return tgbotapi.Message{MessageID: b.nextID}, nil
}

func (b *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, c)
	if b.requestErr != nil {
		return nil, b.requestErr
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (b *fakeBot) GetSelf() tgbotapi.User {
	return b.self
}

func (b *fakeBot) sentMessages() []tgbotapi.MessageConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range b.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBot) requested() []tgbotapi.Chattable {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]tgbotapi.Chattable, len(b.requests))
	copy(cp, b.requests)
	return cp
}

func (b *fakeBot) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func newTestAdapter(t *testing.T, bot *fakeBot) *Adapter {
	t.Helper()
	factory := func(token, endpoint string, _ *http.Client) (Bot, error) {
		if token != "test-token" {
			t.Errorf("factory token = %q", token)
		}
		if endpoint != tgbotapi.APIEndpoint {
			t.Errorf("factory endpoint = %q", endpoint)
		}
		return bot, nil
	}
	a := NewAdapterWithFactory(Config{Enabled: true, Token: "test-token"}, factory, zerolog.Nop())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a
}

type recordingSink struct {
	mu      sync.Mutex
	creates []*relay.FullMessage
	edits   []*relay.FullMessage
	deletes []relay.ChatIdentity
}

func (s *recordingSink) HandleCreate(_ context.Context, msg *relay.FullMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, msg)
}

func (s *recordingSink) HandleEdit(_ context.Context, msg *relay.FullMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, msg)
}

func (s *recordingSink) HandleDelete(_ context.Context, deleted relay.ChatIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, deleted)
}

func (s *recordingSink) counts() (creates, edits, deletes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creates), len(s.edits), len(s.deletes)
}

var testPairings = relay.Pairings{
	{
		A: relay.PairedRoom{Service: relay.ServiceTelegram, ServerID: "tg", RoomID: testChat},
		B: relay.PairedRoom{Service: relay.ServiceMatrix, RoomID: "!room:example.org"},
	},
}

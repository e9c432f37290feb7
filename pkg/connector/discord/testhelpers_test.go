// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

const (
	testGuild   = "111"
	testChannel = "222"
	testHookURL = "https://discord.com/api/webhooks/333/hook-token"
)

type executed struct {
	webhookID, token string
	wait             bool
	params           *discordgo.WebhookParams
}

type edited struct {
	webhookID, token, messageID string
	edit                        *discordgo.WebhookEdit
}

// fakeSession records REST calls and keeps registered handlers.
type fakeSession struct {
	mu       sync.Mutex
	handlers []any
	removed  int
	opened   bool
	closed   bool
	nextID   int

	self      *discordgo.User
	members   map[string]*discordgo.Member
	hooks     map[string][]*discordgo.Webhook
	created   []string
	executes  []executed
	edits     []edited
	deletes   []string
	memberReq int

	userErr    error
	executeErr error
	editErr    error
	deleteErr  error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		self:    &discordgo.User{ID: "bot-1", Username: "relay", Bot: true},
		members: make(map[string]*discordgo.Member),
		hooks:   make(map[string][]*discordgo.Webhook),
		nextID:  900,
	}
}

func (s *fakeSession) AddHandler(handler any) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
	return func() {
		s.mu.Lock()
		s.removed++
		s.mu.Unlock()
	}
}

func (s *fakeSession) Open() error {
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) User(userID string, _ ...discordgo.RequestOption) (*discordgo.User, error) {
	if s.userErr != nil {
		return nil, s.userErr
	}
	if userID != "@me" {
		return nil, restErr(http.StatusNotFound, discordgo.ErrCodeUnknownUser)
	}
	return s.self, nil
}

func (s *fakeSession) GuildMember(guildID, userID string, _ ...discordgo.RequestOption) (*discordgo.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberReq++
	member, ok := s.members[guildID+"/"+userID]
	if !ok {
		return nil, restErr(http.StatusNotFound, discordgo.ErrCodeUnknownMember)
	}
	return member, nil
}

func (s *fakeSession) ChannelWebhooks(channelID string, _ ...discordgo.RequestOption) ([]*discordgo.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hooks[channelID], nil
}

func (s *fakeSession) WebhookCreate(channelID, name, _ string, _ ...discordgo.RequestOption) (*discordgo.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	hook := &discordgo.Webhook{ID: fmt.Sprintf("hook-%d", s.nextID), ChannelID: channelID, Name: name, Token: "new-token"}
	s.hooks[channelID] = append(s.hooks[channelID], hook)
	s.created = append(s.created, channelID)
	return hook, nil
}

func (s *fakeSession) WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executes = append(s.executes, executed{webhookID, token, wait, data})
	if s.executeErr != nil {
		return nil, s.executeErr
	}
	s.nextID++
	return &discordgo.Message{ID: fmt.Sprintf("%d", s.nextID), WebhookID: webhookID}, nil
}

func (s *fakeSession) WebhookMessageEdit(webhookID, token, messageID string, data *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, edited{webhookID, token, messageID, data})
	if s.editErr != nil {
		return nil, s.editErr
	}
	return &discordgo.Message{ID: messageID}, nil
}

func (s *fakeSession) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, channelID+"/"+messageID)
	return s.deleteErr
}

func (s *fakeSession) handlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *fakeSession) state() (opened, closed bool, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened, s.closed, s.removed
}

func restErr(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status, Status: http.StatusText(status)},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: http.StatusText(status)},
	}
}

var testPairings = relay.Pairings{
	{
		A: relay.PairedRoom{Service: relay.ServiceDiscord, ServerID: testGuild, RoomID: testChannel,
			Params: map[string]string{ParamWebhookURL: testHookURL}},
		B: relay.PairedRoom{Service: relay.ServiceMatrix, RoomID: "!room:example.org"},
	},
	{
		A: relay.PairedRoom{Service: relay.ServiceDiscord, ServerID: testGuild, RoomID: "444"},
		B: relay.PairedRoom{Service: relay.ServiceTelegram, RoomID: "-100"},
	},
}

func newTestAdapter(t *testing.T, session *fakeSession) *Adapter {
	t.Helper()
	factory := func(token string) (Session, error) {
		if token != "test-token" {
			t.Errorf("factory token = %q", token)
		}
		return session, nil
	}
	a := NewAdapterWithFactory(Config{Enabled: true, Token: "test-token"}, testPairings, factory, zerolog.Nop())
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

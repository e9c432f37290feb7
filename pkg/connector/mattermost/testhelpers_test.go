// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatrelay/pkg/relay"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
	Token  string
}

// fakeMM simulates the parts of the Mattermost API the adapter uses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall
	seq   int

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs.
	TokenToUser map[string]string
	// Posts maps post ID to stored posts for GetPost, patch and delete.
	Posts map[string]*model.Post
	// FailEndpoints makes matching paths return the given status code.
	FailEndpoints map[string]int
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Posts:         make(map[string]*model.Post),
		FailEndpoints: make(map[string]int),
	}
	f.Users["bot-id"] = &model.User{Id: "bot-id", Username: "relaybot"}
	f.TokenToUser["bot-token"] = "bot-id"
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) callsTo(method, pathPart string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, pathPart) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMM) post(id string) (*model.Post, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Posts[id]
	return p, ok
}

func (f *fakeMM) addPost(p *model.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Posts[p.Id] = p
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"message": msg, "status_code": status})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	token := strings.TrimPrefix(strings.TrimPrefix(r.Header.Get("Authorization"), "BEARER "), "Bearer ")

	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Body: string(body), Token: token})
	fail := 0
	for prefix, status := range f.FailEndpoints {
		if strings.Contains(r.Method+" "+r.URL.Path, prefix) {
			fail = status
		}
	}
	f.mu.Unlock()
	if fail != 0 {
		writeError(w, fail, "fake error")
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/api/v4/users/me":
		f.mu.Lock()
		uid := f.TokenToUser[token]
		u := f.Users[uid]
		f.mu.Unlock()
		if u == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		_ = json.NewEncoder(w).Encode(u)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/users/"):
		f.mu.Lock()
		u := f.Users[strings.TrimPrefix(path, "/api/v4/users/")]
		f.mu.Unlock()
		if u == nil {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		_ = json.NewEncoder(w).Encode(u)

	case r.Method == http.MethodPost && path == "/api/v4/posts":
		var p model.Post
		_ = json.Unmarshal(body, &p)
		f.mu.Lock()
		f.seq++
		p.Id = fmt.Sprintf("post-%d", f.seq)
		p.UserId = f.TokenToUser[token]
		f.Posts[p.Id] = &p
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&p)

	case r.Method == http.MethodPut && strings.HasSuffix(path, "/patch"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v4/posts/"), "/patch")
		var patch model.PostPatch
		_ = json.Unmarshal(body, &patch)
		f.mu.Lock()
		p, ok := f.Posts[id]
		if ok && patch.Message != nil {
			p.Message = *patch.Message
		}
		f.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		_ = json.NewEncoder(w).Encode(p)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/v4/posts/"):
		p, ok := f.post(strings.TrimPrefix(path, "/api/v4/posts/"))
		if !ok {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		_ = json.NewEncoder(w).Encode(p)

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/api/v4/posts/"):
		id := strings.TrimPrefix(path, "/api/v4/posts/")
		f.mu.Lock()
		_, ok := f.Posts[id]
		delete(f.Posts, id)
		f.mu.Unlock()
		if !ok {
			writeError(w, http.StatusNotFound, "post not found")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK"})

	default:
		writeError(w, http.StatusNotFound, "not found: "+path)
	}
}

// newTestAdapter returns a connected adapter for the fake server.
func newTestAdapter(t *testing.T, f *fakeMM, cfg Config) *Adapter {
	t.Helper()
	cfg.Enabled = true
	cfg.ServerURL = f.Server.URL
	if cfg.Token == "" {
		cfg.Token = "bot-token"
	}
	a := NewAdapter(cfg, zerolog.Nop())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return a
}

// recordingSink captures the events the listener emits.
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

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postEvent(t *testing.T, eventType model.WebsocketEventType, post *model.Post, extra map[string]any) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	data := map[string]any{"post": string(raw)}
	for k, v := range extra {
		data[k] = v
	}
	return newWebSocketEvent(eventType, post.ChannelId, data)
}

var testPairings = relay.Pairings{
	{
		A: relay.PairedRoom{Service: relay.ServiceMatrix, RoomID: "!room:example.org"},
		B: relay.PairedRoom{Service: relay.ServiceMattermost, ServerID: "team-1", RoomID: "chan-1"},
	},
}

// Copyright 2024-2026 Aiku AI

package matrix

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

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"

	"github.com/aiku/chatrelay/pkg/relay"
)

const (
	testDomain = "example.org"
	testRoom   = "!room:example.org"
	botMXID    = "@relaybot:example.org"
)

type hsCall struct {
	Method string
	Path   string
	UserID string
	Body   map[string]any
}

type storedEvent struct {
	Sender  string
	Content map[string]any
}

// fakeHomeserver simulates the client-server API endpoints used by
// appservice intents.
type fakeHomeserver struct {
	Server *httptest.Server

	mu           sync.Mutex
	calls        []hsCall
	seq          int
	events       map[string]storedEvent
	displayNames map[string]string
	avatars      map[string]string
	registered   map[string]bool

	// UserInUse makes registration fail with M_USER_IN_USE.
	UserInUse bool
	// FailSend makes message sends fail with the given status code.
	FailSend int
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	f := &fakeHomeserver{
		events:       make(map[string]storedEvent),
		displayNames: make(map[string]string),
		avatars:      make(map[string]string),
		registered:   make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func matrixError(w http.ResponseWriter, status int, code string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"errcode": code, "error": code})
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	user := r.URL.Query().Get("user_id")
	if user == "" {
		user = botMXID
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hsCall{Method: r.Method, Path: r.URL.Path, UserID: user, Body: body})

	path := r.URL.Path
	parts := strings.Split(path, "/")
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/register"):
		if f.UserInUse {
			matrixError(w, http.StatusBadRequest, "M_USER_IN_USE")
			return
		}
		username, _ := body["username"].(string)
		mxid := "@" + username + ":" + testDomain
		f.registered[mxid] = true
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": mxid})

	case r.Method == http.MethodPost && strings.Contains(path, "/join"):
		_ = json.NewEncoder(w).Encode(map[string]string{"room_id": testRoom})

	case strings.Contains(path, "/profile/") && strings.HasSuffix(path, "/displayname"):
		target := parts[len(parts)-2]
		if r.Method == http.MethodPut {
			f.displayNames[target], _ = body["displayname"].(string)
			_, _ = w.Write([]byte("{}"))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"displayname": f.displayNames[target]})

	case strings.Contains(path, "/profile/") && strings.HasSuffix(path, "/avatar_url"):
		target := parts[len(parts)-2]
		if r.Method == http.MethodPut {
			f.avatars[target], _ = body["avatar_url"].(string)
			_, _ = w.Write([]byte("{}"))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"avatar_url": f.avatars[target]})

	case r.Method == http.MethodGet && strings.Contains(path, "/profile/"):
		target := parts[len(parts)-1]
		resp := map[string]string{}
		if name, ok := f.displayNames[target]; ok {
			resp["displayname"] = name
		}
		if avatar, ok := f.avatars[target]; ok {
			resp["avatar_url"] = avatar
		}
		if len(resp) == 0 {
			matrixError(w, http.StatusNotFound, "M_NOT_FOUND")
			return
		}
		_ = json.NewEncoder(w).Encode(resp)

	case r.Method == http.MethodPut && strings.Contains(path, "/send/"):
		if f.FailSend != 0 {
			matrixError(w, f.FailSend, "M_UNKNOWN")
			return
		}
		f.seq++
		eventID := fmt.Sprintf("$ev%d", f.seq)
		f.events[eventID] = storedEvent{Sender: user, Content: body}
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": eventID})

	case r.Method == http.MethodPut && strings.Contains(path, "/redact/"):
		eventID := parts[len(parts)-2]
		if _, ok := f.events[eventID]; !ok {
			matrixError(w, http.StatusNotFound, "M_NOT_FOUND")
			return
		}
		delete(f.events, eventID)
		f.seq++
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": fmt.Sprintf("$redaction%d", f.seq)})

	case r.Method == http.MethodGet && strings.Contains(path, "/event/"):
		eventID := parts[len(parts)-1]
		evt, ok := f.events[eventID]
		if !ok {
			matrixError(w, http.StatusNotFound, "M_NOT_FOUND")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"event_id":         eventID,
			"room_id":          testRoom,
			"sender":           evt.Sender,
			"type":             "m.room.message",
			"origin_server_ts": 1,
			"content":          evt.Content,
		})

	default:
		matrixError(w, http.StatusNotFound, "M_UNRECOGNIZED")
	}
}

func (f *fakeHomeserver) Calls() []hsCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]hsCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeHomeserver) callsTo(method, pathPart string) []hsCall {
	var out []hsCall
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, pathPart) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeHomeserver) event(eventID string) (storedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evt, ok := f.events[eventID]
	return evt, ok
}

func (f *fakeHomeserver) setProfile(userID, displayName, avatar string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.displayNames[userID] = displayName
	if avatar != "" {
		f.avatars[userID] = avatar
	}
}

func (f *fakeHomeserver) displayName(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.displayNames[userID]
}

func (f *fakeHomeserver) avatar(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.avatars[userID]
}

func (f *fakeHomeserver) addEvent(eventID, sender string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[eventID] = storedEvent{Sender: sender, Content: map[string]any{"msgtype": "m.text", "body": "native"}}
}

func newTestAdapter(t *testing.T, f *fakeHomeserver) *Adapter {
	t.Helper()
	reg := &appservice.Registration{
		ID:              "chatrelay",
		URL:             "http://localhost:29318",
		AppToken:        "as-token",
		ServerToken:     "hs-token",
		SenderLocalpart: "relaybot",
	}
	a, err := NewAdapterWithRegistration(Config{
		Enabled:          true,
		HomeserverURL:    f.Server.URL,
		HomeserverDomain: testDomain,
		Hostname:         "127.0.0.1",
		Port:             29318,
	}, reg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewAdapterWithRegistration: %v", err)
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

var testPairings = relay.Pairings{
	{
		A: relay.PairedRoom{Service: relay.ServiceMatrix, RoomID: testRoom},
		B: relay.PairedRoom{Service: relay.ServiceTelegram, RoomID: "-100123"},
	},
}

// Package testutil provides a fake App Configuration service for tests.
package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// TestToken is the access token issued by the fake IAM endpoint.
const TestToken = "test-token"

// FakeServer serves the configuration, usage, push channel and IAM routes.
type FakeServer struct {
	*httptest.Server

	mu            sync.Mutex
	config        []byte
	configFails   []int
	usageStatuses []int
	usages        [][]byte
	authHeaders   []string
	sockets       map[*websocket.Conn]struct{}
	hold          *configHold

	configHits     atomic.Int32
	tokenHits      atomic.Int32
	socketConnects atomic.Int32
}

// NewFakeServer starts a fake service that is closed when t finishes.
func NewFakeServer(t *testing.T) *FakeServer {
	t.Helper()
	s := &FakeServer{
		config:  []byte(`{"features": [], "properties": [], "segments": []}`),
		sockets: make(map[*websocket.Conn]struct{}),
	}

	r := chi.NewRouter()
	r.Get("/apprapp/feature/v1/instances/{guid}/collections/{collection}/config", s.handleConfig)
	r.Post("/apprapp/events/v1/instances/{guid}/usage", s.handleUsage)
	r.Get("/apprapp/wsfeature", s.handleSocket)
	r.Post("/identity/token", s.handleToken)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Close drops open sockets and stops the server.
func (s *FakeServer) Close() {
	s.DropSockets(websocket.StatusGoingAway)
	s.Server.Close()
}

// SetConfig replaces the document served by the config route.
func (s *FakeServer) SetConfig(doc string) {
	s.mu.Lock()
	s.config = []byte(doc)
	s.mu.Unlock()
}

type configHold struct {
	captured chan struct{}
	release  chan struct{}
}

// HoldConfig makes the next config request pick its document and then stall
// until release is called. captured is closed once the document is picked.
func (s *FakeServer) HoldConfig() (captured <-chan struct{}, release func()) {
	h := &configHold{captured: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.hold = h
	s.mu.Unlock()
	var once sync.Once
	return h.captured, func() { once.Do(func() { close(h.release) }) }
}

// FailConfig makes the next config requests fail with the given statuses, in order.
func (s *FakeServer) FailConfig(statuses ...int) {
	s.mu.Lock()
	s.configFails = append(s.configFails, statuses...)
	s.mu.Unlock()
}

// SetUsageStatuses makes the next usage requests answer with the given
// statuses, in order. Afterwards usage requests answer 201.
func (s *FakeServer) SetUsageStatuses(statuses ...int) {
	s.mu.Lock()
	s.usageStatuses = append(s.usageStatuses, statuses...)
	s.mu.Unlock()
}

// ConfigHits returns the number of config requests served.
func (s *FakeServer) ConfigHits() int { return int(s.configHits.Load()) }

// TokenHits returns the number of IAM token requests served.
func (s *FakeServer) TokenHits() int { return int(s.tokenHits.Load()) }

// SocketConnects returns the number of accepted push channel connections.
func (s *FakeServer) SocketConnects() int { return int(s.socketConnects.Load()) }

// Usages returns the bodies of all usage requests, including rejected ones.
func (s *FakeServer) Usages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.usages))
	copy(out, s.usages)
	return out
}

// AuthHeaders returns the Authorization header of every config and usage request.
func (s *FakeServer) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authHeaders...)
}

// SocketCount returns the number of currently open push channels.
func (s *FakeServer) SocketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// Push sends msg to every open push channel.
func (s *FakeServer) Push(msg string) {
	for _, c := range s.openSockets() {
		_ = c.Write(context.Background(), websocket.MessageText, []byte(msg))
	}
}

// DropSockets closes every open push channel with code.
func (s *FakeServer) DropSockets(code websocket.StatusCode) {
	for _, c := range s.openSockets() {
		_ = c.Close(code, "server closed")
	}
}

func (s *FakeServer) openSockets() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(s.sockets))
	for c := range s.sockets {
		out = append(out, c)
	}
	return out
}

func (s *FakeServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.configHits.Add(1)
	s.mu.Lock()
	s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
	var status int
	if len(s.configFails) > 0 {
		status = s.configFails[0]
		s.configFails = s.configFails[1:]
	}
	doc := s.config
	hold := s.hold
	s.hold = nil
	s.mu.Unlock()

	if hold != nil {
		close(hold.captured)
		select {
		case <-hold.release:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

func (s *FakeServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
	s.usages = append(s.usages, body)
	status := http.StatusCreated
	if len(s.usageStatuses) > 0 {
		status = s.usageStatuses[0]
		s.usageStatuses = s.usageStatuses[1:]
	}
	s.mu.Unlock()

	if status >= 300 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.WriteHeader(status)
}

func (s *FakeServer) handleToken(w http.ResponseWriter, r *http.Request) {
	s.tokenHits.Add(1)
	if err := r.ParseForm(); err != nil || r.PostForm.Get("apikey") == "" {
		http.Error(w, `{"errorMessage":"missing apikey"}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"access_token":"`+TestToken+`","expires_in":3600,"token_type":"Bearer"}`)
}

func (s *FakeServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.socketConnects.Add(1)
	s.mu.Lock()
	s.sockets[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sockets, c)
		s.mu.Unlock()
		_ = c.CloseNow()
	}()

	// Read until the client goes away so control frames are processed.
	for {
		if _, _, err := c.Read(r.Context()); err != nil {
			return
		}
	}
}

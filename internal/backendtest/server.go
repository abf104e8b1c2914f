// Package backendtest runs a scripted viewer backend over a real websocket
// for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is a client frame as the backend sees it
type Frame struct {
	Cmd       string          `json:"cmd"`
	Data      json.RawMessage `json:"data"`
	Context   map[string]any  `json:"context"`
	CmdID     *uint64         `json:"cmdid"`
	Timestamp int64           `json:"timestamp"`
}

// String decodes the frame data as a string
func (f Frame) String() string {
	var s string
	_ = json.Unmarshal(f.Data, &s)
	return s
}

// CircuitPath returns context.circuitConfig.path
func (f Frame) CircuitPath() string {
	cfg, _ := f.Context["circuitConfig"].(map[string]any)
	path, _ := cfg["path"].(string)
	return path
}

// HandlerFunc answers one frame. It runs on the session's read goroutine, so
// frames of one session are handled in order.
type HandlerFunc func(s *Session, f Frame)

// Server is a fake backend
type Server struct {
	t        testing.TB
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	received []Frame
	sessions []*Session
	gate     chan struct{}
	notify   chan struct{}
}

// New starts a server that is shut down when the test ends
func New(t testing.TB) *Server {
	s := &Server{
		t:        t,
		handlers: make(map[string]HandlerFunc),
		notify:   make(chan struct{}, 1),
	}
	s.Handle("get_server_status", func(sess *Session, f Frame) {
		sess.Reply(f, "server_status", map[string]any{"status": "operational"})
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// URL returns the http base URL of the server
func (s *Server) URL() string {
	return s.srv.URL
}

// Close drops every session and stops the server
func (s *Server) Close() {
	s.ReleaseUpgrades()
	s.DropAll()
	s.srv.Close()
}

// Handle installs h for cmd, replacing any previous handler
func (s *Server) Handle(cmd string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = h
}

// HoldUpgrades makes new connections wait before the websocket handshake
// completes, keeping clients in the connecting state
func (s *Server) HoldUpgrades() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// ReleaseUpgrades lets held connections complete their handshake
func (s *Server) ReleaseUpgrades() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// DropAll closes every live session without a close handshake
func (s *Server) DropAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = nil
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Drop()
	}
}

// Sessions returns the number of live sessions
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Received returns every frame received so far, across sessions
func (s *Server) Received() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.received...)
}

// ReceivedCmds returns the commands of every frame received so far
func (s *Server) ReceivedCmds() []string {
	frames := s.Received()
	cmds := make([]string, len(frames))
	for i, f := range frames {
		cmds[i] = f.Cmd
	}
	return cmds
}

// WaitFrames waits until at least n frames were received and returns them
func (s *Server) WaitFrames(n int, timeout time.Duration) []Frame {
	s.t.Helper()
	deadline := time.After(timeout)
	for {
		if frames := s.Received(); len(frames) >= n {
			return frames
		}
		select {
		case <-s.notify:
		case <-deadline:
			s.t.Fatalf("backendtest: waited %s for %d frames, got %d", timeout, n, len(s.Received()))
			return nil
		}
	}
}

// WaitSessions waits until n sessions are live
func (s *Server) WaitSessions(n int, timeout time.Duration) {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for s.Sessions() < n {
		if time.Now().After(deadline) {
			s.t.Fatalf("backendtest: waited %s for %d sessions, got %d", timeout, n, s.Sessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &Session{conn: conn}
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	defer s.remove(sess)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, f)
		h := s.handlers[f.Cmd]
		s.mu.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}

		if h != nil {
			h(sess, f)
		}
	}
}

func (s *Server) remove(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.sessions {
		if other == sess {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			return
		}
	}
}

// Session is one client connection
type Session struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Send writes a {cmd, data} frame
func (s *Session) Send(cmd string, data any) error {
	payload, err := json.Marshal(map[string]any{"cmd": cmd, "data": data})
	if err != nil {
		return fmt.Errorf("backendtest: encode %s: %w", cmd, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Reply answers f with data extended by f's cmdid
func (s *Session) Reply(f Frame, cmd string, data map[string]any) error {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	if f.CmdID != nil {
		out["cmdid"] = *f.CmdID
	}
	return s.Send(cmd, out)
}

// Drop closes the socket without a close handshake
func (s *Session) Drop() {
	s.conn.Close()
}

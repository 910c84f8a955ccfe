package httpapi

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-realtime/model"
)

// Session is one connected client instance: a websocket plus the set
// of event names it asked to be forwarded. Clients that never
// subscribe to an event name never see it, so the server does no
// wasted writes for unused event families.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn

	mu   sync.Mutex
	subs map[string]struct{}
}

func (s *Session) subscribe(events []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.subs[ev] = struct{}{}
	}
}

func (s *Session) unsubscribe(events []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		delete(s.subs, ev)
	}
}

func (s *Session) wants(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[event]
	return ok
}

// send is safe for concurrent use; gorilla writers are not.
func (s *Session) send(env model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// Registry holds the connected sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger.With(slog.String("component", "session_registry")),
	}
}

func (r *Registry) Add(id, userID string, conn *websocket.Conn) *Session {
	s := &Session{id: id, userID: userID, conn: conn, subs: make(map[string]struct{})}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Broadcast delivers an event to every session subscribed to it,
// except the one named by skip (the sender).
func (r *Registry) Broadcast(event string, payload json.RawMessage, skip string) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.id != skip && s.wants(event) {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	env := model.Envelope{Event: event, Payload: payload}
	for _, s := range targets {
		if err := s.send(env); err != nil {
			r.logger.Warn("broadcast write failed", slog.String("session", s.id), slog.Any("error", err))
		}
	}
}

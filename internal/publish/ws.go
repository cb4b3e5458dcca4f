package publish

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

// WSSession wraps one client connection; gorilla conns are not safe for
// concurrent writes, so sends serialize on the session mutex.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry maps channel names to live websocket sessions. It is one
// Publisher implementation; the dispatch core only ever sees channel
// names, never connections.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(channel string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[channel]; ok {
		_ = old.conn.Close()
	}
	r.sessions[channel] = &WSSession{conn: conn}
}

// Remove drops the session only if the channel still maps to this conn;
// a reconnect that already replaced it is left alone.
func (r *WSRegistry) Remove(channel string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[channel]; ok && s.conn == conn {
		delete(r.sessions, channel)
	}
}

func (r *WSRegistry) Publish(_ context.Context, channel string, ev models.Event) error {
	r.mu.RLock()
	s, ok := r.sessions[channel]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSubscriber
	}
	return s.Send(ev)
}

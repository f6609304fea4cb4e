package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/accessible-dispatch/internal/models"
)

// ErrNoSession is returned when the driver has no open WebSocket.
var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.DispatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds driver sessions
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for the driver, closing any previous session.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session only if it still belongs to conn.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Send(driverID string, ev models.DispatchEvent) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(ev); err != nil {
		r.Remove(driverID, s.conn)
		return err
	}
	return nil
}

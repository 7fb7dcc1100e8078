package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/driver-presence/internal/models"
)

var upgrader = websocket.Upgrader{}

// driverFrame is a message from a driver app over its session socket.
type driverFrame struct {
	Type      string  `json:"type"` // heartbeat | location
	Context   string  `json:"context,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Notice is a server-to-driver push message.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Session is one connected driver socket.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// SessionRegistry tracks connected driver sessions so the server can
// push notices (e.g. a dispatcher-forced offline) back to them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session), logger: logger}
}

func (r *SessionRegistry) add(driverID string, conn *websocket.Conn) *Session {
	sess := &Session{conn: conn}
	r.mu.Lock()
	r.sessions[driverID] = sess
	r.mu.Unlock()
	return sess
}

func (r *SessionRegistry) remove(driverID string, sess *Session) {
	r.mu.Lock()
	if r.sessions[driverID] == sess {
		delete(r.sessions, driverID)
	}
	r.mu.Unlock()
}

// Notify pushes a notice to the driver's session if one is connected.
// Best effort: no session, no delivery.
func (r *SessionRegistry) Notify(driverID string, n Notice) {
	r.mu.RLock()
	sess, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := sess.send(n); err != nil {
		r.logger.Warn("ws notify failed", "driver_id", driverID, "error", err)
	}
}

// handleWS upgrades a driver connection and applies its heartbeat and
// location frames to the coordinator until the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error response.
		s.logger.Warn("ws upgrade failed", "driver_id", driverID, "error", err)
		return
	}
	sess := s.sessions.add(driverID, conn)
	defer func() {
		s.sessions.remove(driverID, sess)
		_ = conn.Close()
	}()

	for {
		var frame driverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		// The request context dies with the hijacked connection; session
		// frames get their own store deadline.
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		switch frame.Type {
		case "heartbeat":
			err = s.coord.Heartbeat(ctx, driverID, leaseContextFromString(frame.Context))
		case "location":
			err = s.coord.UpdateLocation(ctx, driverID, models.Coordinates{Latitude: frame.Latitude, Longitude: frame.Longitude})
		default:
			err = nil
		}
		cancel()
		if err != nil {
			_ = sess.send(Notice{Type: "error", Message: err.Error()})
		}
	}
}

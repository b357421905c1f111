package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeffreysanford/soundforge/internal/auth"
)

// controlMessage is a client->server message (spec.md §6):
// job:subscribe{jobId}, job:unsubscribe{jobId}, jobs:subscribe:user,
// jobs:unsubscribe:user.
type controlMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server glues a Hub to an authenticated websocket handshake.
type Server struct {
	hub             *Hub
	issuer          *auth.Issuer
	jobOwner        func(jobID string) (ownerID string, ok bool)
	heartbeatPeriod time.Duration
	idleTimeout     time.Duration
	logger          *slog.Logger
}

// NewServer builds a Server. jobOwner resolves a jobId to its owning
// userId for subscribe authorization (spec.md §4.5: "authorization
// requires the client to own the job or be admin").
func NewServer(hub *Hub, issuer *auth.Issuer, jobOwner func(string) (string, bool), heartbeat, idle time.Duration, logger *slog.Logger) *Server {
	return &Server{hub: hub, issuer: issuer, jobOwner: jobOwner, heartbeatPeriod: heartbeat, idleTimeout: idle, logger: logger}
}

// HandleUpgrade performs the handshake: spec.md §6 requires a `token` auth
// parameter. On success, registers the socket and starts its read/write
// pumps.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := s.issuer.Verify(tokenString)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	socket := &Socket{conn: conn, userID: claims.Subject, send: make(chan Event, 32)}
	isAdmin := claims.Role == auth.RoleAdmin
	s.hub.Register(socket)

	go s.writePump(socket)
	s.readPump(socket, isAdmin)
}

func (s *Server) readPump(socket *Socket, isAdmin bool) {
	defer s.hub.Unregister(socket)
	defer socket.conn.Close()

	socket.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	socket.conn.SetPongHandler(func(string) error {
		socket.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		return nil
	})

	for {
		var msg controlMessage
		if err := socket.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "job:subscribe":
			if s.authorizedFor(msg.JobID, socket.userID, isAdmin) {
				s.hub.Subscribe(socket, msg.JobID)
			}
		case "job:unsubscribe":
			s.hub.Unsubscribe(socket, msg.JobID)
		case "jobs:subscribe:user":
			s.hub.Subscribe(socket, "")
		case "jobs:unsubscribe:user":
			s.hub.Unsubscribe(socket, "")
		}
	}
}

func (s *Server) authorizedFor(jobID, userID string, isAdmin bool) bool {
	if isAdmin {
		return true
	}
	owner, ok := s.jobOwner(jobID)
	if !ok {
		return false
	}
	return owner == "" || owner == userID
}

func (s *Server) writePump(socket *Socket) {
	ticker := time.NewTicker(s.heartbeatPeriod)
	defer ticker.Stop()
	defer socket.conn.Close()

	for {
		select {
		case ev, ok := <-socket.send:
			if !ok {
				socket.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			socket.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := socket.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			socket.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := socket.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package notify implements the Notification Gateway (spec.md §4.5): an
// authenticated real-time channel that fans per-job status/progress/
// completion events to subscribed clients. The dual subscription index
// ({jobId -> sockets}, {socket -> jobIds}) is specified directly in
// spec.md §9; no full websocket-hub source exists anywhere in the corpus,
// so the register/unregister/broadcast-channel shape follows
// gorilla/websocket's own documented hub idiom (a real dependency of
// jordigilh-kubernaut's go.mod).
package notify

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jeffreysanford/soundforge/internal/metrics"
)

// Event is pushed to subscribed sockets (spec.md §4.5/§6).
type Event struct {
	Type  string          `json:"type"` // job:status | job:progress | job:completed | job:failed
	JobID string          `json:"jobId"`
	Job   json.RawMessage `json:"job,omitempty"`
}

// Socket is one authenticated connection.
type Socket struct {
	conn   *websocket.Conn
	userID string
	send   chan Event
	mu     sync.Mutex // not locked anywhere: conn is written only by Server.writePump
}

// Hub owns the socket registry and the dual subscription index. Mutated
// only from the Run goroutine per spec.md §5 ("Socket registry in the
// Gateway: mutated only within the Gateway process"). register, unregister
// and subscribe are unbuffered, so calls made in sequence by one goroutine
// are applied by Run in that order.
type Hub struct {
	register   chan *Socket
	unregister chan *Socket
	subscribe  chan subOp
	broadcast  chan jobEvent

	mu            sync.RWMutex
	byJob         map[string]map[*Socket]bool
	byUserJobs    map[string]map[*Socket]bool // wildcard "jobs:subscribe:user" subscribers, keyed by userId
	socketJobs    map[*Socket]map[string]bool
}

type subOp struct {
	socket    *Socket
	jobID     string // empty means "user-wide" subscription
	subscribe bool
}

type jobEvent struct {
	jobID     string
	ownerUser string
	event     Event
}

// NewHub constructs an idle Hub; call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Socket),
		unregister: make(chan *Socket),
		subscribe:  make(chan subOp),
		broadcast:  make(chan jobEvent, 256),
		byJob:      make(map[string]map[*Socket]bool),
		byUserJobs: make(map[string]map[*Socket]bool),
		socketJobs: make(map[*Socket]map[string]bool),
	}
}

// Run is the Hub's single goroutine; all registry mutation happens here.
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.register:
			h.socketJobs[s] = make(map[string]bool)
			metrics.ConnectedSockets.Inc()

		case s := <-h.unregister:
			for jobID := range h.socketJobs[s] {
				delete(h.byJob[jobID], s)
				if len(h.byJob[jobID]) == 0 {
					delete(h.byJob, jobID)
				}
			}
			delete(h.byUserJobs[s.userID], s)
			delete(h.socketJobs, s)
			close(s.send)
			metrics.ConnectedSockets.Dec()

		case op := <-h.subscribe:
			if op.jobID == "" {
				h.applyUserSub(op)
				continue
			}
			if op.subscribe {
				if h.byJob[op.jobID] == nil {
					h.byJob[op.jobID] = make(map[*Socket]bool)
				}
				h.byJob[op.jobID][op.socket] = true
				h.socketJobs[op.socket][op.jobID] = true
			} else {
				delete(h.byJob[op.jobID], op.socket)
				delete(h.socketJobs[op.socket], op.jobID)
			}

		case ev := <-h.broadcast:
			for s := range h.byJob[ev.jobID] {
				h.deliver(s, ev.event)
			}
			if ev.ownerUser != "" {
				for s := range h.byUserJobs[ev.ownerUser] {
					h.deliver(s, ev.event)
				}
			}
			metrics.EventsPushed.WithLabelValues(ev.event.Type).Inc()
		}
	}
}

func (h *Hub) applyUserSub(op subOp) {
	if op.subscribe {
		if h.byUserJobs[op.socket.userID] == nil {
			h.byUserJobs[op.socket.userID] = make(map[*Socket]bool)
		}
		h.byUserJobs[op.socket.userID][op.socket] = true
	} else {
		delete(h.byUserJobs[op.socket.userID], op.socket)
	}
}

// deliver is at-most-once per spec.md §4.5: a full send channel drops the
// event rather than blocking the Hub goroutine.
func (h *Hub) deliver(s *Socket, ev Event) {
	select {
	case s.send <- ev:
	default:
	}
}

// Register admits a new socket to the registry.
func (h *Hub) Register(s *Socket) { h.register <- s }

// Unregister removes a socket and all of its subscriptions.
func (h *Hub) Unregister(s *Socket) { h.unregister <- s }

// Subscribe adds jobID to socket's subscription set (or, if jobID=="", to
// the user-wide subscription).
func (h *Hub) Subscribe(s *Socket, jobID string) {
	h.subscribe <- subOp{socket: s, jobID: jobID, subscribe: true}
}

// Unsubscribe removes jobID from socket's subscription set.
func (h *Hub) Unsubscribe(s *Socket, jobID string) {
	h.subscribe <- subOp{socket: s, jobID: jobID, subscribe: false}
}

// Publish fans an event out to every socket subscribed to jobID or to
// ownerUser's user-wide subscription.
func (h *Hub) Publish(jobID, ownerUser string, ev Event) {
	h.broadcast <- jobEvent{jobID: jobID, ownerUser: ownerUser, event: ev}
}

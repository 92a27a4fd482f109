// Package hub tracks live member connections and fans group events out to
// them.
package hub

import (
	"log/slog"
	"sync"
)

// Conn is one live client connection. Send must be safe for concurrent use.
type Conn interface {
	Send(event *Event) error
	Close() error
}

// Event is the wire payload pushed to clients.
type Event struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id,omitempty"`
	Message any    `json:"message,omitempty"`
	Notice  any    `json:"notice,omitempty"`
}

// Event types.
const (
	EventMessage = "message"
	EventNotice  = "notice"
)

// MemberResolver returns the user ids that should receive a group's events.
type MemberResolver interface {
	ListActiveMemberIDs(groupID string) ([]string, error)
}

// Hub is the connection registry. One connection per user; a new connection
// replaces the previous one.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]Conn
	resolver MemberResolver
	log      *slog.Logger
}

// New creates a Hub.
func New(resolver MemberResolver, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		conns:    make(map[string]Conn),
		resolver: resolver,
		log:      log,
	}
}

// Register attaches a user's connection, replacing any previous one.
func (h *Hub) Register(userID string, c Conn) {
	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = c
	h.mu.Unlock()

	if old != nil && old != c {
		_ = old.Close()
	}
	h.log.Debug("connection registered", "user_id", userID)
}

// Unregister detaches a user's connection if it is still the registered one.
func (h *Hub) Unregister(userID string, c Conn) {
	h.mu.Lock()
	if h.conns[userID] == c {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
	h.log.Debug("connection unregistered", "user_id", userID)
}

// Connected reports whether a user currently has a live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[userID]
	return ok
}

// Send delivers an event to one user. Offline users and failed writes are
// dropped silently; chat history is the durable record.
func (h *Hub) Send(userID string, event *Event) {
	h.mu.RLock()
	c, ok := h.conns[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.Send(event); err != nil {
		h.log.Warn("send to client failed", "user_id", userID, "error", err)
	}
}

// Broadcast delivers an event to every active member of a group. One dead
// connection never blocks delivery to the rest.
func (h *Hub) Broadcast(groupID string, event *Event) {
	ids, err := h.resolver.ListActiveMemberIDs(groupID)
	if err != nil {
		h.log.Error("resolve group members failed", "group_id", groupID, "error", err)
		return
	}
	for _, id := range ids {
		h.Send(id, event)
	}
}

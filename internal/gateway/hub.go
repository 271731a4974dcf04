package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jensholdgaard/auction-engine/internal/protocol"
)

// Hub is the per-user connection registry. A user may hold several
// concurrent connections; events addressed to the user reach all of
// them.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]map[*Session]struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[string]map[*Session]struct{}),
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[s.identity.ID] == nil {
		h.conns[s.identity.ID] = make(map[*Session]struct{})
	}
	h.conns[s.identity.ID][s] = struct{}{}
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[s.identity.ID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.conns, s.identity.ID)
		}
	}
}

// NotifyUser delivers an event to every active connection of a user. It
// implements engine.UserNotifier and never blocks.
func (h *Hub) NotifyUser(userID string, evt protocol.Event) {
	frame, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshalling user event", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.conns[userID] {
		s.enqueue(frame)
	}
}

// Connections returns the number of active connections for a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Size returns the total number of active sessions.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

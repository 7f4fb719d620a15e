package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Message is one event pushed to a team's dashboards.
type Message struct {
	Type   string    `json:"type"`
	TeamID string    `json:"team_id"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
}

// Hub fans events out to the clients subscribed to each team.
type Hub struct {
	mu     sync.RWMutex
	teams  map[string]map[*Client]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		teams:  make(map[string]map[*Client]struct{}),
		logger: logger.With("component", "websocket"),
	}
}

// Register adds a client under its team.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.teams[c.teamID]
	if !ok {
		set = make(map[*Client]struct{})
		h.teams[c.teamID] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a client and closes its send channel. It is safe to
// call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.teams[c.teamID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.teams, c.teamID)
	}
}

// Broadcast sends msg to every client of msg.TeamID. Clients whose buffer
// is full miss the message.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.teams[msg.TeamID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("client buffer full, dropping message", "team_id", msg.TeamID, "type", msg.Type)
		}
	}
}

// Notify broadcasts a committed state change to the team's dashboards.
func (h *Hub) Notify(teamID, kind string, payload any) {
	h.Broadcast(Message{Type: kind, TeamID: teamID, At: time.Now().UTC(), Data: payload})
}

// ClientCount returns the number of connected clients across all teams.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.teams {
		n += len(set)
	}
	return n
}

// TeamClientCount returns the number of clients watching teamID.
func (h *Hub) TeamClientCount(teamID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.teams[teamID])
}

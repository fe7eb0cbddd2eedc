// Package websocket streams committed workflow events to connected nursing
// boards. Clients subscribe to topics and receive every event published to
// one of them.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/quickcare/internal/platform/events"
)

// TopicBoard receives every event.
const TopicBoard = "board"

const (
	procedurePrefix    = "procedure:"
	professionalPrefix = "professional:"
)

func ProcedureTopic(id uuid.UUID) string {
	return procedurePrefix + id.String()
}

func ProfessionalTopic(id uuid.UUID) string {
	return professionalPrefix + id.String()
}

// ValidTopic accepts the board topic and procedure or professional topics
// carrying a UUID.
func ValidTopic(topic string) bool {
	if topic == TopicBoard {
		return true
	}
	for _, prefix := range []string{procedurePrefix, professionalPrefix} {
		if rest, ok := strings.CutPrefix(topic, prefix); ok {
			_, err := uuid.Parse(rest)
			return err == nil
		}
	}
	return false
}

// TopicsFor lists the topics an event is delivered to.
func TopicsFor(evt events.Event) []string {
	topics := []string{TopicBoard}
	if evt.ProcedureID != nil {
		topics = append(topics, ProcedureTopic(*evt.ProcedureID))
	}
	if evt.ProfessionalID != nil {
		topics = append(topics, ProfessionalTopic(*evt.ProfessionalID))
	}
	return topics
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connected board.
type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]struct{}
}

func NewClient(buffer int) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Send:   make(chan []byte, buffer),
		topics: make(map[string]struct{}),
	}
}

// Hub tracks clients by topic. It implements events.Publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds client and subscribes it to topics. Invalid topics are
// ignored.
func (h *Hub) Register(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	h.subscribeLocked(client, topics)
}

// Unregister removes client and closes its Send channel. A second call is a
// no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	h.unsubscribeLocked(client, topicList(client))
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	h.subscribeLocked(client, topics)
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(client, topics)
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if !ValidTopic(topic) {
			continue
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
		client.topics[topic] = struct{}{}
	}
}

func (h *Hub) unsubscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
		delete(client.topics, topic)
	}
}

func topicList(client *Client) []string {
	out := make([]string, 0, len(client.topics))
	for t := range client.topics {
		out = append(out, t)
	}
	return out
}

// ProcessMessage applies a subscribe or unsubscribe request.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish delivers evt once to every client subscribed to any of its topics.
// Clients with a full buffer miss the event.
func (h *Hub) Publish(_ context.Context, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range TopicsFor(evt) {
		for client := range h.clients[topic] {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().
					Str("client_id", client.ID).
					Str("event_type", evt.Type).
					Msg("client buffer full, event dropped")
			}
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Package websocket pushes grant and record events to connected accounts.
// Every connection is subscribed to its own account topic; clients cannot
// subscribe to anything else.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types published by the sharing and records services.
const (
	EventGrantCreated  = "grant.created"
	EventGrantRevoked  = "grant.revoked"
	EventRecordDeleted = "record.deleted"
)

// Event is a notification delivered to one account.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	RecordID  string          `json:"record_id,omitempty"`
	GrantID   string          `json:"grant_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Publisher is what services depend on to emit events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher in order and returns the first error.
// Later publishers still receive the event.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AccountTopic is the topic every connection of an account listens on.
func AccountTopic(accountID uuid.UUID) string {
	return "account:" + accountID.String()
}

// Client is a single connection of one account.
type Client struct {
	ID        string
	AccountID uuid.UUID
	Send      chan []byte
}

func NewClient(accountID uuid.UUID) *Client {
	return &Client{ID: uuid.NewString(), AccountID: accountID, Send: make(chan []byte, 64)}
}

func (c *Client) topic() string { return AccountTopic(c.AccountID) }

// Hub tracks connected clients by topic. Safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> clients
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topic := client.topic()
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

// Unregister removes client and closes its Send channel. Calling it twice is
// harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topic := client.topic()
	subscribers, ok := h.clients[topic]
	if !ok {
		return
	}
	if _, ok := subscribers[client]; !ok {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(h.clients, topic)
	}
	close(client.Send)
}

// Publish delivers event to every client on event.Topic. Slow clients whose
// buffer is full miss the event rather than block the publisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for client := range h.clients[event.Topic] {
		select {
		case client.Send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn().Str("topic", event.Topic).Str("type", event.Type).Int("dropped", dropped).Msg("websocket buffer full")
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

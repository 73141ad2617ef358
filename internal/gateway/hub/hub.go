// Package hub implements C5: the WebSocket subscription hub that fans
// gateway-internal events out to UI subscribers, scoped to `run/<id>` or
// `all` topics. Grounded directly on the teacher's
// orchestrator/streaming.Hub/Client (register/unregister channels,
// ReadPump/WritePump, lossy-drop backpressure), generalized from a single
// task-ID keyspace to the run/all topic scheme.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ctrlplane/gateway/internal/platform/logger"
)

const topicAll = "all"

// Message is what C5 delivers to a subscribed client — a JSON envelope with
// a type discriminator, matching §6's "Messages are JSON with a type
// discriminator" wire contract.
type Message struct {
	Type  string      `json:"type"`
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

// Client is one connected WebSocket subscriber.
type Client struct {
	ID     string
	conn   *websocket.Conn
	topics map[string]bool
	send   chan []byte
	hub    *Hub
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewClient wraps an accepted WebSocket connection as a hub Client.
func NewClient(id string, conn *websocket.Conn, h *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		topics: make(map[string]bool),
		send:   make(chan []byte, 256),
		hub:    h,
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Hub owns every connected client and its topic subscriptions.
type Hub struct {
	clients      map[*Client]bool
	topicClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastMessage struct {
	topic string
	msg   *Message
}

// New builds an empty Hub.
func New(log *logger.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		topicClients: make(map[string]map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan *broadcastMessage, 256),
		logger:       log.WithFields(zap.String("component", "hub")),
	}
}

// RunTopic is the per-run topic name for run id.
func RunTopic(runID string) string { return "run/" + runID }

// AllTopic is the global topic every client may additionally subscribe to.
func AllTopic() string { return topicAll }

// Run processes register/unregister/broadcast until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub started")
	defer h.logger.Info("hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.topicClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for topic := range client.topics {
					h.removeFromTopicLocked(topic, client)
				}
			}
			h.mu.Unlock()

		case bm := <-h.broadcast:
			h.deliver(bm)
		}
	}
}

func (h *Hub) deliver(bm *broadcastMessage) {
	h.mu.RLock()
	clients := h.topicClients[bm.topic]
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(bm.msg)
	if err != nil {
		h.logger.Error("failed to marshal hub message", zap.Error(err))
		return
	}

	for client := range clients {
		select {
		case client.send <- data:
		default:
			// Backpressure: slow/stuck client is dropped per §5's "lossy
			// subsequence" guarantee rather than blocking the hub loop.
			h.mu.Lock()
			close(client.send)
			delete(h.clients, client)
			for topic := range client.topics {
				h.removeFromTopicLocked(topic, client)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeFromTopicLocked(topic string, client *Client) {
	if clients, ok := h.topicClients[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topicClients, topic)
		}
	}
}

func (h *Hub) Register(client *Client)   { h.register <- client }
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast publishes msg to every client subscribed to topic.
func (h *Hub) Broadcast(topic string, msgType string, data interface{}) {
	h.broadcast <- &broadcastMessage{topic: topic, msg: &Message{Type: msgType, Topic: topic, Data: data}}
}

func (h *Hub) subscribeClient(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topicClients[topic]; !ok {
		h.topicClients[topic] = make(map[*Client]bool)
	}
	h.topicClients[topic][client] = true
}

func (h *Hub) unsubscribeClient(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromTopicLocked(topic, client)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicSubscriberCount returns the number of clients subscribed to topic.
func (h *Hub) TopicSubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topicClients[topic])
}

// Package gateway relays Job/Agent state-change events from the internal
// event bus out to websocket clients subscribed to a specific job, alongside
// the polling GET /jobs/{id} surface.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kandev/orchestratord/internal/common/logger"
	"github.com/kandev/orchestratord/internal/events/bus"
	"go.uber.org/zap"
)

// Client is a single connected websocket subscriber.
type Client struct {
	ID      string
	jobIDs  map[string]bool
	send    chan []byte
	hub     *Hub
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewClient constructs a Client with its own outbound buffer.
func NewClient(id string, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		jobIDs: make(map[string]bool),
		send:   make(chan []byte, 256),
		hub:    hub,
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Send enqueues a message for delivery, dropping it if the client's buffer
// is full rather than blocking the event bus's dispatch goroutine.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Subscribe binds the client to a job id's event stream.
func (c *Client) Subscribe(jobID string) {
	c.mu.Lock()
	c.jobIDs[jobID] = true
	c.mu.Unlock()
	c.hub.subscribeClient(c, jobID)
}

// Hub fans out job-lifecycle events from the event bus to every client
// subscribed to the job in question.
type Hub struct {
	clients    map[*Client]bool
	jobClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *jobMessage

	eventBus bus.EventBus
	sub      bus.Subscription
	mu       sync.RWMutex
	logger   *logger.Logger
}

type jobMessage struct {
	jobID string
	data  []byte
}

// NewHub constructs a Hub. Nothing runs until Run is called.
func NewHub(eb bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		jobClients: make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *jobMessage, 256),
		eventBus:   eb,
		logger:     log.WithFields(zap.String("component", "gateway")),
	}
}

// Run subscribes to job.* on the event bus and drives the hub's register/
// unregister/broadcast loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.eventBus.Subscribe("job.*", func(ctx context.Context, evt *bus.Event) error {
		jobID, _ := evt.Data["jobId"].(string)
		if jobID == "" {
			return nil
		}
		data, err := json.Marshal(evt)
		if err != nil {
			h.logger.Warn("failed to marshal event for stream", zap.Error(err))
			return nil
		}
		select {
		case h.broadcast <- &jobMessage{jobID: jobID, data: data}:
		default:
			h.logger.Warn("broadcast channel full, dropping event", zap.String("job_id", jobID))
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub

	h.logger.Info("status-stream gateway started")
	defer h.logger.Info("status-stream gateway stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.jobClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			_ = h.sub.Unsubscribe()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for jobID := range client.jobIDs {
					if clients, ok := h.jobClients[jobID]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.jobClients, jobID)
						}
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := h.jobClients[msg.jobID]
			h.mu.RUnlock()
			for client := range targets {
				if !client.Send(msg.data) {
					h.Unregister(client)
				}
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

func (h *Hub) subscribeClient(client *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.jobClients[jobID]; !ok {
		h.jobClients[jobID] = make(map[*Client]bool)
	}
	h.jobClients[jobID][client] = true
}

// ClientCount reports how many websocket clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/leafsii/pm15-backend/internal/metrics"
	"github.com/leafsii/pm15-backend/internal/store"
)

// TopicAll subscribes a client to every channel the hub relays.
const TopicAll = "*"

// ParticipantTopic carries the events that name one participant.
func ParticipantTopic(participant string) string {
	return "pm15:participant:" + participant
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

type Hub struct {
	clients        map[*Client]bool
	register       chan *Client
	unregister     chan *Client
	done           chan struct{}
	pubsub         store.PubSub
	channels       []string
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
	logger         *zap.SugaredLogger
	metrics        *metrics.Metrics
	mu             sync.RWMutex
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	topics     map[string]bool
	lastActive time.Time
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type SubscriptionRequest struct {
	Type        string   `json:"type"`
	Topics      []string `json:"topics"`
	Participant string   `json:"participant,omitempty"`
}

// NewHub relays the given pub/sub channels to websocket clients. An empty
// allowedOrigins only accepts same-origin requests.
func NewHub(pubsub store.PubSub, channels []string, allowedOrigins []string, logger *zap.SugaredLogger, metrics *metrics.Metrics) *Hub {
	h := &Hub{
		clients:        make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		done:           make(chan struct{}),
		pubsub:         pubsub,
		channels:       channels,
		allowedOrigins: make(map[string]bool, len(allowedOrigins)),
		logger:         logger,
		metrics:        metrics,
	}
	for _, o := range allowedOrigins {
		h.allowedOrigins[o] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigins["*"] {
		return true
	}
	return h.allowedOrigins[origin]
}

// Run relays messages until ctx ends. It returns an error only when the
// pub/sub subscription cannot be established.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.pubsub.Subscribe(ctx, h.channels...)
	if err != nil {
		return err
	}
	defer sub.Close()
	defer close(h.done)
	h.logger.Infow("WebSocket hub subscribed", "channels", h.channels)

	go h.startClientCleanup(ctx)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			h.closeAll()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.IncrementConnections(ctx)
			h.logger.Debugw("Client registered", "topics", client.topicList())

		case client := <-h.unregister:
			if h.remove(client) {
				h.logger.Debugw("Client unregistered")
			}

		case msg, ok := <-messages:
			if !ok {
				h.logger.Warnw("Pub/sub subscription closed")
				h.closeAll()
				return nil
			}
			h.handleMessage(msg)
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleMessage(msg *store.Message) {
	h.logger.Debugw("Received pub/sub message", "channel", msg.Channel)

	frame, err := json.Marshal(Message{
		Type:      "update",
		Topic:     msg.Channel,
		Data:      json.RawMessage(msg.Payload),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message", "error", err)
		return
	}

	topics := []string{msg.Channel}
	var routed struct {
		Participant string `json:"participant"`
	}
	if json.Unmarshal([]byte(msg.Payload), &routed) == nil && routed.Participant != "" {
		topics = append(topics, ParticipantTopic(routed.Participant))
	}
	h.broadcastToClients(frame, topics...)
}

func (h *Hub) broadcastToClients(message []byte, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.isSubscribed(topics...) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// slow consumer
			h.dropLocked(client)
		}
	}
}

func (h *Hub) remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return false
	}
	h.dropLocked(client)
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.dropLocked(client)
	}
}

// dropLocked removes a registered client (must hold mu)
func (h *Hub) dropLocked(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.metrics.DecrementConnections(context.Background())
}

func (h *Hub) startClientCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients(time.Now().Add(-2 * pongWait))
		}
	}
}

func (h *Hub) cleanupInactiveClients(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.idleSince().Before(cutoff) {
			h.dropLocked(client)
			h.logger.Debugw("Cleaned up inactive client")
		}
	}
}

// HandleWebSocket upgrades the request. Initial topics may be passed as a
// comma separated topics query parameter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		topics:     make(map[string]bool),
		lastActive: time.Now(),
	}
	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			client.topics[t] = true
		}
	}
	if p := r.URL.Query().Get("participant"); p != "" {
		client.topics[ParticipantTopic(p)] = true
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warnw("WebSocket error", "error", err)
			}
			break
		}

		c.touch()
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var sub SubscriptionRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch sub.Type {
	case "subscribe":
		for _, topic := range sub.Topics {
			c.topics[topic] = true
		}
		if sub.Participant != "" {
			c.topics[ParticipantTopic(sub.Participant)] = true
		}
	case "unsubscribe":
		for _, topic := range sub.Topics {
			delete(c.topics, topic)
		}
		if sub.Participant != "" {
			delete(c.topics, ParticipantTopic(sub.Participant))
		}
	}
}

func (c *Client) isSubscribed(topics ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topics[TopicAll] {
		return true
	}
	for _, t := range topics {
		if c.topics[t] {
			return true
		}
	}
	return false
}

func (c *Client) topicList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

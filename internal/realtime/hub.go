package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jmrl23/capstone-backend/internal/directory"
	"github.com/jmrl23/capstone-backend/internal/metrics"
	"github.com/jmrl23/capstone-backend/internal/mqtt"
	"github.com/jmrl23/capstone-backend/internal/store"
	"github.com/jmrl23/capstone-backend/internal/topic"
)

// Authenticator resolves the user behind an incoming connection request.
// It is the single capability the hub consumes for connection auth.
type Authenticator func(r *http.Request) (uuid.UUID, error)

// Command is an inbound client frame. Unknown actions are ignored.
type Command struct {
	Action  string `json:"action"`
	Topic   string `json:"topic"`
	Message string `json:"message,omitempty"`
}

const (
	ActionSubscribe   = "mqtt:subscribe"
	ActionUnsubscribe = "mqtt:unsubscribe"
	ActionPublish     = "mqtt:publish"
)

// TopicInfo is the topic part of an outbound event, raw plus parsed tag.
type TopicInfo struct {
	Raw    string `json:"raw"`
	Parsed string `json:"parsed"`
}

// Event is the frame emitted to clients when a broadcast reaches a device
// they own.
type Event struct {
	Event     string            `json:"event"`
	Timestamp int64             `json:"timestamp"`
	Topic     TopicInfo         `json:"topic"`
	Message   string            `json:"message"`
	Device    *store.DeviceView `json:"device"`
}

// Hub tracks live websocket connections and the user bound to each. The
// binding is created once at upgrade time; every broadcast re-resolves the
// user's entitlements instead of trusting connection-time state.
type Hub struct {
	upgrader websocket.Upgrader

	auth    Authenticator
	devices *directory.Devices
	users   *directory.Users
	broker  mqtt.Broker

	// brokerHandler routes messages for client-requested subscriptions
	// back through the bridge engine.
	brokerHandler mqtt.Handler

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
}

func NewHub(auth Authenticator, devices *directory.Devices, users *directory.Users, broker mqtt.Broker) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Served behind a gateway which enforces origin policy.
				return true
			},
		},
		auth:    auth,
		devices: devices,
		users:   users,
		broker:  broker,
		clients: map[*client]struct{}{},
	}
}

// SetBrokerHandler wires the bridge engine's callback for topics clients
// subscribe to. Must be called before the hub serves connections.
func (h *Hub) SetBrokerHandler(cb mqtt.Handler) { h.brokerHandler = cb }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	// The token subject must exist in the user store before any broker
	// action is permitted on this connection.
	if _, err := h.users.GetByID(r.Context(), userID); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16), userID: userID}
	h.addClient(c)
	slog.Debug("ws connected", "user_id", userID)

	go h.writePump(c)
	h.readPump(c)
}

// BroadcastDevice fans a sync-broadcast arrival out to the connections
// whose bound user currently owns the device key. Ownership is re-resolved
// per connection on every broadcast so a transfer takes effect without any
// per-connection invalidation.
func (h *Hub) BroadcastDevice(ctx context.Context, rawTopic string, channel topic.Channel, deviceKey string, payload []byte) {
	now := time.Now().UnixMilli()

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		user, err := h.users.GetByID(ctx, c.userID)
		if err != nil || user == nil {
			continue
		}
		views, err := h.devices.ListByUser(ctx, c.userID)
		if err != nil {
			slog.Error("fanout device list failed", "user_id", c.userID, "error", err)
			continue
		}
		var device *store.DeviceView
		for _, view := range views {
			if view.DeviceKey == deviceKey {
				device = view
				break
			}
		}
		if device == nil {
			continue
		}

		ev := Event{
			Event:     "mqtt:message",
			Timestamp: now,
			Topic:     TopicInfo{Raw: rawTopic, Parsed: string(channel)},
			Message:   string(payload),
			Device:    device,
		}
		b, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		h.emit(c, b)
	}
}

func (h *Hub) emit(c *client, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
		metrics.FanoutEmissions.Inc()
	default:
		// Slow client; drop it.
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
		metrics.Connections.Dec()
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	metrics.Connections.Inc()
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
		metrics.Connections.Dec()
	}
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}
		h.handleCommand(context.Background(), c, cmd)
	}
}

// handleCommand gates every client-requested broker action on current
// ownership of the addressed device. A failed check is a silent drop so
// non-owners cannot probe for device existence.
func (h *Hub) handleCommand(ctx context.Context, c *client, cmd Command) {
	switch cmd.Action {
	case ActionSubscribe, ActionUnsubscribe, ActionPublish:
	default:
		return
	}

	_, key := topic.Parse(cmd.Topic)
	ok, err := h.devices.Authorize(ctx, c.userID, key)
	if err != nil {
		slog.Error("authorize failed", "user_id", c.userID, "error", err)
		return
	}
	if !ok {
		return
	}

	switch cmd.Action {
	case ActionSubscribe:
		if err := h.broker.Subscribe(cmd.Topic, h.brokerHandler); err != nil {
			slog.Error("client subscribe failed", "topic", cmd.Topic, "error", err)
		}
	case ActionUnsubscribe:
		if err := h.broker.Unsubscribe(cmd.Topic); err != nil {
			slog.Error("client unsubscribe failed", "topic", cmd.Topic, "error", err)
		}
	case ActionPublish:
		if err := h.broker.Publish(cmd.Topic, []byte(cmd.Message)); err != nil {
			slog.Error("client publish failed", "topic", cmd.Topic, "error", err)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

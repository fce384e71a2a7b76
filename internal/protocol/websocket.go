package protocol

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelink-protocol/carelink/internal/notify"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// WebSocket frame types exchanged with observers.
const (
	WSTypeRoutingEvent = "routing_event"
	WSTypePing         = "ping"
	WSTypePong         = "pong"
	WSTypeSubscribe    = "subscribe"
	WSTypeUnsubscribe  = "unsubscribe"
	WSTypeError        = "error"
)

// WSMessage is one frame on the observer socket.
type WSMessage struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubscribePayload carries topic subscription changes from an observer.
type SubscribePayload struct {
	Topics []string `json:"topics"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development; restrict in production
		return true
	},
}

// WSClient represents one connected observer.
type WSClient struct {
	hub      *WSHub
	conn     *websocket.Conn
	send     chan []byte
	topics   map[string]bool
	topicsMu sync.RWMutex
}

// WSHub fans routing events out to connected observers. It subscribes to the
// notify feed and broadcasts every event to clients watching its topic.
type WSHub struct {
	clients    map[*WSClient]bool
	register   chan *WSClient
	unregister chan *WSClient
	events     *notify.Manager
	feeds      map[string]chan notify.Event
	mu         sync.RWMutex
	stop       chan struct{}
}

// NewWSHub creates a hub wired to the event feed.
func NewWSHub(events *notify.Manager) *WSHub {
	if events == nil {
		events = notify.NewManager()
	}
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		events:     events,
		feeds:      make(map[string]chan notify.Event),
		stop:       make(chan struct{}),
	}
}

// Run starts the hub and its topic forwarders.
func (h *WSHub) Run() {
	for _, topic := range []string{notify.TopicMessages, notify.TopicEmergency, notify.TopicAgents} {
		ch := h.events.Subscribe(topic)
		h.mu.Lock()
		h.feeds[topic] = ch
		h.mu.Unlock()
		go h.forward(topic, ch)
	}

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("WebSocket observer connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Printf("WebSocket observer disconnected")
			}
			h.mu.Unlock()

		case <-h.stop:
			return
		}
	}
}

// Stop shuts down the hub loop and releases the feed subscriptions so the
// topic forwarders terminate.
func (h *WSHub) Stop() {
	close(h.stop)

	h.mu.Lock()
	feeds := h.feeds
	h.feeds = make(map[string]chan notify.Event)
	h.mu.Unlock()

	for topic, ch := range feeds {
		h.events.Unsubscribe(topic, ch)
	}
}

// forward pushes feed events for one topic to subscribed observers.
func (h *WSHub) forward(topic string, ch chan notify.Event) {
	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		frame, err := json.Marshal(WSMessage{
			Type:      WSTypeRoutingEvent,
			Topic:     topic,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			continue
		}

		h.mu.RLock()
		for client := range h.clients {
			client.topicsMu.RLock()
			subscribed := client.topics[topic]
			client.topicsMu.RUnlock()
			if !subscribed {
				continue
			}
			select {
			case client.send <- frame:
			default:
				// Client buffer full, drop the frame.
			}
		}
		h.mu.RUnlock()
	}
}

// ClientCount returns the number of connected observers.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (h *WSHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &WSClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		topics: make(map[string]bool),
	}

	// Observers watch every topic until they narrow the subscription.
	client.topics[notify.TopicMessages] = true
	client.topics[notify.TopicEmergency] = true
	client.topics[notify.TopicAgents] = true

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads control frames from the observer.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid message format")
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.sendControl(WSTypePong)

	case WSTypeSubscribe:
		var payload SubscribePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.sendError("invalid subscribe payload")
			return
		}
		c.topicsMu.Lock()
		for _, topic := range payload.Topics {
			c.topics[topic] = true
		}
		c.topicsMu.Unlock()

	case WSTypeUnsubscribe:
		var payload SubscribePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.sendError("invalid unsubscribe payload")
			return
		}
		c.topicsMu.Lock()
		for _, topic := range payload.Topics {
			delete(c.topics, topic)
		}
		c.topicsMu.Unlock()
	}
}

func (c *WSClient) sendError(message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	frame, _ := json.Marshal(WSMessage{
		Type:      WSTypeError,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	select {
	case c.send <- frame:
	default:
	}
}

func (c *WSClient) sendControl(msgType string) {
	frame, _ := json.Marshal(WSMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	})
	select {
	case c.send <- frame:
	default:
	}
}

// writePump writes frames to the observer and keeps the connection alive.
func (c *WSClient) writePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

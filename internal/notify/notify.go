package notify

import (
	"sync"
	"time"
)

// Topics published by the router and endpoint.
const (
	TopicMessages  = "messages"
	TopicEmergency = "emergency"
	TopicAgents    = "agents"
)

// Event is a protocol status event delivered to subscribers.
type Event struct {
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	MessageID string                 `json:"message_id,omitempty"`
	Summary   string                 `json:"summary,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Manager fans protocol events out to topic subscribers. Publishing never
// blocks: slow subscribers drop events, and a bounded ring of recent events
// is kept for late joiners.
type Manager struct {
	subscribers map[string][]chan Event
	recent      []Event
	mu          sync.RWMutex
	maxRecent   int
}

// NewManager creates an event feed manager.
func NewManager() *Manager {
	return &Manager{
		subscribers: make(map[string][]chan Event),
		recent:      make([]Event, 0),
		maxRecent:   100,
	}
}

// Subscribe registers a channel to receive events published on a topic.
func (m *Manager) Subscribe(topic string) chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, 10)
	m.subscribers[topic] = append(m.subscribers[topic], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (m *Manager) Unsubscribe(topic string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subscribers[topic]
	if !ok {
		return
	}
	for i, sub := range subs {
		if sub == ch {
			m.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(m.subscribers[topic]) == 0 {
		delete(m.subscribers, topic)
	}
}

// Publish delivers an event to every subscriber of the topic.
func (m *Manager) Publish(topic string, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	m.recent = append(m.recent, event)
	if len(m.recent) > m.maxRecent {
		m.recent = m.recent[len(m.recent)-m.maxRecent:]
	}
	subs := append([]chan Event(nil), m.subscribers[topic]...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber is backed up, drop rather than stall routing.
		}
	}
}

// Recent returns up to count recent events, newest first.
func (m *Manager) Recent(count int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if count <= 0 || count > len(m.recent) {
		count = len(m.recent)
	}
	out := make([]Event, count)
	for i := 0; i < count; i++ {
		out[i] = m.recent[len(m.recent)-1-i]
	}
	return out
}

// SubscriberCount returns the number of active subscribers for a topic.
func (m *Manager) SubscriberCount(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers[topic])
}

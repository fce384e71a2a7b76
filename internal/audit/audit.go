package audit

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carelink-protocol/carelink/pkg/a2a"
)

// EventType classifies what happened to a message or agent.
type EventType string

const (
	EventMessageReceived     EventType = "message_received"
	EventMessageRejected     EventType = "message_rejected"
	EventMessageCompleted    EventType = "message_completed"
	EventHandlerTimeout      EventType = "handler_timeout"
	EventEmergencyEscalation EventType = "emergency_escalation"
	EventAgentRegister       EventType = "agent_register"
	EventAgentUnregister     EventType = "agent_unregister"
	EventOutboundSend        EventType = "outbound_send"
)

// Entry is one record in the compliance audit log.
type Entry struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	MessageID string      `json:"message_id,omitempty"`
	FromAgent string      `json:"from_agent,omitempty"`
	ToAgent   string      `json:"to_agent,omitempty"`
	Urgency   a2a.Urgency `json:"urgency,omitempty"`
	Summary   string      `json:"summary"`
	Success   bool        `json:"success"`
	ErrorMsg  string      `json:"error_msg,omitempty"`
}

// Logger keeps a capped, in-memory compliance trail of routing activity.
type Logger struct {
	entries    []*Entry
	mu         sync.RWMutex
	maxEntries int
}

// NewLogger creates an audit logger retaining the most recent 10000 entries.
func NewLogger() *Logger {
	return &Logger{
		entries:    make([]*Entry, 0),
		maxEntries: 10000,
	}
}

// Record appends an audit entry for a routing event.
func (l *Logger) Record(eventType EventType, msg *a2a.Message, summary string, success bool, errorMsg string) *Entry {
	entry := &Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Summary:   summary,
		Success:   success,
		ErrorMsg:  errorMsg,
	}
	if msg != nil {
		entry.MessageID = msg.MessageID
		entry.FromAgent = msg.SenderID
		entry.ToAgent = msg.RecipientID
		entry.Urgency = msg.Urgency
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	return entry
}

// RecordAgent appends an audit entry for a registry event.
func (l *Logger) RecordAgent(eventType EventType, agentID, summary string, success bool) *Entry {
	entry := &Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		FromAgent: agentID,
		Summary:   summary,
		Success:   success,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxEntries {
		l.entries = l.entries[len(l.entries)-l.maxEntries:]
	}
	return entry
}

// Query filters the audit trail.
type Query struct {
	MessageID  string     `json:"message_id,omitempty"`
	FromAgent  string     `json:"from_agent,omitempty"`
	ToAgent    string     `json:"to_agent,omitempty"`
	EventType  EventType  `json:"event_type,omitempty"`
	SearchTerm string     `json:"search_term,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// QueryResult is a page of matching entries.
type QueryResult struct {
	Entries    []*Entry `json:"entries"`
	TotalCount int      `json:"total_count"`
	Offset     int      `json:"offset"`
	Limit      int      `json:"limit"`
}

// Search returns entries matching the query, newest first, paginated.
func (l *Logger) Search(q Query) *QueryResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var filtered []*Entry
	for _, entry := range l.entries {
		if q.MessageID != "" && entry.MessageID != q.MessageID {
			continue
		}
		if q.FromAgent != "" && entry.FromAgent != q.FromAgent {
			continue
		}
		if q.ToAgent != "" && entry.ToAgent != q.ToAgent {
			continue
		}
		if q.EventType != "" && entry.EventType != q.EventType {
			continue
		}
		if q.SearchTerm != "" && !strings.Contains(strings.ToLower(entry.Summary), strings.ToLower(q.SearchTerm)) {
			continue
		}
		if q.StartTime != nil && entry.Timestamp.Before(*q.StartTime) {
			continue
		}
		if q.EndTime != nil && entry.Timestamp.After(*q.EndTime) {
			continue
		}
		filtered = append(filtered, entry)
	}

	totalCount := len(filtered)

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	start := offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	return &QueryResult{
		Entries:    filtered[start:end],
		TotalCount: totalCount,
		Offset:     offset,
		Limit:      limit,
	}
}

// GetRecent returns the most recent count entries, newest first.
func (l *Logger) GetRecent(count int) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if count <= 0 {
		count = 50
	}
	if count > len(l.entries) {
		count = len(l.entries)
	}

	start := len(l.entries) - count
	result := make([]*Entry, count)
	copy(result, l.entries[start:])

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// GetByID retrieves a specific audit entry.
func (l *Logger) GetByID(id string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, entry := range l.entries {
		if entry.ID == id {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("audit entry not found: %s", id)
}

// Stats summarizes the audit trail.
type Stats struct {
	TotalEntries int            `json:"total_entries"`
	MaxEntries   int            `json:"max_entries"`
	ByEventType  map[string]int `json:"by_event_type"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
}

// GetStats returns aggregate audit counts.
func (l *Logger) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		TotalEntries: len(l.entries),
		MaxEntries:   l.maxEntries,
		ByEventType:  make(map[string]int),
	}
	for _, entry := range l.entries {
		stats.ByEventType[string(entry.EventType)]++
		if entry.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
	}
	return stats
}

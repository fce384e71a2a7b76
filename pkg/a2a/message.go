package a2a

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies what a message carries. The set is closed: anything
// else is rejected at validation.
type MessageType string

const (
	TypeCapabilityQuery      MessageType = "capability_query"
	TypeCapabilityResponse   MessageType = "capability_response"
	TypeTaskRequest          MessageType = "task_request"
	TypeTaskResponse         MessageType = "task_response"
	TypeStatusUpdate         MessageType = "status_update"
	TypeError                MessageType = "error"
	TypeMedicalAlert         MessageType = "medical_alert"
	TypeClinicalConsultation MessageType = "clinical_consultation"
	TypeEmergencyEscalation  MessageType = "emergency_escalation"
	TypeCareCoordination     MessageType = "care_coordination"
	TypeProtocolUpdate       MessageType = "protocol_update"
	TypeAuditLog             MessageType = "audit_log"
)

// MessageTypes lists every valid message type.
func MessageTypes() []MessageType {
	return []MessageType{
		TypeCapabilityQuery, TypeCapabilityResponse,
		TypeTaskRequest, TypeTaskResponse,
		TypeStatusUpdate, TypeError,
		TypeMedicalAlert, TypeClinicalConsultation,
		TypeEmergencyEscalation, TypeCareCoordination,
		TypeProtocolUpdate, TypeAuditLog,
	}
}

// KnownType reports whether t is one of the closed message types.
func KnownType(t MessageType) bool {
	for _, known := range MessageTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Urgency is the ordinal priority of a message. It drives both queue order
// and handler deadline selection.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyCritical  Urgency = "critical"
	UrgencyEmergency Urgency = "emergency"
)

// UrgencyLevels lists urgencies from lowest to highest.
func UrgencyLevels() []Urgency {
	return []Urgency{UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical, UrgencyEmergency}
}

// EncryptionLevel is the declared minimum protection tier for a payload.
type EncryptionLevel string

const (
	EncryptionNone         EncryptionLevel = "none"
	EncryptionStandard     EncryptionLevel = "standard"
	EncryptionMedicalGrade EncryptionLevel = "medical_grade"
	EncryptionEndToEnd     EncryptionLevel = "end_to_end"
)

// EncryptionLevels lists encryption tiers from weakest to strongest.
func EncryptionLevels() []EncryptionLevel {
	return []EncryptionLevel{EncryptionNone, EncryptionStandard, EncryptionMedicalGrade, EncryptionEndToEnd}
}

// MedicalContext links a message to a patient case and carries the consent
// and audit flags compliance depends on.
type MedicalContext struct {
	PatientRef      string   `json:"patient_ref,omitempty"`
	CaseRef         string   `json:"case_ref,omitempty"`
	CareTeamRefs    []string `json:"care_team_refs,omitempty"`
	ConsentVerified bool     `json:"consent_verified"`
	AuditRequired   bool     `json:"audit_required"`
}

// NewMedicalContext returns a context with audit required by default.
func NewMedicalContext(patientRef, caseRef string) *MedicalContext {
	return &MedicalContext{
		PatientRef:    patientRef,
		CaseRef:       caseRef,
		AuditRequired: true,
	}
}

// AuditEvent is one entry in a message's append-only audit trail.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
}

// AccessEvent is one entry in a message's append-only access log.
type AccessEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	AccessorID string    `json:"accessor_id"`
	AccessType string    `json:"access_type"`
}

const (
	// DefaultTTLSeconds bounds how long a message stays routable.
	DefaultTTLSeconds = 300
	// DefaultMaxRetries bounds redelivery attempts.
	DefaultMaxRetries = 3
)

// ErrRetriesExhausted is returned when a retry is attempted past max_retries.
var ErrRetriesExhausted = errors.New("message retries exhausted")

// Message is the unit exchanged between agents. All fields are immutable
// after creation except the two append-only logs and the retry counter.
type Message struct {
	MessageID       string                 `json:"message_id"`
	SenderID        string                 `json:"sender_id"`
	RecipientID     string                 `json:"recipient_id"`
	Type            MessageType            `json:"message_type"`
	Timestamp       time.Time              `json:"timestamp"`
	Payload         map[string]interface{} `json:"payload"`
	Urgency         Urgency                `json:"urgency"`
	MedicalContext  *MedicalContext        `json:"medical_context,omitempty"`
	EncryptionLevel EncryptionLevel        `json:"encryption_level"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
	ReplyTo         string                 `json:"reply_to,omitempty"`
	TTLSeconds      int                    `json:"ttl_seconds"`
	RetryCount      int                    `json:"retry_count"`
	MaxRetries      int                    `json:"max_retries"`
	AuditTrail      []AuditEvent           `json:"audit_trail"`
	AccessLog       []AccessEvent          `json:"access_log"`

	mu sync.Mutex
}

// NewMessage creates a message with defaults applied and the "created" audit
// entry already recorded.
func NewMessage(senderID, recipientID string, mtype MessageType, payload map[string]interface{}, urgency Urgency) *Message {
	m := &Message{
		MessageID:       uuid.New().String(),
		SenderID:        senderID,
		RecipientID:     recipientID,
		Type:            mtype,
		Timestamp:       time.Now().UTC(),
		Payload:         payload,
		Urgency:         urgency,
		EncryptionLevel: EncryptionStandard,
		TTLSeconds:      DefaultTTLSeconds,
		MaxRetries:      DefaultMaxRetries,
		AuditTrail:      make([]AuditEvent, 0, 4),
		AccessLog:       make([]AccessEvent, 0, 2),
	}
	m.AddAudit("created", string(mtype))
	return m
}

// AddAudit appends an entry to the audit trail.
func (m *Message) AddAudit(action, details string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AuditTrail = append(m.AuditTrail, AuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Details:   details,
	})
}

// RecordAccess appends an entry to the access log.
func (m *Message) RecordAccess(accessorID, accessType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AccessLog = append(m.AccessLog, AccessEvent{
		Timestamp:  time.Now().UTC(),
		AccessorID: accessorID,
		AccessType: accessType,
	})
}

// AuditLen returns the current audit trail length.
func (m *Message) AuditLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.AuditTrail)
}

// IsExpired reports whether the message's TTL has elapsed. A TTL of zero
// expires the message at its own creation instant.
func (m *Message) IsExpired() bool {
	return !time.Now().Before(m.Timestamp.Add(time.Duration(m.TTLSeconds) * time.Second))
}

// CanRetry reports whether another delivery attempt is permitted.
func (m *Message) CanRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RetryCount < m.MaxRetries
}

// MarkRetry records a retry attempt, failing terminally once exhausted.
func (m *Message) MarkRetry() error {
	m.mu.Lock()
	if m.RetryCount >= m.MaxRetries {
		m.mu.Unlock()
		return ErrRetriesExhausted
	}
	m.RetryCount++
	count := m.RetryCount
	m.mu.Unlock()

	m.AddAudit("retry", "attempt "+strconv.Itoa(count))
	return nil
}

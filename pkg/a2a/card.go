package a2a

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Capability is a tagged skill an agent exposes to its peers.
type Capability string

const (
	CapDetection            Capability = "detection"
	CapClinicalReasoning    Capability = "clinical-reasoning"
	CapProtocolConsultation Capability = "protocol-consultation"
	CapEmergencyResponse    Capability = "emergency-response"
	CapCareCoordination     Capability = "care-coordination"
	CapAuditReporting       Capability = "audit-reporting"
)

// Endpoints holds the network addresses every agent must expose.
// All four are mandatory; a card without them is not routable.
type Endpoints struct {
	Health       string `json:"health" validate:"required"`
	Capabilities string `json:"capabilities" validate:"required"`
	TaskSubmit   string `json:"task_submit" validate:"required"`
	Webhook      string `json:"webhook" validate:"required"`
}

// SLA declares the service level an agent commits to.
type SLA struct {
	AvailabilityPct float64 `json:"availability_pct"`
	MaxResponseSecs int     `json:"max_response_secs"`
	MaxQueueDepth   int     `json:"max_queue_depth"`
}

// DefaultSLA returns the SLA applied when a card declares none.
func DefaultSLA() SLA {
	return SLA{
		AvailabilityPct: 99.0,
		MaxResponseSecs: 60,
		MaxQueueDepth:   100,
	}
}

// AgentCard describes one agent's identity and capability declaration.
type AgentCard struct {
	AgentID            string       `json:"agent_id" validate:"required"`
	Name               string       `json:"name" validate:"required"`
	Version            string       `json:"version"`
	Capabilities       []Capability `json:"capabilities" validate:"required,min=1"`
	MedicalSpecialties []string     `json:"medical_specialties,omitempty"`
	EmergencyCapable   bool         `json:"emergency_capable"`
	Endpoints          Endpoints    `json:"endpoints"`
	SLA                SLA          `json:"sla"`
}

// InvalidCardError is returned when a card fails registration validation.
type InvalidCardError struct {
	Field  string
	Reason string
}

func (e *InvalidCardError) Error() string {
	return fmt.Sprintf("invalid agent card: %s: %s", e.Field, e.Reason)
}

var cardValidator = validator.New()

// NewAgentCard builds a card with SLA defaults and validates it.
func NewAgentCard(id, name, version string, capabilities []Capability, endpoints Endpoints) (*AgentCard, error) {
	card := &AgentCard{
		AgentID:      id,
		Name:         name,
		Version:      version,
		Capabilities: capabilities,
		Endpoints:    endpoints,
		SLA:          DefaultSLA(),
	}
	if err := card.Validate(); err != nil {
		return nil, err
	}
	return card, nil
}

// Validate checks the card's required fields and applies SLA defaults.
func (c *AgentCard) Validate() error {
	if err := cardValidator.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &InvalidCardError{
				Field:  errs[0].Namespace(),
				Reason: "failed " + errs[0].Tag() + " constraint",
			}
		}
		return &InvalidCardError{Field: "card", Reason: err.Error()}
	}

	if c.SLA == (SLA{}) {
		c.SLA = DefaultSLA()
	}
	return nil
}

// HasCapability reports whether the card declares the given capability.
func (c *AgentCard) HasCapability(cap Capability) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

// HasSpecialty reports whether the card declares the given medical specialty.
func (c *AgentCard) HasSpecialty(specialty string) bool {
	for _, have := range c.MedicalSpecialties {
		if have == specialty {
			return true
		}
	}
	return false
}

// IsEmergencyCapable reports effective emergency eligibility: the flag must
// be set explicitly AND the emergency-response capability declared.
func (c *AgentCard) IsEmergencyCapable() bool {
	return c.EmergencyCapable && c.HasCapability(CapEmergencyResponse)
}

// Clone returns a deep copy of the card.
func (c *AgentCard) Clone() *AgentCard {
	dup := *c
	dup.Capabilities = append([]Capability(nil), c.Capabilities...)
	dup.MedicalSpecialties = append([]string(nil), c.MedicalSpecialties...)
	return &dup
}

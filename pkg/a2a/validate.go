package a2a

import "fmt"

// ValidationReason is the closed set of rejection reasons produced at the
// validation boundary.
type ValidationReason string

const (
	ReasonMissingRequiredField  ValidationReason = "missing_required_field"
	ReasonExpired               ValidationReason = "expired"
	ReasonUnknownType           ValidationReason = "unknown_type"
	ReasonMissingMedicalContext ValidationReason = "missing_medical_context"
	ReasonConsentNotVerified    ValidationReason = "consent_not_verified"
	ReasonEncryptionRequired    ValidationReason = "encryption_required"
)

// ValidationError describes why a message was rejected.
type ValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Validate checks the message against the protocol's admission rules. It is
// pure: the caller is expected to audit the outcome. Expiry is checked
// before any type-specific rule so stale messages never reach a handler.
func (m *Message) Validate() *ValidationError {
	switch {
	case m.MessageID == "":
		return &ValidationError{Reason: ReasonMissingRequiredField, Detail: "message_id"}
	case m.SenderID == "":
		return &ValidationError{Reason: ReasonMissingRequiredField, Detail: "sender_id"}
	case m.RecipientID == "":
		return &ValidationError{Reason: ReasonMissingRequiredField, Detail: "recipient_id"}
	}

	if m.IsExpired() {
		return &ValidationError{Reason: ReasonExpired}
	}

	if !KnownType(m.Type) {
		return &ValidationError{Reason: ReasonUnknownType, Detail: string(m.Type)}
	}

	if (m.Type == TypeMedicalAlert || m.Type == TypeClinicalConsultation) && m.MedicalContext == nil {
		return &ValidationError{Reason: ReasonMissingMedicalContext, Detail: string(m.Type)}
	}

	if mc := m.MedicalContext; mc != nil && mc.PatientRef != "" {
		if !mc.ConsentVerified {
			return &ValidationError{Reason: ReasonConsentNotVerified, Detail: mc.PatientRef}
		}
		if m.EncryptionLevel == EncryptionNone {
			return &ValidationError{Reason: ReasonEncryptionRequired, Detail: mc.PatientRef}
		}
	}

	return nil
}

// ValidationReasons lists every rejection reason Validate can produce.
func ValidationReasons() []ValidationReason {
	return []ValidationReason{
		ReasonMissingRequiredField, ReasonExpired, ReasonUnknownType,
		ReasonMissingMedicalContext, ReasonConsentNotVerified, ReasonEncryptionRequired,
	}
}

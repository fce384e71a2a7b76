// Package policy declares when encryption is mandatory for a message. Only
// the policy is in scope here; the cryptography itself belongs to the
// transport layer.
package policy

import (
	"github.com/carelink-protocol/carelink/pkg/a2a"
)

// rank orders encryption tiers from weakest to strongest.
var rank = map[a2a.EncryptionLevel]int{
	a2a.EncryptionNone:         0,
	a2a.EncryptionStandard:     1,
	a2a.EncryptionMedicalGrade: 2,
	a2a.EncryptionEndToEnd:     3,
}

// Rank returns the ordinal strength of an encryption level. Unknown levels
// rank below none.
func Rank(level a2a.EncryptionLevel) int {
	if r, ok := rank[level]; ok {
		return r
	}
	return -1
}

// Meets reports whether level satisfies the given minimum.
func Meets(level, min a2a.EncryptionLevel) bool {
	return Rank(level) >= Rank(min)
}

// RequiredLevel returns the minimum encryption tier a message of the given
// type must be constructed with. Clinical content always travels at
// medical grade; everything else defaults to standard.
func RequiredLevel(t a2a.MessageType) a2a.EncryptionLevel {
	switch t {
	case a2a.TypeMedicalAlert, a2a.TypeClinicalConsultation,
		a2a.TypeEmergencyEscalation, a2a.TypeCareCoordination:
		return a2a.EncryptionMedicalGrade
	case a2a.TypeAuditLog:
		return a2a.EncryptionEndToEnd
	default:
		return a2a.EncryptionStandard
	}
}

// LevelFor picks the encryption level for an outbound message: the type's
// required tier, raised to at least standard when a patient is referenced.
func LevelFor(t a2a.MessageType, mc *a2a.MedicalContext) a2a.EncryptionLevel {
	level := RequiredLevel(t)
	if mc != nil && mc.PatientRef != "" && !Meets(level, a2a.EncryptionStandard) {
		level = a2a.EncryptionStandard
	}
	return level
}

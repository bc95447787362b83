// Package slots owns schedule slot state and the availability rules for booking one.
package slots

import (
	"time"

	"github.com/google/uuid"
)

// Status of a schedule slot.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusReserved    Status = "reserved"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

// Slot is a provider's offerable time unit. PatientID is set exactly when the slot is reserved.
type Slot struct {
	ID         uuid.UUID  `json:"id"`
	ProviderID uuid.UUID  `json:"provider_id"`
	Date       time.Time  `json:"date"`
	Time       string     `json:"time"`
	PatientID  *uuid.UUID `json:"patient_id,omitempty"`
	Status     Status     `json:"status"`
}

// AgendaEntry is one of a patient's live consultations, used for conflict detection.
type AgendaEntry struct {
	ConsultationID uuid.UUID
	ProviderID     uuid.UUID
	ProviderName   string
	Date           time.Time
	Time           string
}

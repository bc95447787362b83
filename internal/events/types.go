package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types written to the outbox.
const (
	TypeConsultationReserved = "consultation.reserved.v1"
	TypeConsultationChanged  = "consultation.status_changed.v1"
	TypeSettlementRequested  = "settlement.requested.v1"
	TypeBalanceRefunded      = "balance.refunded.v1"
)

type ConsultationReservedV1 struct {
	ConsultationID uuid.UUID  `json:"consultation_id"`
	PatientID      uuid.UUID  `json:"patient_id"`
	ProviderID     uuid.UUID  `json:"provider_id"`
	SlotID         uuid.UUID  `json:"slot_id"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	BalanceSource  string     `json:"balance_source,omitempty"`
	BalanceRecord  *uuid.UUID `json:"balance_record_id,omitempty"`
	PreservedFrom  *uuid.UUID `json:"preserved_from,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

type ConsultationStatusChangedV1 struct {
	ConsultationID uuid.UUID `json:"consultation_id"`
	Transition     string    `json:"transition"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Origin         string    `json:"origin"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// SettlementRequestedV1 asks the payout subsystem to settle a provider for a session.
type SettlementRequestedV1 struct {
	ConsultationID uuid.UUID `json:"consultation_id"`
	ProviderID     uuid.UUID `json:"provider_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	Transition     string    `json:"transition"`
	AmountCents    *int64    `json:"amount_cents,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type BalanceRefundedV1 struct {
	ConsultationID uuid.UUID  `json:"consultation_id"`
	PatientID      uuid.UUID  `json:"patient_id"`
	Source         string     `json:"source"`
	RecordID       *uuid.UUID `json:"record_id,omitempty"`
	Transition     string     `json:"transition"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

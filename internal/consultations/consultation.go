// Package consultations persists bookings and their video-session companions.
package consultations

import (
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-booking/internal/balance"
)

// Status is the lifecycle state of a consultation.
type Status string

const (
	StatusReserved                       Status = "reserved"
	StatusInProgress                     Status = "in_progress"
	StatusCompleted                      Status = "completed"
	StatusCancelledByPatientInWindow     Status = "cancelled_by_patient_in_window"
	StatusCancelledByPatientOutOfWindow  Status = "cancelled_by_patient_out_of_window"
	StatusCancelledByProviderInWindow    Status = "cancelled_by_provider_in_window"
	StatusCancelledByProviderOutOfWindow Status = "cancelled_by_provider_out_of_window"
	StatusRescheduled                    Status = "rescheduled"
	StatusNoShowPatient                  Status = "no_show_patient"
	StatusNoShowProvider                 Status = "no_show_provider"

	// StatusScheduled is written by older agenda tooling and behaves like reserved.
	StatusScheduled Status = "scheduled"
)

// ActiveStatuses occupy a slot and count for conflict detection.
var ActiveStatuses = []Status{StatusReserved, StatusInProgress, StatusScheduled}

// IsActive reports whether the consultation still holds its slot.
func (s Status) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted,
		StatusCancelledByPatientInWindow, StatusCancelledByPatientOutOfWindow,
		StatusCancelledByProviderInWindow, StatusCancelledByProviderOutOfWindow,
		StatusRescheduled, StatusNoShowPatient, StatusNoShowProvider:
		return true
	}
	return false
}

// Party identifies one side of a consultation.
type Party string

const (
	PartyPatient  Party = "patient"
	PartyProvider Party = "provider"
)

// Consultation is a booking of a slot by a patient.
type Consultation struct {
	ID              uuid.UUID     `json:"id"`
	PatientID       uuid.UUID     `json:"patient_id"`
	ProviderID      uuid.UUID     `json:"provider_id"`
	SlotID          uuid.UUID     `json:"slot_id"`
	Date            time.Time     `json:"date"`
	Time            string        `json:"time"`
	Status          Status        `json:"status"`
	PlanCycleID     *uuid.UUID    `json:"plan_cycle_id,omitempty"`
	BalanceSource   *balance.Kind `json:"balance_source,omitempty"`
	BalanceRecordID *uuid.UUID    `json:"balance_record_id,omitempty"`
	AmountCents     *int64        `json:"amount_cents,omitempty"`
	Billable        bool          `json:"billable"`
	StatusOrigin    string        `json:"status_origin"`
	RescheduledFrom *uuid.UUID    `json:"rescheduled_from,omitempty"`
	CalendarEventID *string       `json:"calendar_event_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// BalanceRef points at whatever funded the consultation.
func (c *Consultation) BalanceRef() balance.Ref {
	ref := balance.Ref{PatientID: c.PatientID, RecordID: c.BalanceRecordID, PlanCycleID: c.PlanCycleID}
	if c.BalanceSource != nil {
		ref.Kind = *c.BalanceSource
	}
	return ref
}

// PartyOf reports which side userID is on, or false when it is neither.
func (c *Consultation) PartyOf(userID uuid.UUID) (Party, bool) {
	switch userID {
	case c.PatientID:
		return PartyPatient, true
	case c.ProviderID:
		return PartyProvider, true
	}
	return "", false
}

// SessionStatus mirrors the consultation's coarse state on the session record.
type SessionStatus string

const (
	SessionScheduled           SessionStatus = "scheduled"
	SessionInProgress          SessionStatus = "in_progress"
	SessionCompleted           SessionStatus = "completed"
	SessionCancelledByPatient  SessionStatus = "cancelled_by_patient"
	SessionCancelledByProvider SessionStatus = "cancelled_by_provider"
	SessionRescheduled         SessionStatus = "rescheduled"
	SessionNoShowPatient       SessionStatus = "no_show_patient"
	SessionNoShowProvider      SessionStatus = "no_show_provider"
)

// SessionRecord is the video-room companion of a consultation.
type SessionRecord struct {
	ID               uuid.UUID     `json:"id"`
	ConsultationID   uuid.UUID     `json:"consultation_id"`
	ScheduledAt      time.Time     `json:"scheduled_at"`
	RoomID           string        `json:"room_id"`
	PatientUID       uint32        `json:"patient_uid"`
	ProviderUID      uint32        `json:"provider_uid"`
	PatientToken     *string       `json:"-"`
	ProviderToken    *string       `json:"-"`
	PatientJoinedAt  *time.Time    `json:"patient_joined_at,omitempty"`
	ProviderJoinedAt *time.Time    `json:"provider_joined_at,omitempty"`
	Status           SessionStatus `json:"status"`
}

// Joined reports whether the given side has entered the room.
func (s *SessionRecord) Joined(p Party) bool {
	if p == PartyProvider {
		return s.ProviderJoinedAt != nil
	}
	return s.PatientJoinedAt != nil
}

// HasTokens reports whether both room tokens are issued.
func (s *SessionRecord) HasTokens() bool {
	return s.PatientToken != nil && s.ProviderToken != nil
}

// Details is a consultation with its session record.
type Details struct {
	Consultation
	Session *SessionRecord `json:"session,omitempty"`
}

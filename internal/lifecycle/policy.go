// Package lifecycle drives consultations through their states and keeps slot,
// session and balance state consistent with each transition.
package lifecycle

import (
	"fmt"

	"github.com/wolfman30/telehealth-booking/internal/consultations"
	"github.com/wolfman30/telehealth-booking/internal/slots"
)

// Transition names a lifecycle move. Each one maps to exactly one Policy.
type Transition string

const (
	PatientCancelInWindow     Transition = "patient_cancel_in_window"
	PatientCancelOutOfWindow  Transition = "patient_cancel_out_of_window"
	ProviderCancelInWindow    Transition = "provider_cancel_in_window"
	ProviderCancelOutOfWindow Transition = "provider_cancel_out_of_window"
	ProviderCancelInRoom      Transition = "provider_cancel_in_room"
	PatientReschedule         Transition = "patient_reschedule"
	ProviderRescheduleInRoom  Transition = "provider_reschedule_in_room"
	MarkNoShowPatient         Transition = "no_show_patient"
	MarkNoShowProvider        Transition = "no_show_provider"
	Start                     Transition = "start"
	Complete                  Transition = "complete"
)

// Policy is everything a transition does besides moving the status.
type Policy struct {
	From    []consultations.Status
	Target  consultations.Status
	Session consultations.SessionStatus
	// Refund returns the consumed balance unit to the patient.
	Refund bool
	// Payout requests provider settlement for the session.
	Payout      bool
	Billable    bool
	ClearTokens bool
	// Slot is what the consultation's slot becomes. Empty leaves it reserved.
	Slot slots.Status
	// ProviderInRoom requires the provider to have joined the session room.
	ProviderInRoom bool
}

var (
	bookable = []consultations.Status{consultations.StatusReserved, consultations.StatusScheduled}
	live     = []consultations.Status{consultations.StatusReserved, consultations.StatusScheduled, consultations.StatusInProgress}
)

// policies is the single source of truth for refund and payout behaviour.
var policies = map[Transition]Policy{
	PatientCancelInWindow: {
		From: bookable, Target: consultations.StatusCancelledByPatientInWindow, Session: consultations.SessionCancelledByPatient,
		Refund: true, ClearTokens: true, Slot: slots.StatusAvailable,
	},
	PatientCancelOutOfWindow: {
		From: bookable, Target: consultations.StatusCancelledByPatientOutOfWindow, Session: consultations.SessionCancelledByPatient,
		Payout: true, ClearTokens: true, Slot: slots.StatusAvailable,
	},
	ProviderCancelInWindow: {
		From: bookable, Target: consultations.StatusCancelledByProviderInWindow, Session: consultations.SessionCancelledByProvider,
		Refund: true, ClearTokens: true, Slot: slots.StatusAvailable,
	},
	ProviderCancelOutOfWindow: {
		From: bookable, Target: consultations.StatusCancelledByProviderOutOfWindow, Session: consultations.SessionCancelledByProvider,
		Payout: true, ClearTokens: true, Slot: slots.StatusAvailable,
	},
	ProviderCancelInRoom: {
		From: live, Target: consultations.StatusCancelledByProviderOutOfWindow, Session: consultations.SessionCancelledByProvider,
		Payout: true, ClearTokens: true, ProviderInRoom: true,
	},
	PatientReschedule: {
		From: bookable, Target: consultations.StatusRescheduled, Session: consultations.SessionRescheduled,
		ClearTokens: true, Slot: slots.StatusRescheduled,
	},
	ProviderRescheduleInRoom: {
		From: live, Target: consultations.StatusRescheduled, Session: consultations.SessionRescheduled,
		Refund: true, ClearTokens: true, ProviderInRoom: true, Slot: slots.StatusAvailable,
	},
	MarkNoShowPatient: {
		From: live, Target: consultations.StatusNoShowPatient, Session: consultations.SessionNoShowPatient,
		Payout: true, ClearTokens: true, Slot: slots.StatusAvailable,
	},
	MarkNoShowProvider: {
		From: live, Target: consultations.StatusNoShowProvider, Session: consultations.SessionNoShowProvider,
		Refund: true, ClearTokens: true, Slot: slots.StatusAvailable,
	},
	Start: {
		From: bookable, Target: consultations.StatusInProgress, Session: consultations.SessionInProgress,
	},
	Complete: {
		From: live, Target: consultations.StatusCompleted, Session: consultations.SessionCompleted,
		Payout: true, Billable: true, ClearTokens: true,
	},
}

// PolicyFor returns the policy of a transition.
func PolicyFor(t Transition) (Policy, error) {
	p, ok := policies[t]
	if !ok {
		return Policy{}, fmt.Errorf("lifecycle: unknown transition %q", t)
	}
	return p, nil
}

// Allows reports whether the policy may run from status s.
func (p Policy) Allows(s consultations.Status) bool {
	for _, f := range p.From {
		if f == s {
			return true
		}
	}
	return false
}

func cancelTransition(side consultations.Party, inWindow bool) Transition {
	switch {
	case side == consultations.PartyProvider && inWindow:
		return ProviderCancelInWindow
	case side == consultations.PartyProvider:
		return ProviderCancelOutOfWindow
	case inWindow:
		return PatientCancelInWindow
	default:
		return PatientCancelOutOfWindow
	}
}

package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/internal/clock"
)

// Reason codes reported when a slot cannot be booked.
const (
	CodeNotFound    = "slot_not_found"
	CodeUnavailable = "slot_unavailable"
	CodeInPast      = "slot_in_past"
	CodeConflict    = "schedule_conflict"
)

// Availability is the outcome of a slot check. Slot is nil only when the slot does not exist.
type Availability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
	Code      string `json:"code,omitempty"`
	Slot      *Slot  `json:"slot,omitempty"`
}

// Err converts a negative result into the matching classified error.
func (a Availability) Err() error {
	if a.Available {
		return nil
	}
	if a.Code == CodeNotFound {
		return apperr.NotFound("%s", a.Reason)
	}
	return apperr.InvalidState("%s", a.Reason)
}

func unavailable(code, reason string, slot *Slot) Availability {
	return Availability{Code: code, Reason: reason, Slot: slot}
}

// Validator decides whether a patient may book a slot. window is the conflict
// half-window applied around each of the patient's live consultations.
type Validator struct {
	clock  clock.Clock
	window time.Duration
}

func NewValidator(c clock.Clock, window time.Duration) *Validator {
	if c == nil {
		panic("slots: clock required")
	}
	return &Validator{clock: c, window: window}
}

// Window returns the conflict half-window.
func (v *Validator) Window() time.Duration { return v.window }

// Check runs existence, status, date and conflict rules in that order and stops at
// the first failure. Only storage errors are returned as error.
func (v *Validator) Check(ctx context.Context, r Reader, slotID, patientID uuid.UUID) (Availability, error) {
	slot, err := r.GetSlot(ctx, slotID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return unavailable(CodeNotFound, "schedule slot not found", nil), nil
		}
		return Availability{}, err
	}
	return v.CheckSlot(ctx, r, slot, patientID)
}

// CheckSlot is Check for a slot already loaded, typically under a row lock.
func (v *Validator) CheckSlot(ctx context.Context, r Reader, slot *Slot, patientID uuid.UUID) (Availability, error) {
	if slot.Status != StatusAvailable {
		return unavailable(CodeUnavailable, "this slot is no longer available, please pick another one", slot), nil
	}

	loc := v.clock.Location()
	today := clock.StartOfDay(v.clock.Now(), loc)
	slotDay := time.Date(slot.Date.Year(), slot.Date.Month(), slot.Date.Day(), 0, 0, 0, 0, loc)
	if slotDay.Before(today) {
		return unavailable(CodeInPast, "this slot is in the past", slot), nil
	}

	start, err := clock.Combine(slot.Date, slot.Time, loc)
	if err != nil {
		return Availability{}, fmt.Errorf("slots: slot %s: %w", slot.ID, err)
	}

	agenda, err := r.PatientAgenda(ctx, patientID, slotDay)
	if err != nil {
		return Availability{}, err
	}
	for _, e := range agenda {
		existing, err := clock.Combine(e.Date, e.Time, loc)
		if err != nil {
			return Availability{}, fmt.Errorf("slots: consultation %s: %w", e.ConsultationID, err)
		}
		if !start.Before(existing.Add(-v.window)) && start.Before(existing.Add(v.window)) {
			return unavailable(CodeConflict, conflictReason(e, existing), slot), nil
		}
	}

	return Availability{Available: true, Slot: slot}, nil
}

func conflictReason(e AgendaEntry, at time.Time) string {
	who := e.ProviderName
	if who == "" {
		who = "another provider"
	}
	return fmt.Sprintf("you already have a consultation with %s at %s on %s", who, at.Format("15:04"), at.Format("02/01/2006"))
}

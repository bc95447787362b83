package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/internal/balance"
	"github.com/wolfman30/telehealth-booking/internal/consultations"
	"github.com/wolfman30/telehealth-booking/internal/events"
	"github.com/wolfman30/telehealth-booking/internal/slots"
)

// applied is the result of running a transition inside a transaction.
type applied struct {
	Transition Transition
	Policy     Policy
	Previous   consultations.Status
	Refunded   bool
}

// guard rejects transitions from terminal or otherwise disallowed states.
func guard(c *consultations.Consultation, p Policy) error {
	if c.Status.IsTerminal() || !p.Allows(c.Status) {
		return apperr.InvalidState("cannot act on a consultation already in status %s", c.Status)
	}
	return nil
}

// apply runs policy t against a consultation that is locked in tx. c is updated in place.
func (s *Service) apply(ctx context.Context, tx balance.Querier, c *consultations.Consultation, t Transition, origin string, now time.Time) (applied, error) {
	p, err := PolicyFor(t)
	if err != nil {
		return applied{}, err
	}
	if err := guard(c, p); err != nil {
		return applied{}, err
	}

	store := consultations.NewStore(tx)
	out := applied{Transition: t, Policy: p, Previous: c.Status}

	if err := store.UpdateStatus(ctx, c.ID, consultations.StatusUpdate{
		From:     p.From,
		To:       p.Target,
		Billable: p.Billable,
		Origin:   origin,
		At:       now,
	}); err != nil {
		return applied{}, err
	}
	if err := store.UpdateSession(ctx, c.ID, p.Session, p.ClearTokens, now); err != nil {
		return applied{}, err
	}
	switch p.Slot {
	case slots.StatusAvailable:
		if err := slots.NewStore(tx).Release(ctx, c.SlotID, now); err != nil {
			return applied{}, err
		}
	case slots.StatusRescheduled:
		if err := slots.NewStore(tx).MarkRescheduled(ctx, c.SlotID, now); err != nil {
			return applied{}, err
		}
	}

	outbox := events.NewOutboxStore(tx)
	if p.Refund {
		kind, err := s.resolver.Credit(ctx, tx, c.BalanceRef(), now)
		switch {
		case errors.Is(err, balance.ErrNoCreditTarget):
			// The transition still commits; support credits the patient by hand.
			s.logger.Warn("refund skipped, patient has no balance record to credit",
				"consultation_id", c.ID, "patient_id", c.PatientID, "transition", t)
			s.metrics.ObserveSideEffectFailure("refund")
		case err != nil:
			return applied{}, fmt.Errorf("lifecycle: refund balance: %w", err)
		default:
			out.Refunded = true
			if _, err := outbox.Insert(ctx, c.ID.String(), events.TypeBalanceRefunded, events.BalanceRefundedV1{
				ConsultationID: c.ID,
				PatientID:      c.PatientID,
				Source:         string(kind),
				RecordID:       c.BalanceRecordID,
				Transition:     string(t),
				OccurredAt:     now,
			}); err != nil {
				return applied{}, err
			}
		}
	}
	if p.Payout {
		if _, err := outbox.Insert(ctx, c.ID.String(), events.TypeSettlementRequested, events.SettlementRequestedV1{
			ConsultationID: c.ID,
			ProviderID:     c.ProviderID,
			PatientID:      c.PatientID,
			Transition:     string(t),
			AmountCents:    c.AmountCents,
			OccurredAt:     now,
		}); err != nil {
			return applied{}, err
		}
	}
	if _, err := outbox.Insert(ctx, c.ID.String(), events.TypeConsultationChanged, events.ConsultationStatusChangedV1{
		ConsultationID: c.ID,
		Transition:     string(t),
		From:           string(c.Status),
		To:             string(p.Target),
		Origin:         origin,
		OccurredAt:     now,
	}); err != nil {
		return applied{}, err
	}

	c.Status = p.Target
	c.StatusOrigin = origin
	c.Billable = c.Billable || p.Billable
	c.UpdatedAt = now
	return out, nil
}

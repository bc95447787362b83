// Package reservations books slots: it validates, reserves, records and debits in
// one transaction and hands follow-up work to the dispatcher after commit.
package reservations

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/internal/balance"
	"github.com/wolfman30/telehealth-booking/internal/clock"
	"github.com/wolfman30/telehealth-booking/internal/consultations"
	"github.com/wolfman30/telehealth-booking/internal/dispatch"
	"github.com/wolfman30/telehealth-booking/internal/events"
	"github.com/wolfman30/telehealth-booking/internal/observability/metrics"
	"github.com/wolfman30/telehealth-booking/internal/slots"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

var reservationsTracer = otel.Tracer("booking.internal.reservations")

// Origins recorded on consultations.
const (
	OriginPatient    = "patient"
	OriginProvider   = "provider"
	OriginReschedule = "reschedule"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	balance.Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Options tunes a reservation.
type Options struct {
	// PreserveBalance skips the debit. With PriorConsultationID set, the prior
	// consultation's funding reference is carried onto the new one.
	PreserveBalance     bool
	PriorConsultationID *uuid.UUID
	// ActingProviderID restricts the booking to that provider's own slots.
	ActingProviderID *uuid.UUID
	Origin           string
}

// Reservation is a committed booking.
type Reservation struct {
	Consultation consultations.Consultation  `json:"consultation"`
	Session      consultations.SessionRecord `json:"session"`
	Slot         slots.Slot                  `json:"slot"`
	Allocation   *balance.Allocation         `json:"allocation,omitempty"`
}

// Coordinator runs the booking transaction.
type Coordinator struct {
	db         DB
	resolver   *balance.Resolver
	validator  *slots.Validator
	clock      clock.Clock
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.BookingMetrics
	logger     *logging.Logger
}

func NewCoordinator(db DB, resolver *balance.Resolver, validator *slots.Validator, c clock.Clock, dispatcher *dispatch.Dispatcher, m *metrics.BookingMetrics, logger *logging.Logger) *Coordinator {
	if db == nil {
		panic("reservations: db required")
	}
	if resolver == nil || validator == nil || c == nil {
		panic("reservations: resolver, validator and clock required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		db:         db,
		resolver:   resolver,
		validator:  validator,
		clock:      c,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
}

// CheckAvailability reports whether the patient could book the slot right now.
func (c *Coordinator) CheckAvailability(ctx context.Context, slotID, patientID uuid.UUID) (slots.Availability, error) {
	return c.validator.Check(ctx, slots.NewStore(c.db), slotID, patientID)
}

// CheckBalance reports which balance a booking made now would consume.
func (c *Coordinator) CheckBalance(ctx context.Context, patientID uuid.UUID) (balance.Allocation, bool, error) {
	return c.resolver.Resolve(ctx, c.db, patientID, c.clock.Now())
}

// ReserveForPatient books one of the provider's own slots on behalf of a patient.
func (c *Coordinator) ReserveForPatient(ctx context.Context, providerID, slotID, patientID uuid.UUID) (*Reservation, error) {
	return c.CreateReservation(ctx, slotID, patientID, Options{ActingProviderID: &providerID, Origin: OriginProvider})
}

// CreateReservation validates, then books the slot for the patient in one
// transaction. Follow-ups are dispatched only after commit.
func (c *Coordinator) CreateReservation(ctx context.Context, slotID, patientID uuid.UUID, opts Options) (*Reservation, error) {
	ctx, span := reservationsTracer.Start(ctx, "reservations.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("slot.id", slotID.String()),
		attribute.String("patient.id", patientID.String()),
		attribute.Bool("reservation.preserve_balance", opts.PreserveBalance),
	)
	started := time.Now()

	res, err := c.createReservation(ctx, slotID, patientID, opts)
	outcome := "reserved"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		span.RecordError(err)
	}
	c.metrics.ObserveReservation(outcome, time.Since(started).Seconds())
	if err != nil {
		c.logger.Info("reservation rejected", "slot_id", slotID, "patient_id", patientID, "outcome", outcome, "error", err)
		return nil, err
	}

	if res.Allocation != nil {
		c.metrics.ObserveDebit(string(res.Allocation.Kind))
	}
	c.logger.Info("consultation reserved",
		"consultation_id", res.Consultation.ID,
		"slot_id", slotID,
		"patient_id", patientID,
		"provider_id", res.Consultation.ProviderID,
		"origin", res.Consultation.StatusOrigin,
	)
	c.dispatcher.Reserved(ctx, dispatch.ReservedEvent{Consultation: res.Consultation, Session: res.Session})
	return res, nil
}

func (c *Coordinator) createReservation(ctx context.Context, slotID, patientID uuid.UUID, opts Options) (*Reservation, error) {
	// Read-only checks give fast, specific answers; everything is re-checked under lock.
	avail, err := c.CheckAvailability(ctx, slotID, patientID)
	if err != nil {
		return nil, apperr.TransactionFailure(err)
	}
	if err := avail.Err(); err != nil {
		return nil, err
	}
	if !opts.PreserveBalance {
		_, ok, err := c.CheckBalance(ctx, patientID)
		if err != nil {
			return nil, apperr.TransactionFailure(err)
		}
		if !ok {
			return nil, apperr.InsufficientBalance("you don't have a usable balance to book this session")
		}
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return nil, apperr.TransactionFailure(fmt.Errorf("reservations: begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	res, err := c.ReserveTx(ctx, tx, slotID, patientID, opts)
	if err != nil {
		return nil, apperr.TransactionFailure(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.TransactionFailure(fmt.Errorf("reservations: commit: %w", err))
	}
	return res, nil
}

// ReserveTx performs the reservation inside a caller-owned transaction. The
// lifecycle service uses it to book the replacement slot of a reschedule in the
// same transaction that retires the old consultation.
func (c *Coordinator) ReserveTx(ctx context.Context, tx balance.Querier, slotID, patientID uuid.UUID, opts Options) (*Reservation, error) {
	now := c.clock.Now()
	loc := c.clock.Location()
	slotStore := slots.NewStore(tx)
	store := consultations.NewStore(tx)

	slot, err := slotStore.GetForUpdate(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if opts.ActingProviderID != nil && slot.ProviderID != *opts.ActingProviderID {
		return nil, apperr.InvalidState("this slot belongs to another provider")
	}
	if err := slotStore.LockPatient(ctx, patientID); err != nil {
		return nil, err
	}
	avail, err := c.validator.CheckSlot(ctx, slotStore, slot, patientID)
	if err != nil {
		return nil, err
	}
	if err := avail.Err(); err != nil {
		return nil, err
	}
	if err := slotStore.Reserve(ctx, slot.ID, patientID, now); err != nil {
		return nil, err
	}

	start, err := clock.Combine(slot.Date, slot.Time, loc)
	if err != nil {
		return nil, err
	}

	origin := opts.Origin
	if origin == "" {
		origin = OriginPatient
	}
	consultation := consultations.Consultation{
		ID:           uuid.New(),
		PatientID:    patientID,
		ProviderID:   slot.ProviderID,
		SlotID:       slot.ID,
		Date:         slot.Date,
		Time:         slot.Time,
		Status:       consultations.StatusReserved,
		StatusOrigin: origin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var alloc *balance.Allocation
	if opts.PreserveBalance {
		if opts.PriorConsultationID != nil {
			prior, err := store.Get(ctx, *opts.PriorConsultationID)
			if err != nil {
				return nil, err
			}
			if prior.PatientID != patientID {
				return nil, apperr.InvalidState("the original consultation belongs to another patient")
			}
			consultation.PlanCycleID = prior.PlanCycleID
			consultation.BalanceSource = prior.BalanceSource
			consultation.BalanceRecordID = prior.BalanceRecordID
			consultation.AmountCents = prior.AmountCents
			consultation.RescheduledFrom = &prior.ID
		}
	} else {
		debited, err := c.resolver.Debit(ctx, tx, patientID, now)
		if err != nil {
			return nil, err
		}
		kind := debited.Kind
		record := debited.RecordID
		consultation.BalanceSource = &kind
		consultation.BalanceRecordID = &record
		consultation.PlanCycleID = debited.PlanCycleID()
		alloc = &debited
	}

	patientUID, providerUID := ParticipantUIDs(patientID, slot.ProviderID)
	session := consultations.SessionRecord{
		ID:             uuid.New(),
		ConsultationID: consultation.ID,
		ScheduledAt:    start,
		RoomID:         "room-" + consultation.ID.String(),
		PatientUID:     patientUID,
		ProviderUID:    providerUID,
		Status:         consultations.SessionScheduled,
	}

	if err := store.Insert(ctx, &consultation); err != nil {
		return nil, err
	}
	if err := store.InsertSession(ctx, &session); err != nil {
		return nil, err
	}

	evt := events.ConsultationReservedV1{
		ConsultationID: consultation.ID,
		PatientID:      patientID,
		ProviderID:     slot.ProviderID,
		SlotID:         slot.ID,
		ScheduledAt:    start,
		BalanceRecord:  consultation.BalanceRecordID,
		PreservedFrom:  consultation.RescheduledFrom,
		OccurredAt:     now,
	}
	if consultation.BalanceSource != nil {
		evt.BalanceSource = string(*consultation.BalanceSource)
	}
	if _, err := events.NewOutboxStore(tx).Insert(ctx, consultation.ID.String(), events.TypeConsultationReserved, evt); err != nil {
		return nil, err
	}

	slot.Status = slots.StatusReserved
	slot.PatientID = &patientID
	return &Reservation{Consultation: consultation, Session: session, Slot: *slot, Allocation: alloc}, nil
}

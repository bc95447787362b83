package lifecycle

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
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
	"github.com/wolfman30/telehealth-booking/internal/observability/metrics"
	"github.com/wolfman30/telehealth-booking/internal/reservations"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

var lifecycleTracer = otel.Tracer("booking.internal.lifecycle")

// Role is the capacity an actor acts in.
type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

func (r Role) privileged() bool { return r == RoleAdmin || r == RoleSystem }

// Actor is whoever requested a transition.
type Actor struct {
	ID   uuid.UUID
	Role Role
	IP   string
}

// SystemActor is used by jobs and sweeps.
var SystemActor = Actor{Role: RoleSystem}

// Config carries the time rules.
type Config struct {
	CancellationNotice    time.Duration
	ForceMajeureExtension time.Duration
	NoShowGrace           time.Duration
	SessionDuration       time.Duration
	RoomEarlyEntry        time.Duration
	SweepBatchSize        int
	// SweepMaxFailures parks a consultation the completion sweep failed on this often.
	SweepMaxFailures int
}

// TokenIssuer issues both room tokens once and returns the stored pair afterwards.
type TokenIssuer interface {
	EnsureTokens(ctx context.Context, consultationID uuid.UUID) (patientToken, providerToken string, err error)
}

// DocumentStore keeps supporting documents and returns a retrievable URL.
type DocumentStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
}

// Document is a supporting file attached to a cancellation or force-majeure claim.
type Document struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

const maxDocumentSize = 10 << 20

func documentExtension(contentType string) (string, bool) {
	switch contentType {
	case "application/pdf":
		return ".pdf", true
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return ".docx", true
	case "image/jpeg":
		return ".jpg", true
	case "image/png":
		return ".png", true
	}
	return "", false
}

// Outcome describes a committed transition.
type Outcome struct {
	Consultation consultations.Consultation `json:"consultation"`
	Transition   Transition                 `json:"transition"`
	Refunded     bool                       `json:"refunded"`
	Payout       bool                       `json:"payout"`
	ForceMajeure bool                       `json:"force_majeure"`
	Protocol     *uuid.UUID                 `json:"protocol,omitempty"`
}

// Service is the consultation state machine.
type Service struct {
	db          reservations.DB
	coordinator *reservations.Coordinator
	resolver    *balance.Resolver
	clock       clock.Clock
	cfg         Config
	dispatcher  *dispatch.Dispatcher
	tokens      TokenIssuer
	documents   DocumentStore
	metrics     *metrics.BookingMetrics
	logger      *logging.Logger
}

// Option customizes the service.
type Option func(*Service)

func WithTokenIssuer(t TokenIssuer) Option { return func(s *Service) { s.tokens = t } }
func WithDocumentStore(d DocumentStore) Option { return func(s *Service) { s.documents = d } }
func WithMetrics(m *metrics.BookingMetrics) Option { return func(s *Service) { s.metrics = m } }

func NewService(db reservations.DB, coordinator *reservations.Coordinator, resolver *balance.Resolver, c clock.Clock, cfg Config, dispatcher *dispatch.Dispatcher, logger *logging.Logger, opts ...Option) *Service {
	if db == nil || coordinator == nil || resolver == nil || c == nil {
		panic("lifecycle: db, coordinator, resolver and clock required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if cfg.SweepMaxFailures <= 0 {
		cfg.SweepMaxFailures = 5
	}
	s := &Service{
		db:          db,
		coordinator: coordinator,
		resolver:    resolver,
		clock:       c,
		cfg:         cfg,
		dispatcher:  dispatcher,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return apperr.TransactionFailure(fmt.Errorf("lifecycle: begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return apperr.TransactionFailure(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.TransactionFailure(fmt.Errorf("lifecycle: commit: %w", err))
	}
	return nil
}

func (s *Service) startOf(c *consultations.Consultation) (time.Time, error) {
	return clock.Combine(c.Date, c.Time, s.clock.Location())
}

func (s *Service) noticeError() error {
	return apperr.InvalidState("cancellations and reschedules need at least %d hours notice; contact support for exceptions",
		int(s.cfg.CancellationNotice.Hours()))
}

// sideOf resolves which party the actor acts for. Privileged actors name the side explicitly.
func sideOf(c *consultations.Consultation, actor Actor, requested consultations.Party) (consultations.Party, error) {
	if actor.Role.privileged() {
		if requested == "" {
			return consultations.PartyPatient, nil
		}
		return requested, nil
	}
	party, ok := c.PartyOf(actor.ID)
	if !ok {
		return "", apperr.NotFound("consultation not found")
	}
	return party, nil
}

// noticeCheck decides whether the notice rule lets a cancel or reschedule through.
// forceMajeure reports whether an approved claim exists.
func (s *Service) noticeCheck(ctx context.Context, tx balance.Querier, c *consultations.Consultation, now time.Time) (inWindow, forceMajeure bool, err error) {
	start, err := s.startOf(c)
	if err != nil {
		return false, false, err
	}
	inWindow = start.Sub(now) >= s.cfg.CancellationNotice
	forceMajeure, err = NewRecordStore(tx).HasApprovedForceMajeure(ctx, c.ID)
	if err != nil {
		return false, false, err
	}
	return inWindow, forceMajeure, nil
}

func (s *Service) finish(ctx context.Context, actor Actor, c consultations.Consultation, a applied, protocol *uuid.UUID, reason string) {
	s.metrics.ObserveTransition(string(a.Transition))
	s.logger.Info("consultation transitioned",
		"consultation_id", c.ID,
		"transition", a.Transition,
		"from", a.Previous,
		"to", c.Status,
		"actor_role", actor.Role,
		"refunded", a.Refunded,
		"payout", a.Policy.Payout,
	)
	s.dispatcher.Transitioned(ctx, dispatch.TransitionEvent{
		Consultation: c,
		Transition:   string(a.Transition),
		Previous:     a.Previous,
		ActorID:      actor.ID,
		ActorType:    string(actor.Role),
		Reason:       reason,
		Protocol:     protocol,
		IP:           actor.IP,
		Refunded:     a.Refunded,
	})
}

func outcomeOf(c consultations.Consultation, a applied) *Outcome {
	return &Outcome{Consultation: c, Transition: a.Transition, Refunded: a.Refunded, Payout: a.Policy.Payout}
}

// storeDocument validates and uploads a supporting document. Upload failures are
// logged and the request proceeds without a link.
func (s *Service) storeDocument(ctx context.Context, consultationID uuid.UUID, kind string, doc *Document) (*string, error) {
	if doc == nil {
		return nil, nil
	}
	contentType := strings.ToLower(strings.TrimSpace(strings.Split(doc.ContentType, ";")[0]))
	ext, ok := documentExtension(contentType)
	if !ok {
		return nil, apperr.Validation("supporting documents must be PDF, DOCX, JPG or PNG")
	}
	if doc.Size > maxDocumentSize {
		return nil, apperr.Validation("supporting documents must be at most 10 MB")
	}
	if s.documents == nil {
		s.logger.Warn("document store not configured, dropping attachment", "consultation_id", consultationID, "filename", doc.Filename)
		return nil, nil
	}
	key := path.Join("consultations", consultationID.String(), kind+"-"+uuid.NewString()+ext)
	url, err := s.documents.Upload(ctx, key, contentType, doc.Body, doc.Size)
	if err != nil {
		s.logger.Warn("document upload failed", "consultation_id", consultationID, "error", err)
		s.metrics.ObserveSideEffectFailure("documents")
		return nil, nil
	}
	return &url, nil
}

// CancelRequest asks to cancel a reserved consultation.
type CancelRequest struct {
	ConsultationID uuid.UUID
	Actor          Actor
	Reason         string
	// Override lets admins and the system cancel inside the notice window. The
	// out-of-window policy of Side applies.
	Override bool
	Side     consultations.Party
	Document *Document
}

// Cancel cancels a consultation that starts at least the notice period from now,
// or sooner when an approved force-majeure claim exists or an admin overrides.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (*Outcome, error) {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.cancel")
	defer span.End()
	span.SetAttributes(
		attribute.String("consultation.id", req.ConsultationID.String()),
		attribute.String("actor.role", string(req.Actor.Role)),
	)

	docURL, err := s.storeDocument(ctx, req.ConsultationID, "cancellation", req.Document)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var (
		out      *Outcome
		result   applied
		protocol = uuid.New()
	)
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := consultations.NewStore(tx).GetForUpdate(ctx, req.ConsultationID)
		if err != nil {
			return err
		}
		side, err := sideOf(c, req.Actor, req.Side)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			return apperr.InvalidState("cannot act on a consultation already in status %s", c.Status)
		}
		inWindow, fm, err := s.noticeCheck(ctx, tx, c, now)
		if err != nil {
			return err
		}

		var t Transition
		switch {
		case inWindow || fm:
			t = cancelTransition(side, true)
		case req.Override && req.Actor.Role.privileged():
			t = cancelTransition(side, false)
		default:
			return s.noticeError()
		}

		result, err = s.apply(ctx, tx, c, t, string(req.Actor.Role), now)
		if err != nil {
			return err
		}
		if fm {
			if err := s.resolver.Extend(ctx, tx, c.BalanceRef(), s.cfg.ForceMajeureExtension, now); err != nil {
				return err
			}
		}
		if err := NewRecordStore(tx).Insert(ctx, &CancellationRecord{
			ID:             uuid.New(),
			ConsultationID: c.ID,
			Protocol:       protocol,
			Kind:           RecordCancellation,
			Status:         RecordPending,
			ActorID:        req.Actor.ID,
			ActorType:      string(req.Actor.Role),
			Reason:         req.Reason,
			DocumentURL:    docURL,
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		out = outcomeOf(*c, result)
		out.ForceMajeure = fm
		out.Protocol = &protocol
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.finish(ctx, req.Actor, out.Consultation, result, &protocol, req.Reason)
	return out, nil
}

// RescheduleRequest moves a patient's booking to another slot.
type RescheduleRequest struct {
	ConsultationID uuid.UUID
	NewSlotID      uuid.UUID
	Actor          Actor
}

// RescheduleOutcome holds the retired consultation and its replacement.
type RescheduleOutcome struct {
	Previous    Outcome                   `json:"previous"`
	Reservation *reservations.Reservation `json:"reservation"`
}

// Reschedule retires the consultation and books the new slot in the same
// transaction, carrying the original funding so no second unit is consumed.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (*RescheduleOutcome, error) {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.reschedule")
	defer span.End()
	span.SetAttributes(
		attribute.String("consultation.id", req.ConsultationID.String()),
		attribute.String("slot.id", req.NewSlotID.String()),
	)

	now := s.clock.Now()
	var (
		out    *RescheduleOutcome
		result applied
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := consultations.NewStore(tx).GetForUpdate(ctx, req.ConsultationID)
		if err != nil {
			return err
		}
		side, err := sideOf(c, req.Actor, consultations.PartyPatient)
		if err != nil {
			return err
		}
		if side != consultations.PartyPatient {
			return apperr.InvalidState("only the patient can reschedule this consultation")
		}
		if c.Status.IsTerminal() {
			return apperr.InvalidState("cannot act on a consultation already in status %s", c.Status)
		}
		inWindow, fm, err := s.noticeCheck(ctx, tx, c, now)
		if err != nil {
			return err
		}
		if !inWindow && !fm {
			return s.noticeError()
		}

		result, err = s.apply(ctx, tx, c, PatientReschedule, string(req.Actor.Role), now)
		if err != nil {
			return err
		}
		if fm {
			if err := s.resolver.Extend(ctx, tx, c.BalanceRef(), s.cfg.ForceMajeureExtension, now); err != nil {
				return err
			}
		}

		res, err := s.coordinator.ReserveTx(ctx, tx, req.NewSlotID, c.PatientID, reservations.Options{
			PreserveBalance:     true,
			PriorConsultationID: &c.ID,
			Origin:              reservations.OriginReschedule,
		})
		if err != nil {
			return err
		}

		prev := outcomeOf(*c, result)
		prev.ForceMajeure = fm
		out = &RescheduleOutcome{Previous: *prev, Reservation: res}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.finish(ctx, req.Actor, out.Previous.Consultation, result, nil, "rescheduled")
	s.dispatcher.Reserved(ctx, dispatch.ReservedEvent{Consultation: out.Reservation.Consultation, Session: out.Reservation.Session})
	return out, nil
}

// ProviderRescheduleInRoom is the provider giving up a session from inside the
// room. The patient gets the unit back and no settlement is requested.
func (s *Service) ProviderRescheduleInRoom(ctx context.Context, consultationID uuid.UUID, actor Actor) (*Outcome, error) {
	return s.inRoom(ctx, consultationID, actor, ProviderRescheduleInRoom, "provider rescheduled from the room")
}

// ProviderCancelInRoom is the provider closing a session the patient is at fault
// for. The unit is kept and settlement is requested.
func (s *Service) ProviderCancelInRoom(ctx context.Context, consultationID uuid.UUID, actor Actor, reason string) (*Outcome, error) {
	return s.inRoom(ctx, consultationID, actor, ProviderCancelInRoom, reason)
}

func (s *Service) inRoom(ctx context.Context, consultationID uuid.UUID, actor Actor, t Transition, reason string) (*Outcome, error) {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.in_room")
	defer span.End()
	span.SetAttributes(
		attribute.String("consultation.id", consultationID.String()),
		attribute.String("transition", string(t)),
	)

	now := s.clock.Now()
	var (
		out      *Outcome
		result   applied
		protocol *uuid.UUID
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		store := consultations.NewStore(tx)
		c, err := store.GetForUpdate(ctx, consultationID)
		if err != nil {
			return err
		}
		side, err := sideOf(c, actor, consultations.PartyProvider)
		if err != nil {
			return err
		}
		if side != consultations.PartyProvider {
			return apperr.InvalidState("only the provider can do this from the session room")
		}
		session, err := store.GetSession(ctx, c.ID)
		if err != nil {
			return err
		}
		if p, _ := PolicyFor(t); p.ProviderInRoom && !session.Joined(consultations.PartyProvider) {
			return apperr.InvalidState("the provider must be in the session room")
		}

		result, err = s.apply(ctx, tx, c, t, string(actor.Role), now)
		if err != nil {
			return err
		}
		out = outcomeOf(*c, result)

		if t == ProviderCancelInRoom {
			p := uuid.New()
			if err := NewRecordStore(tx).Insert(ctx, &CancellationRecord{
				ID:             uuid.New(),
				ConsultationID: c.ID,
				Protocol:       p,
				Kind:           RecordCancellation,
				Status:         RecordPending,
				ActorID:        actor.ID,
				ActorType:      string(actor.Role),
				Reason:         reason,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
			protocol = &p
			out.Protocol = protocol
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.finish(ctx, actor, out.Consultation, result, protocol, reason)
	return out, nil
}

// RoomAccess is what a participant needs to join the video room.
type RoomAccess struct {
	ConsultationID uuid.UUID           `json:"consultation_id"`
	RoomID         string              `json:"room_id"`
	Party          consultations.Party `json:"party"`
	UID            uint32              `json:"uid"`
	Token          string              `json:"token,omitempty"`
	ScheduledAt    time.Time           `json:"scheduled_at"`
}

// EnterRoom admits a participant shortly before and during the session. The first
// entry moves the consultation to in progress.
func (s *Service) EnterRoom(ctx context.Context, consultationID uuid.UUID, actor Actor) (*RoomAccess, error) {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.enter_room")
	defer span.End()
	span.SetAttributes(attribute.String("consultation.id", consultationID.String()))

	store := consultations.NewStore(s.db)
	c, err := store.Get(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	party, ok := c.PartyOf(actor.ID)
	if !ok {
		return nil, apperr.NotFound("consultation not found")
	}
	if !c.Status.IsActive() {
		return nil, apperr.InvalidState("cannot act on a consultation already in status %s", c.Status)
	}
	session, err := store.GetSession(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if now.Before(session.ScheduledAt.Add(-s.cfg.RoomEarlyEntry)) {
		return nil, apperr.InvalidState("the room opens %d minutes before the session", int(s.cfg.RoomEarlyEntry.Minutes()))
	}
	if now.After(session.ScheduledAt.Add(s.cfg.SessionDuration)) {
		return nil, apperr.InvalidState("this session has already ended")
	}

	access := &RoomAccess{ConsultationID: c.ID, RoomID: session.RoomID, Party: party, ScheduledAt: session.ScheduledAt}
	access.UID = session.PatientUID
	if party == consultations.PartyProvider {
		access.UID = session.ProviderUID
	}
	if s.tokens != nil {
		patientToken, providerToken, err := s.tokens.EnsureTokens(ctx, c.ID)
		if err != nil {
			span.RecordError(err)
			return nil, apperr.TransactionFailure(fmt.Errorf("lifecycle: ensure tokens: %w", err))
		}
		access.Token = patientToken
		if party == consultations.PartyProvider {
			access.Token = providerToken
		}
	}

	var (
		started bool
		result  applied
		current consultations.Consultation
	)
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		txStore := consultations.NewStore(tx)
		locked, err := txStore.GetForUpdate(ctx, c.ID)
		if err != nil {
			return err
		}
		if !locked.Status.IsActive() {
			return apperr.InvalidState("cannot act on a consultation already in status %s", locked.Status)
		}
		if err := txStore.RecordJoin(ctx, locked.ID, party, now); err != nil {
			return err
		}
		if locked.Status != consultations.StatusInProgress {
			result, err = s.apply(ctx, tx, locked, Start, string(party), now)
			if err != nil {
				return err
			}
			started = true
		}
		current = *locked
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.logger.Info("participant entered room", "consultation_id", c.ID, "party", party)
	if started {
		s.finish(ctx, actor, current, result, nil, "")
	}
	return access, nil
}

// Complete finishes a consultation. Unless force is set both participants must
// have joined. Completing a completed consultation is a no-op.
func (s *Service) Complete(ctx context.Context, consultationID uuid.UUID, force bool) (*Outcome, error) {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("consultation.id", consultationID.String()),
		attribute.Bool("force", force),
	)

	now := s.clock.Now()
	var (
		out    *Outcome
		result applied
		done   bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		store := consultations.NewStore(tx)
		c, err := store.GetForUpdate(ctx, consultationID)
		if err != nil {
			return err
		}
		if c.Status == consultations.StatusCompleted {
			done = true
			out = &Outcome{Consultation: *c, Transition: Complete}
			return nil
		}
		if !force {
			session, err := store.GetSession(ctx, c.ID)
			if err != nil {
				return err
			}
			if !session.Joined(consultations.PartyPatient) || !session.Joined(consultations.PartyProvider) {
				return apperr.InvalidState("both participants must join before the session can be completed")
			}
		}
		result, err = s.apply(ctx, tx, c, Complete, string(RoleSystem), now)
		if err != nil {
			return err
		}
		out = outcomeOf(*c, result)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !done {
		s.finish(ctx, SystemActor, out.Consultation, result, nil, "")
	}
	return out, nil
}

// CancelAutomatic is the no-show path for a session nobody started. Consultations
// that already moved on are left alone and nil is returned.
func (s *Service) CancelAutomatic(ctx context.Context, consultationID uuid.UUID) (*Outcome, error) {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.cancel_automatic")
	defer span.End()
	span.SetAttributes(attribute.String("consultation.id", consultationID.String()))

	now := s.clock.Now()
	var (
		out    *Outcome
		result applied
		reason string
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := consultations.NewStore(tx).GetForUpdate(ctx, consultationID)
		if err != nil {
			return err
		}
		if c.Status != consultations.StatusReserved && c.Status != consultations.StatusScheduled {
			return nil
		}
		start, err := s.startOf(c)
		if err != nil {
			return err
		}
		reason = "the session was not started"
		if start.Sub(c.CreatedAt) < s.cfg.CancellationNotice {
			reason = "the session was not started; it was booked inside the cancellation notice period"
		}
		result, err = s.apply(ctx, tx, c, MarkNoShowPatient, string(RoleSystem), now)
		if err != nil {
			return err
		}
		out = outcomeOf(*c, result)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if out != nil {
		s.finish(ctx, SystemActor, out.Consultation, result, nil, reason)
	}
	return out, nil
}

// CheckAttendance marks the absent side of an in-progress session as a no-show.
// Returns nil when there is nothing to do.
func (s *Service) CheckAttendance(ctx context.Context, consultationID uuid.UUID) (*Outcome, error) {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.check_attendance")
	defer span.End()
	span.SetAttributes(attribute.String("consultation.id", consultationID.String()))

	now := s.clock.Now()
	var (
		out    *Outcome
		result applied
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		store := consultations.NewStore(tx)
		c, err := store.GetForUpdate(ctx, consultationID)
		if err != nil {
			return err
		}
		if c.Status != consultations.StatusInProgress {
			return nil
		}
		session, err := store.GetSession(ctx, c.ID)
		if err != nil {
			return err
		}
		patientIn := session.Joined(consultations.PartyPatient)
		providerIn := session.Joined(consultations.PartyProvider)

		var t Transition
		switch {
		case patientIn && !providerIn:
			t = MarkNoShowProvider
		case providerIn && !patientIn:
			t = MarkNoShowPatient
		default:
			return nil
		}
		result, err = s.apply(ctx, tx, c, t, string(RoleSystem), now)
		if err != nil {
			return err
		}
		out = outcomeOf(*c, result)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if out != nil {
		s.finish(ctx, SystemActor, out.Consultation, result, nil, "attendance check")
	}
	return out, nil
}

// SweepCompleted completes every live consultation whose session time is over.
// Each one goes through Complete so side effects stay consistent; failures are
// logged and the sweep moves on.
func (s *Service) SweepCompleted(ctx context.Context) (int, error) {
	ctx, span := lifecycleTracer.Start(ctx, "lifecycle.sweep_completed")
	defer span.End()

	cutoff := s.clock.Now().Add(-s.cfg.SessionDuration)
	store := consultations.NewStore(s.db)
	ids, err := store.ListDueForCompletion(ctx, cutoff, s.cfg.SweepMaxFailures, s.cfg.SweepBatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	completed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		if _, err := s.Complete(ctx, id, true); err != nil {
			s.sweepFailed(ctx, store, id, err)
			continue
		}
		completed++
	}
	span.SetAttributes(attribute.Int("sweep.completed", completed))
	if completed > 0 {
		s.logger.Info("completion sweep finished", "completed", completed, "due", len(ids))
	}
	return completed, nil
}

func (s *Service) sweepFailed(ctx context.Context, store *consultations.Store, id uuid.UUID, cause error) {
	failures, err := store.RecordSweepFailure(ctx, id)
	if err != nil {
		s.logger.Error("failed to record completion sweep failure", "consultation_id", id, "error", err)
	}
	if failures >= s.cfg.SweepMaxFailures {
		s.logger.Error("completion sweep parked consultation", "consultation_id", id, "failures", failures, "error", cause)
		s.metrics.ObserveSideEffectFailure("completion_sweep")
		return
	}
	s.logger.Warn("completion sweep skipped consultation", "consultation_id", id, "failures", failures, "error", cause)
}

// ForceMajeureRequest is a participant's claim for an exceptional cancellation.
type ForceMajeureRequest struct {
	ConsultationID uuid.UUID
	Actor          Actor
	Reason         string
	Document       *Document
}

// RequestForceMajeure files a pending claim for later adjudication.
func (s *Service) RequestForceMajeure(ctx context.Context, req ForceMajeureRequest) (*CancellationRecord, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, apperr.Validation("a reason is required")
	}
	c, err := consultations.NewStore(s.db).Get(ctx, req.ConsultationID)
	if err != nil {
		return nil, err
	}
	if _, err := sideOf(c, req.Actor, ""); err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, apperr.InvalidState("cannot act on a consultation already in status %s", c.Status)
	}
	docURL, err := s.storeDocument(ctx, c.ID, "force-majeure", req.Document)
	if err != nil {
		return nil, err
	}

	r := &CancellationRecord{
		ID:             uuid.New(),
		ConsultationID: c.ID,
		Protocol:       uuid.New(),
		Kind:           RecordForceMajeure,
		Status:         RecordPending,
		ActorID:        req.Actor.ID,
		ActorType:      string(req.Actor.Role),
		Reason:         strings.TrimSpace(req.Reason),
		DocumentURL:    docURL,
		CreatedAt:      s.clock.Now(),
	}
	if err := NewRecordStore(s.db).Insert(ctx, r); err != nil {
		return nil, apperr.TransactionFailure(err)
	}
	s.logger.Info("force majeure requested", "consultation_id", c.ID, "protocol", r.Protocol, "actor_role", req.Actor.Role)
	return r, nil
}

// DecideCancellationRecord approves or rejects a pending record.
func (s *Service) DecideCancellationRecord(ctx context.Context, recordID uuid.UUID, approve bool, admin Actor) (*CancellationRecord, error) {
	r, err := NewRecordStore(s.db).Decide(ctx, recordID, approve, admin.ID, s.clock.Now())
	if err != nil {
		return nil, apperr.TransactionFailure(err)
	}
	s.logger.Info("cancellation record decided", "record_id", r.ID, "consultation_id", r.ConsultationID, "status", r.Status)
	return r, nil
}

// GetConsultation returns a consultation with its session record to one of its
// participants or an admin.
func (s *Service) GetConsultation(ctx context.Context, consultationID uuid.UUID, viewer Actor) (*consultations.Details, error) {
	store := consultations.NewStore(s.db)
	c, err := store.Get(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if _, ok := c.PartyOf(viewer.ID); !ok && !viewer.Role.privileged() {
		return nil, apperr.NotFound("consultation not found")
	}
	details := &consultations.Details{Consultation: *c}
	session, err := store.GetSession(ctx, c.ID)
	switch {
	case err == nil:
		details.Session = session
	case apperr.KindOf(err) != apperr.KindNotFound:
		return nil, err
	}
	return details, nil
}

// ListPatientConsultations lists a patient's consultations dated within [from, to].
func (s *Service) ListPatientConsultations(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]consultations.Consultation, error) {
	if to.Before(from) {
		return nil, apperr.Validation("the end of the range must not be before its start")
	}
	return consultations.NewStore(s.db).ListByPatient(ctx, patientID, from, to)
}

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-booking/internal/consultations"
	"github.com/wolfman30/telehealth-booking/internal/observability/metrics"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

const defaultEffectTimeout = 30 * time.Second

// Timing holds the offsets of the delayed jobs relative to the scheduled start.
type Timing struct {
	NoShowGrace     time.Duration
	SessionDuration time.Duration
}

// ReservedEvent follows a committed reservation.
type ReservedEvent struct {
	Consultation consultations.Consultation
	Session      consultations.SessionRecord
}

// TransitionEvent follows a committed lifecycle transition.
type TransitionEvent struct {
	Consultation consultations.Consultation
	Transition   string
	Previous     consultations.Status
	ActorID      uuid.UUID
	ActorType    string
	Reason       string
	// Protocol is set when the transition produced a cancellation record.
	Protocol *uuid.UUID
	IP       string
	Refunded bool
}

// Dispatcher fans committed changes out to collaborators. Every effect runs on
// its own goroutine with a context detached from the request; failures are logged
// and counted, never returned.
type Dispatcher struct {
	notifier Notifier
	emailer  Emailer
	calendar CalendarSync
	jobs     JobScheduler
	audit    AuditLog
	dir      Directory
	links    CalendarLinks
	metrics  *metrics.BookingMetrics
	logger   *logging.Logger
	timing   Timing
	timeout  time.Duration

	wg sync.WaitGroup
}

// Option customizes the dispatcher. Collaborators left unset are skipped.
type Option func(*Dispatcher)

func WithNotifier(n Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }
func WithEmailer(e Emailer) Option { return func(d *Dispatcher) { d.emailer = e } }
func WithCalendar(c CalendarSync) Option { return func(d *Dispatcher) { d.calendar = c } }
func WithJobs(j JobScheduler) Option { return func(d *Dispatcher) { d.jobs = j } }
func WithAuditLog(a AuditLog) Option { return func(d *Dispatcher) { d.audit = a } }
func WithDirectory(dir Directory) Option { return func(d *Dispatcher) { d.dir = dir } }
func WithCalendarLinks(l CalendarLinks) Option { return func(d *Dispatcher) { d.links = l } }
func WithMetrics(m *metrics.BookingMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTimeout bounds each effect.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func New(timing Timing, logger *logging.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dispatcher{logger: logger, timing: timing, timeout: defaultEffectTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Wait blocks until every effect started so far has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) spawn(ctx context.Context, effect string, fn func(context.Context) error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("side effect panicked", "effect", effect, "panic", fmt.Sprint(r))
				d.metrics.ObserveSideEffectFailure(effect)
			}
		}()
		if err := fn(ctx); err != nil {
			d.logger.Warn("side effect failed", "effect", effect, "error", err)
			d.metrics.ObserveSideEffectFailure(effect)
		}
	}()
}

// Reserved schedules the consultation's jobs, confirms the booking to both sides
// and creates the calendar event.
func (d *Dispatcher) Reserved(ctx context.Context, evt ReservedEvent) {
	if d == nil {
		return
	}
	c := evt.Consultation
	start := evt.Session.ScheduledAt

	if d.jobs != nil {
		d.spawn(ctx, "jobs", func(ctx context.Context) error {
			for kind, at := range d.jobTimes(start) {
				if err := d.jobs.Schedule(ctx, kind, c.ID, at); err != nil {
					return fmt.Errorf("schedule %s: %w", kind, err)
				}
			}
			return nil
		})
	}

	payload := map[string]any{
		"consultation_id": c.ID,
		"status":          c.Status,
		"date":            c.Date.Format("2006-01-02"),
		"time":            c.Time,
		"scheduled_at":    start,
		"room_id":         evt.Session.RoomID,
	}
	d.notifyBoth(ctx, c, "consultation.reserved", payload)

	if d.dir == nil {
		return
	}
	if d.emailer != nil {
		d.spawn(ctx, "email", func(ctx context.Context) error {
			patient, provider, err := d.participants(ctx, c)
			if err != nil {
				return err
			}
			data := templateData(c, start, patient, provider)
			if err := d.emailer.SendTemplate(ctx, patient, "reservation_confirmed", data); err != nil {
				return err
			}
			return d.emailer.SendTemplate(ctx, provider, "reservation_received", data)
		})
	}
	if d.calendar != nil {
		d.spawn(ctx, "calendar", func(ctx context.Context) error {
			patient, provider, err := d.participants(ctx, c)
			if err != nil {
				return err
			}
			eventID, err := d.calendar.CreateEvent(ctx, patient, provider, start, d.timing.SessionDuration)
			if err != nil {
				return err
			}
			if d.links == nil {
				return nil
			}
			return d.links.SaveCalendarEvent(ctx, c.ID, eventID)
		})
	}
}

func (d *Dispatcher) jobTimes(start time.Time) map[JobKind]time.Time {
	return map[JobKind]time.Time{
		JobIssueTokens:     start,
		JobAutoCancel:      start.Add(d.timing.NoShowGrace),
		JobAttendanceCheck: start.Add(d.timing.NoShowGrace),
		JobAutoComplete:    start.Add(d.timing.SessionDuration),
	}
}

// Transitioned drops pending jobs for finished consultations, informs both sides
// and writes the cancellation audit entry.
func (d *Dispatcher) Transitioned(ctx context.Context, evt TransitionEvent) {
	if d == nil {
		return
	}
	c := evt.Consultation

	if d.jobs != nil && c.Status.IsTerminal() {
		d.spawn(ctx, "jobs", func(ctx context.Context) error {
			return d.jobs.Cancel(ctx, c.ID)
		})
	}

	payload := map[string]any{
		"consultation_id": c.ID,
		"status":          c.Status,
		"previous_status": evt.Previous,
		"transition":      evt.Transition,
		"refunded":        evt.Refunded,
	}
	d.notifyBoth(ctx, c, "consultation.status_changed", payload)

	if d.audit != nil && evt.Protocol != nil {
		entry := CancellationAudit{
			ActorID:        evt.ActorID,
			ConsultationID: c.ID,
			Reason:         evt.Reason,
			Protocol:       *evt.Protocol,
			ActorType:      evt.ActorType,
			IP:             evt.IP,
		}
		d.spawn(ctx, "audit", func(ctx context.Context) error {
			return d.audit.RecordCancellation(ctx, entry)
		})
	}

	if d.emailer != nil && d.dir != nil {
		d.spawn(ctx, "email", func(ctx context.Context) error {
			patient, provider, err := d.participants(ctx, c)
			if err != nil {
				return err
			}
			data := templateData(c, time.Time{}, patient, provider)
			data["Transition"] = evt.Transition
			data["Reason"] = evt.Reason
			data["Refunded"] = evt.Refunded
			if evt.Protocol != nil {
				data["Protocol"] = evt.Protocol.String()
			}
			if err := d.emailer.SendTemplate(ctx, patient, "consultation_status_changed", data); err != nil {
				return err
			}
			return d.emailer.SendTemplate(ctx, provider, "consultation_status_changed", data)
		})
	}
}

func (d *Dispatcher) notifyBoth(ctx context.Context, c consultations.Consultation, event string, payload map[string]any) {
	if d.notifier == nil {
		return
	}
	d.spawn(ctx, "notify", func(ctx context.Context) error {
		if err := d.notifier.NotifyUser(ctx, c.PatientID, event, payload); err != nil {
			return err
		}
		return d.notifier.NotifyUser(ctx, c.ProviderID, event, payload)
	})
}

func (d *Dispatcher) participants(ctx context.Context, c consultations.Consultation) (Participant, Participant, error) {
	patient, err := d.dir.Lookup(ctx, c.PatientID)
	if err != nil {
		return Participant{}, Participant{}, fmt.Errorf("lookup patient: %w", err)
	}
	provider, err := d.dir.Lookup(ctx, c.ProviderID)
	if err != nil {
		return Participant{}, Participant{}, fmt.Errorf("lookup provider: %w", err)
	}
	return patient, provider, nil
}

func templateData(c consultations.Consultation, start time.Time, patient, provider Participant) map[string]any {
	data := map[string]any{
		"ConsultationID": c.ID.String(),
		"PatientName":    patient.Name,
		"ProviderName":   provider.Name,
		"Date":           c.Date.Format("02/01/2006"),
		"Time":           c.Time,
		"Status":         string(c.Status),
	}
	if !start.IsZero() {
		data["StartsAt"] = start
	}
	return data
}

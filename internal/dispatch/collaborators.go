// Package dispatch runs best-effort follow-up work after a booking transaction commits.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Participant is the contact card of one side of a consultation.
type Participant struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// Notifier pushes a realtime event to a connected user.
type Notifier interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, event string, payload any) error
}

// Emailer renders and sends a named template.
type Emailer interface {
	SendTemplate(ctx context.Context, to Participant, template string, data map[string]any) error
}

// CalendarSync creates an external calendar event and returns its id.
type CalendarSync interface {
	CreateEvent(ctx context.Context, patient, provider Participant, start time.Time, duration time.Duration) (string, error)
}

// JobKind names a delayed consultation job.
type JobKind string

const (
	JobIssueTokens     JobKind = "consultation:issue_tokens"
	JobAutoCancel      JobKind = "consultation:auto_cancel"
	JobAttendanceCheck JobKind = "consultation:attendance_check"
	JobAutoComplete    JobKind = "consultation:auto_complete"
)

// AllJobKinds lists every kind scheduled for a reservation.
var AllJobKinds = []JobKind{JobIssueTokens, JobAutoCancel, JobAttendanceCheck, JobAutoComplete}

// JobScheduler schedules delayed jobs. Scheduling the same kind for the same
// consultation twice must succeed without creating a second job.
type JobScheduler interface {
	Schedule(ctx context.Context, kind JobKind, consultationID uuid.UUID, at time.Time) error
	Cancel(ctx context.Context, consultationID uuid.UUID) error
}

// AuditLog records who cancelled what.
type AuditLog interface {
	RecordCancellation(ctx context.Context, entry CancellationAudit) error
}

// CancellationAudit is one cancellation audit entry.
type CancellationAudit struct {
	ActorID        uuid.UUID
	ConsultationID uuid.UUID
	Reason         string
	Protocol       uuid.UUID
	ActorType      string
	IP             string
}

// Directory resolves user contact details.
type Directory interface {
	Lookup(ctx context.Context, userID uuid.UUID) (Participant, error)
}

// CalendarLinks stores the external calendar event id for a consultation.
type CalendarLinks interface {
	SaveCalendarEvent(ctx context.Context, consultationID uuid.UUID, eventID string) error
}

// Package calendar mirrors consultations into Google Calendar.
package calendar

import (
	"context"
	"fmt"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/wolfman30/telehealth-booking/internal/dispatch"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// GoogleSync creates one event per consultation on a shared calendar and invites
// both participants.
type GoogleSync struct {
	events     *gcal.EventsService
	calendarID string
	logger     *logging.Logger
}

// NewGoogleSync builds the API client. credentialsFile may be empty when opts carry
// the credentials.
func NewGoogleSync(ctx context.Context, calendarID, credentialsFile string, logger *logging.Logger, opts ...option.ClientOption) (*GoogleSync, error) {
	if calendarID == "" {
		return nil, fmt.Errorf("calendar: calendar id required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: new service: %w", err)
	}
	return &GoogleSync{events: svc.Events, calendarID: calendarID, logger: logger}, nil
}

// CreateEvent inserts the event and returns its Google id.
func (g *GoogleSync) CreateEvent(ctx context.Context, patient, provider dispatch.Participant, start time.Time, duration time.Duration) (string, error) {
	event := &gcal.Event{
		Summary:     fmt.Sprintf("Consultation: %s with %s", patient.Name, provider.Name),
		Description: "Online consultation. Join from the consultation page a few minutes before the start.",
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: start.Location().String()},
		End:         &gcal.EventDateTime{DateTime: start.Add(duration).Format(time.RFC3339), TimeZone: start.Location().String()},
		Reminders: &gcal.EventReminders{
			UseDefault:      false,
			Overrides:       []*gcal.EventReminder{{Method: "email", Minutes: 24 * 60}, {Method: "popup", Minutes: 15}},
			ForceSendFields: []string{"UseDefault"},
		},
	}
	for _, p := range []dispatch.Participant{patient, provider} {
		if p.Email != "" {
			event.Attendees = append(event.Attendees, &gcal.EventAttendee{Email: p.Email, DisplayName: p.Name})
		}
	}

	created, err := g.events.Insert(g.calendarID, event).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("calendar: insert event: %w", err)
	}
	g.logger.Info("calendar event created", "event_id", created.Id, "start", start)
	return created.Id, nil
}

var _ dispatch.CalendarSync = (*GoogleSync)(nil)

package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/wolfman30/telehealth-booking/internal/dispatch"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

func TestGoogleSync_CreateEvent(t *testing.T) {
	var got gcal.Event
	var path, sendUpdates string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		sendUpdates = r.URL.Query().Get("sendUpdates")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"evt-123"}`))
	}))
	defer srv.Close()

	sync, err := NewGoogleSync(context.Background(), "agenda@group.calendar.google.com", "", logging.New("error"),
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	start := time.Date(2026, 3, 12, 10, 0, 0, 0, loc)

	id, err := sync.CreateEvent(context.Background(),
		dispatch.Participant{ID: uuid.New(), Name: "Ana", Email: "ana@example.com"},
		dispatch.Participant{ID: uuid.New(), Name: "Dr. Paulo"},
		start, 50*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "evt-123", id)
	assert.Equal(t, "/calendars/agenda@group.calendar.google.com/events", path)
	assert.Equal(t, "all", sendUpdates)
	assert.Equal(t, "2026-03-12T10:00:00-03:00", got.Start.DateTime)
	assert.Equal(t, "2026-03-12T10:50:00-03:00", got.End.DateTime)
	assert.Equal(t, "America/Sao_Paulo", got.Start.TimeZone)
	require.Len(t, got.Attendees, 1)
	assert.Equal(t, "ana@example.com", got.Attendees[0].Email)
}

func TestGoogleSync_PropagatesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	sync, err := NewGoogleSync(context.Background(), "primary", "", nil,
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = sync.CreateEvent(context.Background(), dispatch.Participant{}, dispatch.Participant{}, time.Now(), time.Hour)
	assert.Error(t, err)
}

func TestNewGoogleSync_RequiresCalendar(t *testing.T) {
	_, err := NewGoogleSync(context.Background(), "", "", nil)
	assert.Error(t, err)
}

package consultations

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/internal/balance"
)

var consultationCols = []string{
	"id", "patient_id", "provider_id", "slot_id", "consult_date", "consult_time", "status",
	"plan_cycle_id", "balance_source", "balance_record_id", "amount_cents", "billable", "status_origin",
	"rescheduled_from", "external_event_id", "created_at", "updated_at",
}

func TestStore_GetWithCalendarEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id, patient, provider, slot, cycle := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	source := "plan_cycle"
	event := "evt-123"

	mock.ExpectQuery(`FROM consultations c LEFT JOIN calendar_events e .* WHERE c.id = \$1 FOR UPDATE OF c`).WithArgs(id).
		WillReturnRows(pgxmock.NewRows(consultationCols).AddRow(
			id, patient, provider, slot, created, "10:00", "reserved",
			&cycle, &source, &cycle, nil, false, "patient",
			nil, &event, created, created))

	c, err := NewStore(mock).GetForUpdate(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, c.Status)
	require.NotNil(t, c.BalanceSource)
	assert.Equal(t, balance.KindPlanCycle, *c.BalanceSource)
	require.NotNil(t, c.CalendarEventID)
	assert.Equal(t, "evt-123", *c.CalendarEventID)
	assert.Nil(t, c.AmountCents)

	ref := c.BalanceRef()
	assert.Equal(t, patient, ref.PatientID)
	assert.Equal(t, balance.KindPlanCycle, ref.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery(`FROM consultations c`).WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err = NewStore(mock).Get(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestStore_UpdateStatusGuard(t *testing.T) {
	id := uuid.New()
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	update := StatusUpdate{
		From:   []Status{StatusReserved, StatusScheduled},
		To:     StatusCancelledByPatientInWindow,
		Origin: "patient",
		At:     at,
	}

	t.Run("applies", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE consultations .* WHERE id = \$1 AND status = ANY\(\$2\)`).
			WithArgs(id, []string{"reserved", "scheduled"}, "cancelled_by_patient_in_window", false, "patient", at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewStore(mock).UpdateStatus(context.Background(), id, update))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale state", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE consultations`).
			WithArgs(id, []string{"reserved", "scheduled"}, "cancelled_by_patient_in_window", false, "patient", at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = NewStore(mock).UpdateStatus(context.Background(), id, update)
		assert.ErrorIs(t, err, apperr.ErrInvalidState)
	})
}

func TestStore_RecordJoinPicksColumn(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`SET provider_joined_at = COALESCE\(provider_joined_at, \$2\)`).WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`SET patient_joined_at = COALESCE\(patient_joined_at, \$2\)`).WithArgs(id, at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewStore(mock)
	require.NoError(t, store.RecordJoin(context.Background(), id, PartyProvider, at))
	require.NoError(t, store.RecordJoin(context.Background(), id, PartyPatient, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetTokensOnce(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`patient_token IS NULL`).WithArgs(id, "p", "d", at).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`patient_token IS NULL`).WithArgs(id, "p2", "d2", at).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewStore(mock)
	set, err := store.SetTokens(context.Background(), id, "p", "d", at)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = store.SetTokens(context.Background(), id, "p2", "d2", at)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestStore_GetSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id, consultation := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 12, 13, 0, 0, 0, time.UTC)
	token := "tok"

	mock.ExpectQuery(`FROM session_records`).WithArgs(consultation).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "consultation_id", "scheduled_at", "room_id", "patient_uid", "provider_uid",
			"patient_token", "provider_token", "patient_joined_at", "provider_joined_at", "status",
		}).AddRow(id, consultation, at, "room-1", int64(4000000000), int64(12), &token, nil, &at, nil, "in_progress"))

	r, err := NewStore(mock).GetSession(context.Background(), consultation)
	require.NoError(t, err)
	assert.Equal(t, uint32(4000000000), r.PatientUID)
	assert.Equal(t, SessionInProgress, r.Status)
	assert.True(t, r.Joined(PartyPatient))
	assert.False(t, r.Joined(PartyProvider))
	assert.False(t, r.HasTokens())
}

func TestStore_ListDueForCompletion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cutoff := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery(`r.scheduled_at <= \$1 AND r.sweep_failures < \$2`).WithArgs(cutoff, 5, 100).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a).AddRow(b))

	ids, err := NewStore(mock).ListDueForCompletion(context.Background(), cutoff, 5, 100)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)
}

func TestStore_RecordSweepFailure(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	mock.ExpectQuery(`UPDATE session_records SET sweep_failures = sweep_failures \+ 1`).WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"sweep_failures"}).AddRow(3))

	n, err := NewStore(mock).RecordSweepFailure(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusSets(t *testing.T) {
	assert.True(t, StatusScheduled.IsActive())
	assert.True(t, StatusInProgress.IsActive())
	assert.False(t, StatusCompleted.IsActive())

	for _, s := range []Status{StatusCompleted, StatusRescheduled, StatusNoShowPatient, StatusCancelledByProviderOutOfWindow} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StatusReserved.IsTerminal())
	assert.False(t, StatusScheduled.IsTerminal())
}

func TestConsultation_PartyOf(t *testing.T) {
	c := &Consultation{PatientID: uuid.New(), ProviderID: uuid.New()}
	p, ok := c.PartyOf(c.ProviderID)
	assert.True(t, ok)
	assert.Equal(t, PartyProvider, p)

	_, ok = c.PartyOf(uuid.New())
	assert.False(t, ok)
}

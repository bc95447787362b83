package balance

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
)

const validity = 30 * 24 * time.Hour

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestResolver_PriorityOrder(t *testing.T) {
	patient := uuid.New()

	tests := []struct {
		name    string
		expect  func(mock pgxmock.PgxPoolIface, id uuid.UUID)
		want    Kind
		wantAny bool
	}{
		{
			name: "adhoc credit wins over everything",
			expect: func(mock pgxmock.PgxPoolIface, id uuid.UUID) {
				mock.ExpectQuery(`FROM adhoc_credits`).WithArgs(patient, now).
					WillReturnRows(pgxmock.NewRows([]string{"id", "quantity", "expires_at"}).AddRow(id, 2, now.Add(48*time.Hour)))
			},
			want:    KindAdHocCredit,
			wantAny: true,
		},
		{
			name: "single session credit before plan cycle",
			expect: func(mock pgxmock.PgxPoolIface, id uuid.UUID) {
				mock.ExpectQuery(`FROM adhoc_credits`).WithArgs(patient, now).WillReturnError(pgx.ErrNoRows)
				mock.ExpectQuery(`FROM single_session_credits`).WithArgs(patient, now, validity.Seconds()).
					WillReturnRows(pgxmock.NewRows([]string{"id", "quantity", "valid_until"}).AddRow(id, 1, now.Add(time.Hour)))
			},
			want:    KindSingleSessionCredit,
			wantAny: true,
		},
		{
			name: "plan cycle last",
			expect: func(mock pgxmock.PgxPoolIface, id uuid.UUID) {
				mock.ExpectQuery(`FROM adhoc_credits`).WithArgs(patient, now).WillReturnError(pgx.ErrNoRows)
				mock.ExpectQuery(`FROM single_session_credits`).WithArgs(patient, now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)
				mock.ExpectQuery(`FROM plan_cycles`).WithArgs(patient, now, validity.Seconds()).
					WillReturnRows(pgxmock.NewRows([]string{"id", "available_count", "valid_until"}).AddRow(id, 4, now.Add(time.Hour)))
			},
			want:    KindPlanCycle,
			wantAny: true,
		},
		{
			name: "nothing usable",
			expect: func(mock pgxmock.PgxPoolIface, id uuid.UUID) {
				mock.ExpectQuery(`FROM adhoc_credits`).WithArgs(patient, now).WillReturnError(pgx.ErrNoRows)
				mock.ExpectQuery(`FROM single_session_credits`).WithArgs(patient, now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)
				mock.ExpectQuery(`FROM plan_cycles`).WithArgs(patient, now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			id := uuid.New()
			tt.expect(mock, id)

			a, ok, err := NewResolver(validity).Resolve(context.Background(), mock, patient, now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAny, ok)
			if tt.wantAny {
				assert.Equal(t, tt.want, a.Kind)
				assert.Equal(t, id, a.RecordID)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestResolver_ResolveDoesNotLock(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherFunc(func(expected, actual string) error {
		if strings.Contains(actual, "FOR UPDATE") {
			return errors.New("unexpected row lock in read-only resolve")
		}
		return nil
	})))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("adhoc").WithArgs(pgxmock.AnyArg(), now).WillReturnRows(pgxmock.NewRows([]string{"id", "quantity", "expires_at"}).AddRow(uuid.New(), 1, now.Add(time.Hour)))

	_, ok, err := NewResolver(validity).Resolve(context.Background(), mock, uuid.New(), now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolver_DebitPlanCycleSyncsMonthlyControl(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	patient := uuid.New()
	cycle := uuid.New()

	mock.ExpectQuery(`FROM adhoc_credits .* FOR UPDATE`).WithArgs(patient, now).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM single_session_credits .* FOR UPDATE`).WithArgs(patient, now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM plan_cycles .* FOR UPDATE`).WithArgs(patient, now, validity.Seconds()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "available_count", "valid_until"}).AddRow(cycle, 4, now.Add(time.Hour)))
	mock.ExpectQuery(`UPDATE plan_cycles`).WithArgs(cycle, now, validity.Seconds()).
		WillReturnRows(pgxmock.NewRows([]string{"available_count", "valid_until"}).AddRow(3, now.Add(time.Hour)))
	mock.ExpectExec(`UPDATE monthly_controls m`).WithArgs(cycle, now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	a, err := NewResolver(validity).Debit(context.Background(), mock, patient, now)
	require.NoError(t, err)
	assert.Equal(t, KindPlanCycle, a.Kind)
	assert.Equal(t, 3, a.Remaining)
	assert.False(t, a.Exhausted)
	require.NotNil(t, a.PlanCycleID())
	assert.Equal(t, cycle, *a.PlanCycleID())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolver_DebitExhaustsAdHocCredit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	patient := uuid.New()
	credit := uuid.New()
	expires := now.Add(24 * time.Hour)

	mock.ExpectQuery(`FROM adhoc_credits`).WithArgs(patient, now).
		WillReturnRows(pgxmock.NewRows([]string{"id", "quantity", "expires_at"}).AddRow(credit, 1, expires))
	mock.ExpectQuery(`UPDATE adhoc_credits`).WithArgs(credit, now).
		WillReturnRows(pgxmock.NewRows([]string{"quantity", "expires_at"}).AddRow(0, expires))

	a, err := NewResolver(validity).Debit(context.Background(), mock, patient, now)
	require.NoError(t, err)
	assert.True(t, a.Exhausted)
	assert.Nil(t, a.PlanCycleID())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResolver_DebitWithoutBalance(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`FROM adhoc_credits`).WithArgs(pgxmock.AnyArg(), now).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM single_session_credits`).WithArgs(pgxmock.AnyArg(), now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM plan_cycles`).WithArgs(pgxmock.AnyArg(), now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)

	_, err = NewResolver(validity).Debit(context.Background(), mock, uuid.New(), now)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
}

func TestResolver_DebitLostRace(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	credit := uuid.New()
	mock.ExpectQuery(`FROM adhoc_credits`).WithArgs(pgxmock.AnyArg(), now).
		WillReturnRows(pgxmock.NewRows([]string{"id", "quantity", "expires_at"}).AddRow(credit, 1, now.Add(time.Hour)))
	mock.ExpectQuery(`UPDATE adhoc_credits`).WithArgs(credit, now).WillReturnError(pgx.ErrNoRows)

	_, err = NewResolver(validity).Debit(context.Background(), mock, uuid.New(), now)
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
}

func TestResolver_Credit(t *testing.T) {
	patient := uuid.New()
	record := uuid.New()
	cycle := uuid.New()

	t.Run("recorded source", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE single_session_credits`).WithArgs(record, now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		kind, err := NewResolver(validity).Credit(context.Background(), mock, Ref{PatientID: patient, Kind: KindSingleSessionCredit, RecordID: &record}, now)
		require.NoError(t, err)
		assert.Equal(t, KindSingleSessionCredit, kind)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("legacy cycle link", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE plan_cycles`).WithArgs(cycle, now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectExec(`UPDATE monthly_controls m`).WithArgs(cycle, now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		_, err = NewResolver(validity).Credit(context.Background(), mock, Ref{PatientID: patient, PlanCycleID: &cycle}, now)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no link credits newest monthly control", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE monthly_controls`).WithArgs(patient, now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		kind, err := NewResolver(validity).Credit(context.Background(), mock, Ref{PatientID: patient}, now)
		require.NoError(t, err)
		assert.Equal(t, KindPlanCycle, kind)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired cycle falls back to monthly control", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE plan_cycles`).WithArgs(cycle, now).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectExec(`UPDATE monthly_controls`).WithArgs(patient, now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		kind, err := NewResolver(validity).Credit(context.Background(), mock, Ref{PatientID: patient, Kind: KindPlanCycle, RecordID: &cycle, PlanCycleID: &cycle}, now)
		require.NoError(t, err)
		assert.Equal(t, KindPlanCycle, kind)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("consumed credit falls back to the next usable record", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		other := uuid.New()
		mock.ExpectExec(`UPDATE adhoc_credits`).WithArgs(record, now).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectExec(`UPDATE monthly_controls`).WithArgs(patient, now).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`FROM adhoc_credits .* FOR UPDATE`).WithArgs(patient, now).WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`FROM single_session_credits .* FOR UPDATE`).WithArgs(patient, now, validity.Seconds()).
			WillReturnRows(pgxmock.NewRows([]string{"id", "quantity", "valid_until"}).AddRow(other, 1, now.Add(time.Hour)))
		mock.ExpectExec(`UPDATE single_session_credits`).WithArgs(other, now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		kind, err := NewResolver(validity).Credit(context.Background(), mock, Ref{PatientID: patient, Kind: KindAdHocCredit, RecordID: &record}, now)
		require.NoError(t, err)
		assert.Equal(t, KindSingleSessionCredit, kind)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing left to credit", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE monthly_controls`).WithArgs(patient, now).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery(`FROM adhoc_credits`).WithArgs(patient, now).WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`FROM single_session_credits`).WithArgs(patient, now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery(`FROM plan_cycles`).WithArgs(patient, now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)

		_, err = NewResolver(validity).Credit(context.Background(), mock, Ref{PatientID: patient}, now)
		assert.ErrorIs(t, err, ErrNoCreditTarget)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("storage failure is not swallowed", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec(`UPDATE plan_cycles`).WithArgs(cycle, now).WillReturnError(errors.New("conn reset"))

		_, err = NewResolver(validity).Credit(context.Background(), mock, Ref{PatientID: patient, PlanCycleID: &cycle}, now)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoCreditTarget)
	})
}

func TestResolver_ExtendPlanCyclePushesMonthlyControl(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cycle := uuid.New()
	extension := 30 * 24 * time.Hour

	mock.ExpectExec(`UPDATE plan_cycles`).WithArgs(cycle, now, validity.Seconds(), extension.Seconds()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE monthly_controls`).WithArgs(cycle, now, extension.Seconds()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = NewResolver(validity).Extend(context.Background(), mock, Ref{Kind: KindPlanCycle, RecordID: &cycle}, extension, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("plan_cycle")
	require.NoError(t, err)
	assert.Equal(t, KindPlanCycle, k)

	_, err = ParseKind("voucher")
	assert.Error(t, err)
}

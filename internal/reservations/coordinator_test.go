package reservations

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
	"github.com/wolfman30/telehealth-booking/internal/clock"
	"github.com/wolfman30/telehealth-booking/internal/consultations"
	"github.com/wolfman30/telehealth-booking/internal/slots"
)

const validity = 30 * 24 * time.Hour

type fixture struct {
	mock     pgxmock.PgxPoolIface
	coord    *Coordinator
	now      time.Time
	day      time.Time
	slotID   uuid.UUID
	provider uuid.UUID
	patient  uuid.UUID
	cycle    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	loc, err := clock.Load("America/Sao_Paulo")
	require.NoError(t, err)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, loc)
	clk := clock.NewFixed(now)

	coord := NewCoordinator(mock, balance.NewResolver(validity), slots.NewValidator(clk, 50*time.Minute), clk, nil, nil, nil)
	return &fixture{
		mock:     mock,
		coord:    coord,
		now:      now,
		day:      time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
		slotID:   uuid.New(),
		provider: uuid.New(),
		patient:  uuid.New(),
		cycle:    uuid.New(),
	}
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

var slotCols = []string{"id", "provider_id", "slot_date", "slot_time", "patient_id", "status"}
var agendaCols = []string{"id", "provider_id", "name", "consult_date", "consult_time"}

func (f *fixture) expectSlot(lock bool, hhmm, status string) {
	q := `FROM schedule_slots WHERE id = \$1$`
	if lock {
		q = `FROM schedule_slots WHERE id = \$1 FOR UPDATE`
	}
	f.mock.ExpectQuery(q).WithArgs(f.slotID).
		WillReturnRows(pgxmock.NewRows(slotCols).AddRow(f.slotID, f.provider, f.day, hhmm, nil, status))
}

func (f *fixture) expectPatientLock() {
	f.mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtextextended\(\$1::text, 0\)\)`).WithArgs(f.patient.String()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func (f *fixture) expectAgenda(entries ...[2]string) {
	rows := pgxmock.NewRows(agendaCols)
	for _, e := range entries {
		rows.AddRow(uuid.New(), uuid.New(), e[0], f.day, e[1])
	}
	f.mock.ExpectQuery(`FROM consultations c LEFT JOIN users u`).WithArgs(f.patient, "2026-03-12").WillReturnRows(rows)
}

func (f *fixture) expectPlanCycleFound(lock bool, available int) {
	suffix := ""
	if lock {
		suffix = ` .* FOR UPDATE`
	}
	f.mock.ExpectQuery(`FROM adhoc_credits`+suffix).WithArgs(f.patient, f.now).WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectQuery(`FROM single_session_credits`+suffix).WithArgs(f.patient, f.now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectQuery(`FROM plan_cycles`+suffix).WithArgs(f.patient, f.now, validity.Seconds()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "available_count", "valid_until"}).AddRow(f.cycle, available, f.now.Add(validity)))
}

func (f *fixture) expectNoBalance(lock bool) {
	suffix := ""
	if lock {
		suffix = ` .* FOR UPDATE`
	}
	f.mock.ExpectQuery(`FROM adhoc_credits`+suffix).WithArgs(f.patient, f.now).WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectQuery(`FROM single_session_credits`+suffix).WithArgs(f.patient, f.now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)
	f.mock.ExpectQuery(`FROM plan_cycles`+suffix).WithArgs(f.patient, f.now, validity.Seconds()).WillReturnError(pgx.ErrNoRows)
}

func (f *fixture) expectReserveSlot(affected int64) {
	f.mock.ExpectExec(`UPDATE schedule_slots`).WithArgs(f.slotID, f.patient, f.now).
		WillReturnResult(pgxmock.NewResult("UPDATE", affected))
}

func (f *fixture) expectInserts() {
	f.mock.ExpectExec(`INSERT INTO consultations`).WithArgs(
		pgxmock.AnyArg(), f.patient, f.provider, f.slotID, f.day, "10:00", "reserved",
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), false, pgxmock.AnyArg(),
		pgxmock.AnyArg(), f.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectExec(`INSERT INTO session_records`).WithArgs(
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "scheduled").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectExec(`INSERT INTO outbox`).WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "consultation.reserved.v1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

// A patient with a plan cycle of four sessions books an available slot.
func TestCreateReservation_DebitsPlanCycle(t *testing.T) {
	f := newFixture(t)

	f.expectSlot(false, "10:00", "available")
	f.expectAgenda()
	f.expectPlanCycleFound(false, 4)

	f.mock.ExpectBegin()
	f.expectSlot(true, "10:00", "available")
	f.expectPatientLock()
	f.expectAgenda()
	f.expectReserveSlot(1)
	f.expectPlanCycleFound(true, 4)
	f.mock.ExpectQuery(`UPDATE plan_cycles`).WithArgs(f.cycle, f.now, validity.Seconds()).
		WillReturnRows(pgxmock.NewRows([]string{"available_count", "valid_until"}).AddRow(3, f.now.Add(validity)))
	f.mock.ExpectExec(`UPDATE monthly_controls m`).WithArgs(f.cycle, f.now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.expectInserts()
	f.mock.ExpectCommit()

	res, err := f.coord.CreateReservation(context.Background(), f.slotID, f.patient, Options{})
	require.NoError(t, err)

	assert.Equal(t, consultations.StatusReserved, res.Consultation.Status)
	assert.Equal(t, slots.StatusReserved, res.Slot.Status)
	require.NotNil(t, res.Slot.PatientID)
	assert.Equal(t, f.patient, *res.Slot.PatientID)
	require.NotNil(t, res.Allocation)
	assert.Equal(t, 3, res.Allocation.Remaining)
	require.NotNil(t, res.Consultation.BalanceSource)
	assert.Equal(t, balance.KindPlanCycle, *res.Consultation.BalanceSource)
	require.NotNil(t, res.Consultation.PlanCycleID)
	assert.Equal(t, f.cycle, *res.Consultation.PlanCycleID)
	assert.Equal(t, OriginPatient, res.Consultation.StatusOrigin)

	wantStart := time.Date(2026, 3, 12, 10, 0, 0, 0, f.now.Location())
	assert.True(t, res.Session.ScheduledAt.Equal(wantStart))
	assert.NotZero(t, res.Session.PatientUID)
	assert.NotEqual(t, res.Session.PatientUID, res.Session.ProviderUID)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

// A second booking thirty minutes after an existing one is rejected before any write.
func TestCreateReservation_ConflictWindow(t *testing.T) {
	f := newFixture(t)

	f.expectSlot(false, "10:30", "available")
	f.expectAgenda([2]string{"Dr. Ana", "10:00"})

	_, err := f.coord.CreateReservation(context.Background(), f.slotID, f.patient, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Contains(t, apperr.MessageOf(err), "Dr. Ana")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateReservation_NoBalanceUpfront(t *testing.T) {
	f := newFixture(t)

	f.expectSlot(false, "10:00", "available")
	f.expectAgenda()
	f.expectNoBalance(false)

	_, err := f.coord.CreateReservation(context.Background(), f.slotID, f.patient, Options{})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// The balance disappears between the read-only check and the debit.
func TestCreateReservation_BalanceGoneInsideTransaction(t *testing.T) {
	f := newFixture(t)

	f.expectSlot(false, "10:00", "available")
	f.expectAgenda()
	f.expectPlanCycleFound(false, 1)

	f.mock.ExpectBegin()
	f.expectSlot(true, "10:00", "available")
	f.expectPatientLock()
	f.expectAgenda()
	f.expectReserveSlot(1)
	f.expectNoBalance(true)
	f.mock.ExpectRollback()

	_, err := f.coord.CreateReservation(context.Background(), f.slotID, f.patient, Options{})
	assert.ErrorIs(t, err, apperr.ErrInsufficientBalance)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// Another request reserved the slot after our check.
func TestCreateReservation_LostSlotRace(t *testing.T) {
	f := newFixture(t)

	f.expectSlot(false, "10:00", "available")
	f.expectAgenda()
	f.expectPlanCycleFound(false, 2)

	f.mock.ExpectBegin()
	f.expectSlot(true, "10:00", "available")
	f.expectPatientLock()
	f.expectAgenda()
	f.expectReserveSlot(0)
	f.mock.ExpectRollback()

	_, err := f.coord.CreateReservation(context.Background(), f.slotID, f.patient, Options{})
	assert.ErrorIs(t, err, apperr.ErrConcurrencyConflict)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateReservation_SlotTakenUnderLock(t *testing.T) {
	f := newFixture(t)

	f.expectSlot(false, "10:00", "available")
	f.expectAgenda()
	f.expectPlanCycleFound(false, 2)

	f.mock.ExpectBegin()
	f.expectSlot(true, "10:00", "reserved")
	f.expectPatientLock()
	f.mock.ExpectRollback()

	_, err := f.coord.CreateReservation(context.Background(), f.slotID, f.patient, Options{})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateReservation_StorageFailureIsTransactionFailure(t *testing.T) {
	f := newFixture(t)

	f.expectSlot(false, "10:00", "available")
	f.expectAgenda()
	f.expectPlanCycleFound(false, 2)

	f.mock.ExpectBegin()
	f.expectSlot(true, "10:00", "available")
	f.expectPatientLock()
	f.expectAgenda()
	f.expectReserveSlot(1)
	f.expectPlanCycleFound(true, 2)
	f.mock.ExpectQuery(`UPDATE plan_cycles`).WithArgs(f.cycle, f.now, validity.Seconds()).
		WillReturnRows(pgxmock.NewRows([]string{"available_count", "valid_until"}).AddRow(1, f.now.Add(validity)))
	f.mock.ExpectExec(`UPDATE monthly_controls m`).WithArgs(f.cycle, f.now).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec(`INSERT INTO consultations`).WithArgs(anyArgs(15)...).WillReturnError(assert.AnError)
	f.mock.ExpectRollback()

	_, err := f.coord.CreateReservation(context.Background(), f.slotID, f.patient, Options{})
	assert.ErrorIs(t, err, apperr.ErrTransactionFailure)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCreateReservation_PreserveBalanceCarriesFunding(t *testing.T) {
	f := newFixture(t)
	prior := uuid.New()
	source := "plan_cycle"

	f.expectSlot(false, "10:00", "available")
	f.expectAgenda()

	f.mock.ExpectBegin()
	f.expectSlot(true, "10:00", "available")
	f.expectPatientLock()
	f.expectAgenda()
	f.expectReserveSlot(1)
	f.mock.ExpectQuery(`FROM consultations c LEFT JOIN calendar_events e .* WHERE c.id = \$1`).WithArgs(prior).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "patient_id", "provider_id", "slot_id", "consult_date", "consult_time", "status",
			"plan_cycle_id", "balance_source", "balance_record_id", "amount_cents", "billable", "status_origin",
			"rescheduled_from", "external_event_id", "created_at", "updated_at",
		}).AddRow(prior, f.patient, f.provider, uuid.New(), f.day, "09:00", "rescheduled",
			&f.cycle, &source, &f.cycle, nil, false, "patient", nil, nil, f.now, f.now))
	f.expectInserts()
	f.mock.ExpectCommit()

	res, err := f.coord.CreateReservation(context.Background(), f.slotID, f.patient, Options{
		PreserveBalance:     true,
		PriorConsultationID: &prior,
		Origin:              OriginReschedule,
	})
	require.NoError(t, err)
	assert.Nil(t, res.Allocation)
	require.NotNil(t, res.Consultation.PlanCycleID)
	assert.Equal(t, f.cycle, *res.Consultation.PlanCycleID)
	require.NotNil(t, res.Consultation.RescheduledFrom)
	assert.Equal(t, prior, *res.Consultation.RescheduledFrom)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReserveForPatient_RejectsForeignSlot(t *testing.T) {
	f := newFixture(t)

	f.expectSlot(false, "10:00", "available")
	f.expectAgenda()
	f.expectPlanCycleFound(false, 2)

	f.mock.ExpectBegin()
	f.expectSlot(true, "10:00", "available")
	f.mock.ExpectRollback()

	_, err := f.coord.ReserveForPatient(context.Background(), uuid.New(), f.slotID, f.patient)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// The conflict scan runs only once the patient's agenda lock is held, so a
// concurrent booking on another provider's slot is already visible to it.
func TestReserveTx_ScansAgendaUnderPatientLock(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectBegin()
	f.expectSlot(true, "10:00", "available")
	f.expectPatientLock()
	f.expectAgenda([2]string{"Dr. Bia", "10:00"})
	f.mock.ExpectRollback()

	tx, err := f.mock.Begin(context.Background())
	require.NoError(t, err)
	_, err = f.coord.ReserveTx(context.Background(), tx, f.slotID, f.patient, Options{})
	require.NoError(t, tx.Rollback(context.Background()))

	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Contains(t, apperr.MessageOf(err), "Dr. Bia")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateReservation_PatientLockFailureAborts(t *testing.T) {
	f := newFixture(t)

	f.expectSlot(false, "10:00", "available")
	f.expectAgenda()
	f.expectPlanCycleFound(false, 2)

	f.mock.ExpectBegin()
	f.expectSlot(true, "10:00", "available")
	f.mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs(f.patient.String()).WillReturnError(assert.AnError)
	f.mock.ExpectRollback()

	_, err := f.coord.CreateReservation(context.Background(), f.slotID, f.patient, Options{})
	assert.ErrorIs(t, err, apperr.ErrTransactionFailure)
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

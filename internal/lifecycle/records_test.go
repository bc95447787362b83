package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
)

var recordCols = []string{
	"id", "consultation_id", "protocol", "kind", "status", "actor_id", "actor_type", "reason",
	"document_url", "decided_by", "decided_at", "created_at",
}

func TestRecordStore_DecideApproves(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id, admin := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`UPDATE cancellation_records SET status = \$2`).WithArgs(id, "approved", admin, at).
		WillReturnRows(pgxmock.NewRows(recordCols).AddRow(
			id, uuid.New(), uuid.New(), "force_majeure", "approved", uuid.New(), "patient", "storm",
			nil, &admin, &at, at.Add(-time.Hour)))

	r, err := NewRecordStore(mock).Decide(context.Background(), id, true, admin, at)
	require.NoError(t, err)
	assert.Equal(t, RecordApproved, r.Status)
	assert.Equal(t, RecordForceMajeure, r.Kind)
	require.NotNil(t, r.DecidedBy)
	assert.Equal(t, admin, *r.DecidedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStore_DecideTwice(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id, admin := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`UPDATE cancellation_records`).WithArgs(id, "rejected", admin, at).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM cancellation_records WHERE id = \$1\)`).WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, err = NewRecordStore(mock).Decide(context.Background(), id, false, admin, at)
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	mock.ExpectQuery(`UPDATE cancellation_records`).WithArgs(id, "rejected", admin, at).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(id).WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err = NewRecordStore(mock).Decide(context.Background(), id, false, admin, at)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
)

// DB is satisfied by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Reader is the read side the validator needs.
type Reader interface {
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	PatientAgenda(ctx context.Context, patientID uuid.UUID, day time.Time) ([]AgendaEntry, error)
}

// Store reads and writes schedule_slots. Build one per handle: NewStore(pool) for
// reads, NewStore(tx) inside a booking transaction.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		panic("slots: db required")
	}
	return &Store{db: db}
}

const slotColumns = `id, provider_id, slot_date, slot_time, patient_id, status`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var status string
	if err := row.Scan(&s.ID, &s.ProviderID, &s.Date, &s.Time, &s.PatientID, &status); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	return &s, nil
}

// GetSlot returns NotFound when the slot does not exist.
func (s *Store) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.get(ctx, id, "")
}

// GetForUpdate locks the slot row for the rest of the transaction.
func (s *Store) GetForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.get(ctx, id, " FOR UPDATE")
}

func (s *Store) get(ctx context.Context, id uuid.UUID, suffix string) (*Slot, error) {
	slot, err := scanSlot(s.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM schedule_slots WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("schedule slot not found")
	}
	if err != nil {
		return nil, fmt.Errorf("slots: get slot: %w", err)
	}
	return slot, nil
}

// LockPatient holds a transaction-scoped advisory lock on the patient until commit
// or rollback. Bookings of one patient on different slots queue behind it, so each
// conflict scan sees the consultations committed before it.
func (s *Store) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, patientID.String()); err != nil {
		return fmt.Errorf("slots: lock patient agenda: %w", err)
	}
	return nil
}

// Reserve flips an available slot to reserved for the patient. Zero affected rows
// means another booking won the slot.
func (s *Store) Reserve(ctx context.Context, id, patientID uuid.UUID, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE schedule_slots
		SET status = 'reserved', patient_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'available'`, id, patientID, now)
	if err != nil {
		return fmt.Errorf("slots: reserve slot: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return apperr.ConcurrencyConflict("this slot is no longer available, please pick another one")
	}
	return nil
}

// Release returns a reserved slot to the agenda and clears its occupant.
func (s *Store) Release(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE schedule_slots
		SET status = 'available', patient_id = NULL, updated_at = $2
		WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("slots: release slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("schedule slot not found")
	}
	return nil
}

// MarkRescheduled retires the slot of a rescheduled consultation. It is not offered
// again.
func (s *Store) MarkRescheduled(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE schedule_slots
		SET status = 'rescheduled', patient_id = NULL, updated_at = $2
		WHERE id = $1`, id, now)
	if err != nil {
		return fmt.Errorf("slots: mark slot rescheduled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("schedule slot not found")
	}
	return nil
}

// PatientAgenda lists the patient's live consultations on the calendar day of day.
func (s *Store) PatientAgenda(ctx context.Context, patientID uuid.UUID, day time.Time) ([]AgendaEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.provider_id, COALESCE(u.name, ''), c.consult_date, c.consult_time
		FROM consultations c
		LEFT JOIN users u ON u.id = c.provider_id
		WHERE c.patient_id = $1 AND c.consult_date = $2
		  AND c.status IN ('reserved', 'in_progress', 'scheduled')
		ORDER BY c.consult_time`, patientID, day.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("slots: patient agenda: %w", err)
	}
	defer rows.Close()

	var out []AgendaEntry
	for rows.Next() {
		var e AgendaEntry
		if err := rows.Scan(&e.ConsultationID, &e.ProviderID, &e.ProviderName, &e.Date, &e.Time); err != nil {
			return nil, fmt.Errorf("slots: scan agenda entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("slots: patient agenda rows: %w", err)
	}
	return out, nil
}

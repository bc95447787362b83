package consultations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/internal/balance"
)

// DB is satisfied by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists consultations and session records.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		panic("consultations: db required")
	}
	return &Store{db: db}
}

const consultationColumns = `c.id, c.patient_id, c.provider_id, c.slot_id, c.consult_date, c.consult_time, c.status,
	c.plan_cycle_id, c.balance_source, c.balance_record_id, c.amount_cents, c.billable, c.status_origin,
	c.rescheduled_from, e.external_event_id, c.created_at, c.updated_at`

const consultationFrom = ` FROM consultations c LEFT JOIN calendar_events e ON e.consultation_id = c.id`

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var (
		c      Consultation
		status string
		source *string
	)
	err := row.Scan(&c.ID, &c.PatientID, &c.ProviderID, &c.SlotID, &c.Date, &c.Time, &status,
		&c.PlanCycleID, &source, &c.BalanceRecordID, &c.AmountCents, &c.Billable, &c.StatusOrigin,
		&c.RescheduledFrom, &c.CalendarEventID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	if source != nil {
		kind, err := balance.ParseKind(*source)
		if err != nil {
			return nil, err
		}
		c.BalanceSource = &kind
	}
	return &c, nil
}

// Insert writes a new consultation row.
func (s *Store) Insert(ctx context.Context, c *Consultation) error {
	var source *string
	if c.BalanceSource != nil {
		v := string(*c.BalanceSource)
		source = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO consultations (id, patient_id, provider_id, slot_id, consult_date, consult_time, status,
			plan_cycle_id, balance_source, balance_record_id, amount_cents, billable, status_origin,
			rescheduled_from, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`,
		c.ID, c.PatientID, c.ProviderID, c.SlotID, c.Date, c.Time, string(c.Status),
		c.PlanCycleID, source, c.BalanceRecordID, c.AmountCents, c.Billable, c.StatusOrigin,
		c.RescheduledFrom, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("consultations: insert consultation: %w", err)
	}
	return nil
}

// InsertSession writes the session record paired with a consultation.
func (s *Store) InsertSession(ctx context.Context, r *SessionRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_records (id, consultation_id, scheduled_at, room_id, patient_uid, provider_uid, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ConsultationID, r.ScheduledAt, r.RoomID, int64(r.PatientUID), int64(r.ProviderUID), string(r.Status))
	if err != nil {
		return fmt.Errorf("consultations: insert session record: %w", err)
	}
	return nil
}

// Get returns NotFound when the consultation does not exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.get(ctx, id, "")
}

// GetForUpdate locks the consultation row for the rest of the transaction.
func (s *Store) GetForUpdate(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.get(ctx, id, " FOR UPDATE OF c")
}

func (s *Store) get(ctx context.Context, id uuid.UUID, suffix string) (*Consultation, error) {
	c, err := scanConsultation(s.db.QueryRow(ctx, `SELECT `+consultationColumns+consultationFrom+` WHERE c.id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("consultation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("consultations: get consultation: %w", err)
	}
	return c, nil
}

// GetSession returns the session record of a consultation.
func (s *Store) GetSession(ctx context.Context, consultationID uuid.UUID) (*SessionRecord, error) {
	var (
		r           SessionRecord
		patientUID  int64
		providerUID int64
		status      string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, consultation_id, scheduled_at, room_id, patient_uid, provider_uid,
		       patient_token, provider_token, patient_joined_at, provider_joined_at, status
		FROM session_records
		WHERE consultation_id = $1`, consultationID).Scan(
		&r.ID, &r.ConsultationID, &r.ScheduledAt, &r.RoomID, &patientUID, &providerUID,
		&r.PatientToken, &r.ProviderToken, &r.PatientJoinedAt, &r.ProviderJoinedAt, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("session record not found")
	}
	if err != nil {
		return nil, fmt.Errorf("consultations: get session record: %w", err)
	}
	r.PatientUID = uint32(patientUID)
	r.ProviderUID = uint32(providerUID)
	r.Status = SessionStatus(status)
	return &r, nil
}

// StatusUpdate describes a guarded status transition.
type StatusUpdate struct {
	From     []Status
	To       Status
	Billable bool
	Origin   string
	At       time.Time
}

// UpdateStatus moves the consultation to u.To only if it is currently in one of
// u.From. A miss is reported as InvalidState so callers surface it to users.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, u StatusUpdate) error {
	from := make([]string, len(u.From))
	for i, st := range u.From {
		from[i] = string(st)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE consultations
		SET status = $3, billable = billable OR $4, status_origin = $5, updated_at = $6
		WHERE id = $1 AND status = ANY($2)`, id, from, string(u.To), u.Billable, u.Origin, u.At)
	if err != nil {
		return fmt.Errorf("consultations: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.InvalidState("the consultation changed state, please reload and try again")
	}
	return nil
}

// UpdateSession sets the session status and optionally drops both room tokens.
func (s *Store) UpdateSession(ctx context.Context, consultationID uuid.UUID, status SessionStatus, clearTokens bool, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE session_records
		SET status = $2,
		    patient_token = CASE WHEN $3 THEN NULL ELSE patient_token END,
		    provider_token = CASE WHEN $3 THEN NULL ELSE provider_token END,
		    updated_at = $4
		WHERE consultation_id = $1`, consultationID, string(status), clearTokens, at)
	if err != nil {
		return fmt.Errorf("consultations: update session record: %w", err)
	}
	return nil
}

// RecordJoin stamps the first time a party entered the room. Later entries keep the first stamp.
func (s *Store) RecordJoin(ctx context.Context, consultationID uuid.UUID, party Party, at time.Time) error {
	column := "patient_joined_at"
	if party == PartyProvider {
		column = "provider_joined_at"
	}
	_, err := s.db.Exec(ctx, `
		UPDATE session_records
		SET `+column+` = COALESCE(`+column+`, $2), updated_at = $2
		WHERE consultation_id = $1`, consultationID, at)
	if err != nil {
		return fmt.Errorf("consultations: record join: %w", err)
	}
	return nil
}

// SetTokens stores both room tokens unless tokens were already issued.
// Returns false when another caller issued them first.
func (s *Store) SetTokens(ctx context.Context, consultationID uuid.UUID, patientToken, providerToken string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE session_records
		SET patient_token = $2, provider_token = $3, updated_at = $4
		WHERE consultation_id = $1 AND patient_token IS NULL AND provider_token IS NULL`,
		consultationID, patientToken, providerToken, at)
	if err != nil {
		return false, fmt.Errorf("consultations: set tokens: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByPatient returns the patient's consultations dated within [from, to].
func (s *Store) ListByPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]Consultation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+consultationColumns+consultationFrom+`
		WHERE c.patient_id = $1 AND c.consult_date BETWEEN $2 AND $3
		ORDER BY c.consult_date, c.consult_time`, patientID, from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("consultations: list by patient: %w", err)
	}
	defer rows.Close()

	var out []Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, fmt.Errorf("consultations: scan consultation: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consultations: list by patient rows: %w", err)
	}
	return out, nil
}

// ListDueForCompletion returns live consultations that started at or before cutoff.
// Consultations the sweep already failed maxFailures times are left out.
func (s *Store) ListDueForCompletion(ctx context.Context, cutoff time.Time, maxFailures, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT c.id
		FROM consultations c
		JOIN session_records r ON r.consultation_id = c.id
		WHERE c.status IN ('reserved', 'in_progress', 'scheduled') AND r.scheduled_at <= $1
		  AND r.sweep_failures < $2
		ORDER BY r.scheduled_at
		LIMIT $3`, cutoff, maxFailures, limit)
	if err != nil {
		return nil, fmt.Errorf("consultations: list due for completion: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("consultations: scan due id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordSweepFailure counts a failed completion attempt and returns the new total.
func (s *Store) RecordSweepFailure(ctx context.Context, consultationID uuid.UUID) (int, error) {
	var failures int
	err := s.db.QueryRow(ctx, `
		UPDATE session_records SET sweep_failures = sweep_failures + 1
		WHERE consultation_id = $1
		RETURNING sweep_failures`, consultationID).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("consultations: record sweep failure: %w", err)
	}
	return failures, nil
}

// SaveCalendarEvent links an external calendar event to a consultation.
func (s *Store) SaveCalendarEvent(ctx context.Context, consultationID uuid.UUID, eventID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO calendar_events (consultation_id, external_event_id)
		VALUES ($1, $2)
		ON CONFLICT (consultation_id) DO UPDATE SET external_event_id = EXCLUDED.external_event_id`,
		consultationID, eventID)
	if err != nil {
		return fmt.Errorf("consultations: save calendar event: %w", err)
	}
	return nil
}

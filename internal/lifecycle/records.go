package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/internal/balance"
)

// RecordKind distinguishes plain cancellations from force-majeure requests.
type RecordKind string

const (
	RecordCancellation RecordKind = "cancellation"
	RecordForceMajeure RecordKind = "force_majeure"
)

// RecordStatus is the adjudication state of a record.
type RecordStatus string

const (
	RecordPending  RecordStatus = "pending"
	RecordApproved RecordStatus = "approved"
	RecordRejected RecordStatus = "rejected"
)

// CancellationRecord documents a cancellation or a force-majeure claim.
type CancellationRecord struct {
	ID             uuid.UUID    `json:"id"`
	ConsultationID uuid.UUID    `json:"consultation_id"`
	Protocol       uuid.UUID    `json:"protocol"`
	Kind           RecordKind   `json:"kind"`
	Status         RecordStatus `json:"status"`
	ActorID        uuid.UUID    `json:"actor_id"`
	ActorType      string       `json:"actor_type"`
	Reason         string       `json:"reason"`
	DocumentURL    *string      `json:"document_url,omitempty"`
	DecidedBy      *uuid.UUID   `json:"decided_by,omitempty"`
	DecidedAt      *time.Time   `json:"decided_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// RecordStore persists cancellation_records.
type RecordStore struct {
	db balance.Querier
}

func NewRecordStore(db balance.Querier) *RecordStore {
	if db == nil {
		panic("lifecycle: db required")
	}
	return &RecordStore{db: db}
}

func (s *RecordStore) Insert(ctx context.Context, r *CancellationRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cancellation_records (id, consultation_id, protocol, kind, status, actor_id, actor_type, reason, document_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.ConsultationID, r.Protocol, string(r.Kind), string(r.Status), r.ActorID, r.ActorType, r.Reason, r.DocumentURL, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("lifecycle: insert cancellation record: %w", err)
	}
	return nil
}

// HasApprovedForceMajeure reports whether an approved force-majeure claim exists.
func (s *RecordStore) HasApprovedForceMajeure(ctx context.Context, consultationID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM cancellation_records
			WHERE consultation_id = $1 AND kind = 'force_majeure' AND status = 'approved'
		)`, consultationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lifecycle: check force majeure: %w", err)
	}
	return exists, nil
}

// Decide approves or rejects a pending record.
func (s *RecordStore) Decide(ctx context.Context, id uuid.UUID, approve bool, decidedBy uuid.UUID, at time.Time) (*CancellationRecord, error) {
	status := RecordRejected
	if approve {
		status = RecordApproved
	}
	var (
		r           CancellationRecord
		kind, state string
	)
	err := s.db.QueryRow(ctx, `
		UPDATE cancellation_records
		SET status = $2, decided_by = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING id, consultation_id, protocol, kind, status, actor_id, actor_type, reason, document_url, decided_by, decided_at, created_at`,
		id, string(status), decidedBy, at).Scan(
		&r.ID, &r.ConsultationID, &r.Protocol, &kind, &state, &r.ActorID, &r.ActorType, &r.Reason,
		&r.DocumentURL, &r.DecidedBy, &r.DecidedAt, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cancellation_records WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("lifecycle: lookup cancellation record: %w", err)
		}
		if !exists {
			return nil, apperr.NotFound("cancellation record not found")
		}
		return nil, apperr.InvalidState("this request was already decided")
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: decide cancellation record: %w", err)
	}
	r.Kind = RecordKind(kind)
	r.Status = RecordStatus(state)
	return &r, nil
}

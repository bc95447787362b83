// Package compliance keeps the immutable audit trail of cancellations.
package compliance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/wolfman30/telehealth-booking/internal/dispatch"
)

// AuditEvent is one stored cancellation audit row.
type AuditEvent struct {
	ID             uuid.UUID `json:"id"`
	ActorID        uuid.UUID `json:"actor_id"`
	ConsultationID uuid.UUID `json:"consultation_id"`
	Reason         string    `json:"reason"`
	Protocol       uuid.UUID `json:"protocol"`
	ActorType      string    `json:"actor_type"`
	IPAddress      string    `json:"ip_address,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditService writes cancellation audit events through database/sql.
type AuditService struct {
	db  *sql.DB
	now func() time.Time
}

var _ dispatch.AuditLog = (*AuditService)(nil)

// Open connects to Postgres with the lib/pq driver.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("compliance: open audit db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// RecordCancellation appends one audit entry.
func (s *AuditService) RecordCancellation(ctx context.Context, entry dispatch.CancellationAudit) error {
	query := `
		INSERT INTO cancellation_audit_events (
			id, actor_id, consultation_id, reason, protocol, actor_type, ip_address, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.New(),
		entry.ActorID,
		entry.ConsultationID,
		entry.Reason,
		entry.Protocol,
		entry.ActorType,
		nullString(entry.IP),
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("compliance: failed to record cancellation: %w", err)
	}
	return nil
}

// ListForConsultation returns the audit trail of one consultation, newest first.
func (s *AuditService) ListForConsultation(ctx context.Context, consultationID uuid.UUID) ([]AuditEvent, error) {
	query := `
		SELECT id, actor_id, consultation_id, reason, protocol, actor_type, ip_address, created_at
		FROM cancellation_audit_events
		WHERE consultation_id = $1
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, consultationID)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var ip sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ConsultationID, &e.Reason, &e.Protocol, &e.ActorType, &ip, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("compliance: failed to scan audit event: %w", err)
		}
		e.IPAddress = ip.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("compliance: failed to read audit events: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

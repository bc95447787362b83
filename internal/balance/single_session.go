package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
)

// SingleSessionCredits are valid for a fixed period after purchase. A force-majeure
// extension is stored in extended_until and wins when later.
type SingleSessionCredits struct {
	Validity time.Duration
}

func (SingleSessionCredits) Kind() Kind { return KindSingleSessionCredit }
func (SingleSessionCredits) sealed()    {}

func (s SingleSessionCredits) Find(ctx context.Context, q Querier, patientID uuid.UUID, now time.Time, lock bool) (Allocation, bool, error) {
	var a Allocation
	err := q.QueryRow(ctx, `
		SELECT id, quantity, GREATEST(created_at + make_interval(secs => $3), COALESCE(extended_until, created_at))
		FROM single_session_credits
		WHERE patient_id = $1 AND status = 'active' AND quantity >= 1
		  AND (created_at + make_interval(secs => $3) >= $2 OR extended_until >= $2)
		ORDER BY created_at DESC
		LIMIT 1`+lockClause(lock), patientID, now, seconds(s.Validity)).Scan(&a.RecordID, &a.Remaining, &a.ValidUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, false, nil
	}
	if err != nil {
		return Allocation{}, false, fmt.Errorf("balance: find single session credit: %w", err)
	}
	a.Kind = KindSingleSessionCredit
	return a, true, nil
}

func (s SingleSessionCredits) Debit(ctx context.Context, q Querier, recordID uuid.UUID, now time.Time) (Allocation, error) {
	a := Allocation{Kind: KindSingleSessionCredit, RecordID: recordID}
	err := q.QueryRow(ctx, `
		UPDATE single_session_credits
		SET quantity = quantity - 1,
		    status = CASE WHEN quantity - 1 = 0 THEN 'consumed' ELSE status END,
		    updated_at = $2
		WHERE id = $1 AND status = 'active' AND quantity > 0
		RETURNING quantity, GREATEST(created_at + make_interval(secs => $3), COALESCE(extended_until, created_at))`,
		recordID, now, seconds(s.Validity)).Scan(&a.Remaining, &a.ValidUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, apperr.InsufficientBalance("the selected session credit has no units left")
	}
	if err != nil {
		return Allocation{}, fmt.Errorf("balance: debit single session credit: %w", err)
	}
	a.Exhausted = a.Remaining == 0
	return a, nil
}

func (SingleSessionCredits) Credit(ctx context.Context, q Querier, recordID uuid.UUID, now time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE single_session_credits
		SET quantity = quantity + 1, status = 'active', updated_at = $2
		WHERE id = $1 AND status IN ('active', 'consumed')`, recordID, now)
	if err != nil {
		return fmt.Errorf("balance: credit single session credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("single session credit %s not found", recordID)
	}
	return nil
}

func (s SingleSessionCredits) Extend(ctx context.Context, q Querier, recordID uuid.UUID, by time.Duration, now time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE single_session_credits
		SET extended_until = GREATEST(created_at + make_interval(secs => $3), COALESCE(extended_until, created_at), $2)
		                     + make_interval(secs => $4),
		    updated_at = $2
		WHERE id = $1`, recordID, now, seconds(s.Validity), seconds(by))
	if err != nil {
		return fmt.Errorf("balance: extend single session credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("single session credit %s not found", recordID)
	}
	return nil
}

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

// AdHocCredits are purchased units with an explicit expiry timestamp.
type AdHocCredits struct{}

func (AdHocCredits) Kind() Kind { return KindAdHocCredit }
func (AdHocCredits) sealed()    {}

func (AdHocCredits) Find(ctx context.Context, q Querier, patientID uuid.UUID, now time.Time, lock bool) (Allocation, bool, error) {
	var a Allocation
	err := q.QueryRow(ctx, `
		SELECT id, quantity, expires_at
		FROM adhoc_credits
		WHERE patient_id = $1 AND status = 'active' AND quantity > 0 AND expires_at > $2
		ORDER BY expires_at ASC
		LIMIT 1`+lockClause(lock), patientID, now).Scan(&a.RecordID, &a.Remaining, &a.ValidUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, false, nil
	}
	if err != nil {
		return Allocation{}, false, fmt.Errorf("balance: find adhoc credit: %w", err)
	}
	a.Kind = KindAdHocCredit
	return a, true, nil
}

func (AdHocCredits) Debit(ctx context.Context, q Querier, recordID uuid.UUID, now time.Time) (Allocation, error) {
	a := Allocation{Kind: KindAdHocCredit, RecordID: recordID}
	err := q.QueryRow(ctx, `
		UPDATE adhoc_credits
		SET quantity = quantity - 1,
		    status = CASE WHEN quantity - 1 = 0 THEN 'consumed' ELSE status END,
		    updated_at = $2
		WHERE id = $1 AND status = 'active' AND quantity > 0
		RETURNING quantity, expires_at`, recordID, now).Scan(&a.Remaining, &a.ValidUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, apperr.InsufficientBalance("the selected credit has no units left")
	}
	if err != nil {
		return Allocation{}, fmt.Errorf("balance: debit adhoc credit: %w", err)
	}
	a.Exhausted = a.Remaining == 0
	return a, nil
}

func (AdHocCredits) Credit(ctx context.Context, q Querier, recordID uuid.UUID, now time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE adhoc_credits
		SET quantity = quantity + 1, status = 'active', updated_at = $2
		WHERE id = $1 AND status IN ('active', 'consumed')`, recordID, now)
	if err != nil {
		return fmt.Errorf("balance: credit adhoc credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("adhoc credit %s not found", recordID)
	}
	return nil
}

func (AdHocCredits) Extend(ctx context.Context, q Querier, recordID uuid.UUID, by time.Duration, now time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE adhoc_credits
		SET expires_at = GREATEST(expires_at, $2) + make_interval(secs => $3), updated_at = $2
		WHERE id = $1`, recordID, now, seconds(by))
	if err != nil {
		return fmt.Errorf("balance: extend adhoc credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("adhoc credit %s not found", recordID)
	}
	return nil
}

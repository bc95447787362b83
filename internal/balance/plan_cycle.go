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

// PlanCycles are subscription periods with available/used counters. Every write
// re-projects the counters onto the cycle's monthly_controls row in the same
// statement sequence, so the mirror is never written on its own.
type PlanCycles struct {
	Validity time.Duration
}

func (PlanCycles) Kind() Kind { return KindPlanCycle }
func (PlanCycles) sealed()    {}

func (p PlanCycles) Find(ctx context.Context, q Querier, patientID uuid.UUID, now time.Time, lock bool) (Allocation, bool, error) {
	var a Allocation
	err := q.QueryRow(ctx, `
		SELECT id, available_count, GREATEST(created_at + make_interval(secs => $3), COALESCE(extended_until, created_at))
		FROM plan_cycles
		WHERE patient_id = $1 AND status = 'active' AND available_count > 0
		  AND (created_at + make_interval(secs => $3) >= $2 OR extended_until >= $2)
		ORDER BY created_at ASC
		LIMIT 1`+lockClause(lock), patientID, now, seconds(p.Validity)).Scan(&a.RecordID, &a.Remaining, &a.ValidUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, false, nil
	}
	if err != nil {
		return Allocation{}, false, fmt.Errorf("balance: find plan cycle: %w", err)
	}
	a.Kind = KindPlanCycle
	return a, true, nil
}

func (p PlanCycles) Debit(ctx context.Context, q Querier, recordID uuid.UUID, now time.Time) (Allocation, error) {
	a := Allocation{Kind: KindPlanCycle, RecordID: recordID}
	err := q.QueryRow(ctx, `
		UPDATE plan_cycles
		SET available_count = available_count - 1,
		    used_count = used_count + 1,
		    status = CASE WHEN available_count - 1 = 0 THEN 'completed' ELSE status END,
		    updated_at = $2
		WHERE id = $1 AND status = 'active' AND available_count > 0
		RETURNING available_count, GREATEST(created_at + make_interval(secs => $3), COALESCE(extended_until, created_at))`,
		recordID, now, seconds(p.Validity)).Scan(&a.Remaining, &a.ValidUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return Allocation{}, apperr.InsufficientBalance("the selected plan cycle has no sessions left")
	}
	if err != nil {
		return Allocation{}, fmt.Errorf("balance: debit plan cycle: %w", err)
	}
	if err := syncMonthlyControl(ctx, q, recordID, now); err != nil {
		return Allocation{}, err
	}
	a.Exhausted = a.Remaining == 0
	return a, nil
}

func (PlanCycles) Credit(ctx context.Context, q Querier, recordID uuid.UUID, now time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE plan_cycles
		SET available_count = available_count + 1,
		    used_count = GREATEST(used_count - 1, 0),
		    status = 'active',
		    updated_at = $2
		WHERE id = $1 AND status IN ('active', 'completed')`, recordID, now)
	if err != nil {
		return fmt.Errorf("balance: credit plan cycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("plan cycle %s not found", recordID)
	}
	return syncMonthlyControl(ctx, q, recordID, now)
}

func (p PlanCycles) Extend(ctx context.Context, q Querier, recordID uuid.UUID, by time.Duration, now time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE plan_cycles
		SET extended_until = GREATEST(created_at + make_interval(secs => $3), COALESCE(extended_until, created_at), $2)
		                     + make_interval(secs => $4),
		    updated_at = $2
		WHERE id = $1`, recordID, now, seconds(p.Validity), seconds(by))
	if err != nil {
		return fmt.Errorf("balance: extend plan cycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("plan cycle %s not found", recordID)
	}
	if _, err := q.Exec(ctx, `
		UPDATE monthly_controls
		SET valid_until = GREATEST(valid_until, $2) + make_interval(secs => $3), updated_at = $2
		WHERE plan_cycle_id = $1`, recordID, now, seconds(by)); err != nil {
		return fmt.Errorf("balance: extend monthly control: %w", err)
	}
	return nil
}

func syncMonthlyControl(ctx context.Context, q Querier, cycleID uuid.UUID, now time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE monthly_controls m
		SET available_count = c.available_count,
		    used_count = c.used_count,
		    status = CASE WHEN c.available_count = 0 THEN 'completed' ELSE 'active' END,
		    updated_at = $2
		FROM plan_cycles c
		WHERE m.plan_cycle_id = c.id AND c.id = $1`, cycleID, now)
	if err != nil {
		return fmt.Errorf("balance: sync monthly control: %w", err)
	}
	return nil
}

// creditMonthlyControl returns a unit to the patient's newest active monthly control.
// Used for consultations that were never linked to a cycle.
func creditMonthlyControl(ctx context.Context, q Querier, patientID uuid.UUID, now time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE monthly_controls
		SET available_count = available_count + 1,
		    used_count = GREATEST(used_count - 1, 0),
		    status = 'active',
		    updated_at = $2
		WHERE id = (
			SELECT id FROM monthly_controls
			WHERE patient_id = $1 AND status IN ('active', 'completed')
			ORDER BY valid_until DESC
			LIMIT 1
		)`, patientID, now)
	if err != nil {
		return fmt.Errorf("balance: credit monthly control: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("no monthly control to credit for patient %s", patientID)
	}
	return nil
}

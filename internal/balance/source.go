// Package balance resolves and moves the prepaid units that fund a consultation.
//
// A patient may hold three kinds of balance at once. They are checked in a fixed
// priority order and a single consultation never mixes them:
//
//  1. ad hoc credits with an explicit expiry, soonest expiry first
//  2. single-session credits valid for a fixed period after purchase, newest first
//  3. plan cycles valid for a fixed period after creation, oldest first
package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind names a balance variant. The string is persisted on consultations.
type Kind string

const (
	KindAdHocCredit         Kind = "adhoc_credit"
	KindSingleSessionCredit Kind = "single_session_credit"
	KindPlanCycle           Kind = "plan_cycle"
)

// ParseKind validates a persisted kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAdHocCredit, KindSingleSessionCredit, KindPlanCycle:
		return k, nil
	default:
		return "", fmt.Errorf("balance: unknown kind %q", s)
	}
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Allocation identifies the record a consultation draws from.
type Allocation struct {
	Kind       Kind      `json:"kind"`
	RecordID   uuid.UUID `json:"record_id"`
	Remaining  int       `json:"remaining"`
	ValidUntil time.Time `json:"valid_until"`
	// Exhausted is set by a debit that drove the record to zero.
	Exhausted bool `json:"exhausted"`
}

// PlanCycleID returns the record id when the allocation came from a plan cycle.
func (a Allocation) PlanCycleID() *uuid.UUID {
	if a.Kind != KindPlanCycle {
		return nil
	}
	id := a.RecordID
	return &id
}

// Ref points back at whatever funded a consultation. Kind is empty for legacy
// consultations that only carry a plan cycle link or nothing at all.
type Ref struct {
	PatientID   uuid.UUID
	Kind        Kind
	RecordID    *uuid.UUID
	PlanCycleID *uuid.UUID
}

// Source is one variant of the closed balance union. Every variant answers the
// same four questions so the priority chain is a single ordered list.
type Source interface {
	Kind() Kind
	// Find returns the record this variant would consume for the patient.
	// lock=true takes a row lock for use inside a transaction.
	Find(ctx context.Context, q Querier, patientID uuid.UUID, now time.Time, lock bool) (Allocation, bool, error)
	// Debit consumes one unit from the record and flips it to its terminal status at zero.
	Debit(ctx context.Context, q Querier, recordID uuid.UUID, now time.Time) (Allocation, error)
	// Credit returns one unit to the record.
	Credit(ctx context.Context, q Querier, recordID uuid.UUID, now time.Time) error
	// Extend pushes the record's validity forward.
	Extend(ctx context.Context, q Querier, recordID uuid.UUID, by time.Duration, now time.Time) error

	sealed()
}

func lockClause(lock bool) string {
	if lock {
		return " FOR UPDATE"
	}
	return ""
}

func seconds(d time.Duration) float64 {
	return d.Seconds()
}

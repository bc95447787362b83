package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
)

var balanceTracer = otel.Tracer("booking.internal.balance")

// Resolver walks the balance sources in priority order. The same chain backs the
// read-only check and the transactional debit.
type Resolver struct {
	sources []Source
}

// NewResolver returns the standard chain: ad hoc credits, single-session credits,
// plan cycles. validity is the fixed period derived sources stay usable for.
func NewResolver(validity time.Duration) *Resolver {
	return &Resolver{sources: []Source{
		AdHocCredits{},
		SingleSessionCredits{Validity: validity},
		PlanCycles{Validity: validity},
	}}
}

// Sources exposes the chain order.
func (r *Resolver) Sources() []Source {
	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

func (r *Resolver) source(kind Kind) (Source, error) {
	for _, s := range r.sources {
		if s.Kind() == kind {
			return s, nil
		}
	}
	return nil, fmt.Errorf("balance: no source for kind %q", kind)
}

func (r *Resolver) find(ctx context.Context, q Querier, patientID uuid.UUID, now time.Time, lock bool) (Allocation, bool, error) {
	for _, s := range r.sources {
		a, ok, err := s.Find(ctx, q, patientID, now, lock)
		if err != nil {
			return Allocation{}, false, err
		}
		if ok {
			return a, true, nil
		}
	}
	return Allocation{}, false, nil
}

// Resolve reports which record a booking made now would consume. ok=false means the
// patient has no usable balance, which is a business outcome rather than a failure.
func (r *Resolver) Resolve(ctx context.Context, q Querier, patientID uuid.UUID, now time.Time) (Allocation, bool, error) {
	ctx, span := balanceTracer.Start(ctx, "balance.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("patient.id", patientID.String()))

	a, ok, err := r.find(ctx, q, patientID, now, false)
	if err != nil {
		span.RecordError(err)
		return Allocation{}, false, err
	}
	if ok {
		span.SetAttributes(attribute.String("balance.kind", string(a.Kind)))
	}
	return a, ok, nil
}

// Debit locks the first matching record and consumes one unit from it. q must be a
// transaction. Returns InsufficientBalance when nothing resolves.
func (r *Resolver) Debit(ctx context.Context, q Querier, patientID uuid.UUID, now time.Time) (Allocation, error) {
	ctx, span := balanceTracer.Start(ctx, "balance.debit")
	defer span.End()
	span.SetAttributes(attribute.String("patient.id", patientID.String()))

	a, ok, err := r.find(ctx, q, patientID, now, true)
	if err != nil {
		span.RecordError(err)
		return Allocation{}, err
	}
	if !ok {
		return Allocation{}, apperr.InsufficientBalance("you don't have a usable balance to book this session")
	}
	src, err := r.source(a.Kind)
	if err != nil {
		return Allocation{}, err
	}
	debited, err := src.Debit(ctx, q, a.RecordID, now)
	if err != nil {
		span.RecordError(err)
		return Allocation{}, err
	}
	span.SetAttributes(
		attribute.String("balance.kind", string(debited.Kind)),
		attribute.String("balance.record_id", debited.RecordID.String()),
	)
	return debited, nil
}

// ErrNoCreditTarget means no record of the patient could take a refunded unit back.
var ErrNoCreditTarget = errors.New("balance: no record to credit")

// Credit returns one unit to whatever funded a consultation. A record billing has
// since expired or cancelled is skipped: the unit then goes to the linked plan
// cycle, the patient's newest monthly control and finally the record the chain
// would debit next. Returns ErrNoCreditTarget when all of them are missing.
func (r *Resolver) Credit(ctx context.Context, q Querier, ref Ref, now time.Time) (Kind, error) {
	ctx, span := balanceTracer.Start(ctx, "balance.credit")
	defer span.End()
	span.SetAttributes(attribute.String("patient.id", ref.PatientID.String()))

	if ref.Kind != "" && ref.RecordID != nil {
		src, err := r.source(ref.Kind)
		if err != nil {
			return "", err
		}
		if err := src.Credit(ctx, q, *ref.RecordID, now); !notCreditable(err) {
			return ref.Kind, err
		}
	}
	if ref.PlanCycleID != nil && !(ref.Kind == KindPlanCycle && ref.RecordID != nil && *ref.RecordID == *ref.PlanCycleID) {
		src, err := r.source(KindPlanCycle)
		if err != nil {
			return "", err
		}
		if err := src.Credit(ctx, q, *ref.PlanCycleID, now); !notCreditable(err) {
			return KindPlanCycle, err
		}
	}
	if err := creditMonthlyControl(ctx, q, ref.PatientID, now); !notCreditable(err) {
		return KindPlanCycle, err
	}

	a, ok, err := r.find(ctx, q, ref.PatientID, now, true)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: patient %s", ErrNoCreditTarget, ref.PatientID)
	}
	src, err := r.source(a.Kind)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("balance.kind", string(a.Kind)))
	return a.Kind, src.Credit(ctx, q, a.RecordID, now)
}

func notCreditable(err error) bool {
	return err != nil && apperr.KindOf(err) == apperr.KindNotFound
}

// Extend pushes the validity of whatever funded a consultation forward by d.
func (r *Resolver) Extend(ctx context.Context, q Querier, ref Ref, d time.Duration, now time.Time) error {
	switch {
	case ref.Kind != "" && ref.RecordID != nil:
		src, err := r.source(ref.Kind)
		if err != nil {
			return err
		}
		return src.Extend(ctx, q, *ref.RecordID, d, now)
	case ref.PlanCycleID != nil:
		src, err := r.source(KindPlanCycle)
		if err != nil {
			return err
		}
		return src.Extend(ctx, q, *ref.PlanCycleID, d, now)
	default:
		_, err := q.Exec(ctx, `
			UPDATE monthly_controls
			SET valid_until = GREATEST(valid_until, $2) + make_interval(secs => $3), updated_at = $2
			WHERE id = (
				SELECT id FROM monthly_controls
				WHERE patient_id = $1 AND status = 'active'
				ORDER BY valid_until DESC
				LIMIT 1
			)`, ref.PatientID, now, seconds(d))
		if err != nil {
			return fmt.Errorf("balance: extend monthly control: %w", err)
		}
		return nil
	}
}

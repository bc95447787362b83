// Package ratelimit guards booking endpoints against bursts of attempts by one patient.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

var tracer = otel.Tracer("booking.internal.ratelimit")

// Result is the outcome of one velocity check.
type Result struct {
	Allowed      bool
	CurrentCount int
	MaxAllowed   int
	WindowExpiry time.Time
	Message      string
}

// BookingVelocity counts reservation attempts per patient in a fixed window.
// Redis failures allow the attempt.
type BookingVelocity struct {
	redis  *redis.Client
	logger *logging.Logger
	max    int
	window time.Duration
}

func NewBookingVelocity(client *redis.Client, max int, window time.Duration, logger *logging.Logger) *BookingVelocity {
	if logger == nil {
		logger = logging.Default()
	}
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	return &BookingVelocity{redis: client, logger: logger, max: max, window: window}
}

func key(patientID uuid.UUID) string {
	return fmt.Sprintf("velocity:booking:%s", patientID)
}

// Check counts one attempt and reports whether it may proceed.
func (v *BookingVelocity) Check(ctx context.Context, patientID uuid.UUID) (*Result, error) {
	ctx, span := tracer.Start(ctx, "velocity.check_booking")
	defer span.End()
	span.SetAttributes(attribute.String("patient.id", patientID.String()))

	if v.redis == nil {
		return &Result{Allowed: true, Message: "velocity check disabled"}, nil
	}

	k := key(patientID)
	count, expiry, err := v.incrementAndGet(ctx, k)
	if err != nil {
		v.logger.Error("velocity check failed", "error", err, "key", k)
		return &Result{Allowed: true, Message: "velocity check unavailable"}, nil
	}

	result := &Result{
		Allowed:      count <= v.max,
		CurrentCount: count,
		MaxAllowed:   v.max,
		WindowExpiry: expiry,
	}
	if !result.Allowed {
		result.Message = fmt.Sprintf("exceeded %d booking attempts in %s", v.max, v.window)
		v.logger.Warn("booking velocity exceeded", "patient_id", patientID, "count", count, "max", v.max)
		span.SetAttributes(attribute.Bool("velocity.exceeded", true))
	}
	return result, nil
}

func (v *BookingVelocity) incrementAndGet(ctx context.Context, k string) (int, time.Time, error) {
	count, err := v.redis.Incr(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 1 {
		v.redis.Expire(ctx, k, v.window)
	}
	ttl, err := v.redis.TTL(ctx, k).Result()
	if err != nil || ttl < 0 {
		ttl = v.window
	}
	return int(count), time.Now().Add(ttl), nil
}

// Reset clears the counter of one patient.
func (v *BookingVelocity) Reset(ctx context.Context, patientID uuid.UUID) error {
	if v.redis == nil {
		return nil
	}
	return v.redis.Del(ctx, key(patientID)).Err()
}

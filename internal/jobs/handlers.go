package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/wolfman30/telehealth-booking/internal/apperr"
	"github.com/wolfman30/telehealth-booking/internal/dispatch"
	"github.com/wolfman30/telehealth-booking/internal/lifecycle"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// Lifecycle is the part of the lifecycle service the jobs drive.
type Lifecycle interface {
	CancelAutomatic(ctx context.Context, consultationID uuid.UUID) (*lifecycle.Outcome, error)
	CheckAttendance(ctx context.Context, consultationID uuid.UUID) (*lifecycle.Outcome, error)
	Complete(ctx context.Context, consultationID uuid.UUID, force bool) (*lifecycle.Outcome, error)
}

// Handlers runs consultation jobs.
type Handlers struct {
	lifecycle Lifecycle
	tokens    lifecycle.TokenIssuer
	logger    *logging.Logger
}

func NewHandlers(lc Lifecycle, tokens lifecycle.TokenIssuer, logger *logging.Logger) *Handlers {
	if lc == nil {
		panic("jobs: lifecycle required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{lifecycle: lc, tokens: tokens, logger: logger}
}

// Mux routes every job kind to its handler.
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(string(dispatch.JobIssueTokens), h.handle(h.issueTokens))
	mux.HandleFunc(string(dispatch.JobAutoCancel), h.handle(h.autoCancel))
	mux.HandleFunc(string(dispatch.JobAttendanceCheck), h.handle(h.attendanceCheck))
	mux.HandleFunc(string(dispatch.JobAutoComplete), h.handle(h.autoComplete))
	return mux
}

// handle decodes the payload and settles the error: a consultation that has
// moved on is done, a missing one is never retried.
func (h *Handlers) handle(fn func(context.Context, uuid.UUID) error) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p Payload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("jobs: decode %s: %v: %w", task.Type(), err, asynq.SkipRetry)
		}
		err := fn(ctx, p.ConsultationID)
		switch {
		case err == nil:
			return nil
		case apperr.Is(err, apperr.KindInvalidState):
			h.logger.Info("job skipped", "type", task.Type(), "consultation_id", p.ConsultationID, "reason", apperr.MessageOf(err))
			return nil
		case apperr.Is(err, apperr.KindNotFound):
			h.logger.Warn("job target missing", "type", task.Type(), "consultation_id", p.ConsultationID)
			return fmt.Errorf("jobs: %s: %w", task.Type(), errors.Join(err, asynq.SkipRetry))
		default:
			h.logger.Error("job failed", "type", task.Type(), "consultation_id", p.ConsultationID, "error", err)
			return err
		}
	}
}

func (h *Handlers) issueTokens(ctx context.Context, id uuid.UUID) error {
	if h.tokens == nil {
		return nil
	}
	_, _, err := h.tokens.EnsureTokens(ctx, id)
	return err
}

func (h *Handlers) autoCancel(ctx context.Context, id uuid.UUID) error {
	out, err := h.lifecycle.CancelAutomatic(ctx, id)
	if err == nil && out != nil {
		h.logger.Info("consultation auto-cancelled", "consultation_id", id, "status", out.Consultation.Status)
	}
	return err
}

func (h *Handlers) attendanceCheck(ctx context.Context, id uuid.UUID) error {
	out, err := h.lifecycle.CheckAttendance(ctx, id)
	if err == nil && out != nil {
		h.logger.Info("no-show recorded", "consultation_id", id, "status", out.Consultation.Status)
	}
	return err
}

// autoComplete falls back to the attendance check when one side never joined.
func (h *Handlers) autoComplete(ctx context.Context, id uuid.UUID) error {
	_, err := h.lifecycle.Complete(ctx, id, false)
	if apperr.Is(err, apperr.KindInvalidState) {
		return h.attendanceCheck(ctx, id)
	}
	return err
}

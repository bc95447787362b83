// Package jobs schedules and runs the delayed consultation jobs on asynq.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/wolfman30/telehealth-booking/internal/dispatch"
	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// Queue holds every consultation job.
const Queue = "consultations"

const defaultMaxRetry = 5

// Payload is the body of every consultation task.
type Payload struct {
	ConsultationID uuid.UUID `json:"consultation_id"`
}

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type deleter interface {
	DeleteTask(queue, id string) error
}

// Scheduler implements dispatch.JobScheduler. Task ids are derived from the kind
// and consultation so a second Schedule call is absorbed by asynq.
type Scheduler struct {
	client    enqueuer
	inspector deleter
	logger    *logging.Logger
	maxRetry  int
}

var _ dispatch.JobScheduler = (*Scheduler)(nil)

func NewScheduler(client enqueuer, inspector deleter, logger *logging.Logger) *Scheduler {
	if client == nil {
		panic("jobs: asynq client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{client: client, inspector: inspector, logger: logger, maxRetry: defaultMaxRetry}
}

// TaskID is the asynq id of one job.
func TaskID(kind dispatch.JobKind, consultationID uuid.UUID) string {
	return string(kind) + ":" + consultationID.String()
}

// NewTask builds the task for kind without scheduling it.
func NewTask(kind dispatch.JobKind, consultationID uuid.UUID) (*asynq.Task, error) {
	body, err := json.Marshal(Payload{ConsultationID: consultationID})
	if err != nil {
		return nil, fmt.Errorf("jobs: encode payload: %w", err)
	}
	return asynq.NewTask(string(kind), body), nil
}

func (s *Scheduler) Schedule(ctx context.Context, kind dispatch.JobKind, consultationID uuid.UUID, at time.Time) error {
	task, err := NewTask(kind, consultationID)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.TaskID(TaskID(kind, consultationID)),
		asynq.Queue(Queue),
		asynq.ProcessAt(at),
		asynq.MaxRetry(s.maxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		s.logger.Debug("job already scheduled", "kind", kind, "consultation_id", consultationID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("jobs: schedule %s: %w", kind, err)
	}
	return nil
}

// Cancel removes every pending job of a consultation. Jobs that already ran or
// were never scheduled are ignored.
func (s *Scheduler) Cancel(ctx context.Context, consultationID uuid.UUID) error {
	if s.inspector == nil {
		return nil
	}
	var errs []error
	for _, kind := range dispatch.AllJobKinds {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.inspector.DeleteTask(Queue, TaskID(kind, consultationID))
		if err == nil || errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		errs = append(errs, fmt.Errorf("jobs: delete %s: %w", kind, err))
	}
	return errors.Join(errs...)
}

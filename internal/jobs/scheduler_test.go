package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-booking/internal/dispatch"
)

type fakeClient struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type fakeInspector struct {
	deleted []string
	errs    map[string]error
}

func (f *fakeInspector) DeleteTask(queue, id string) error {
	f.deleted = append(f.deleted, queue+"/"+id)
	return f.errs[id]
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) any {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func TestScheduleUsesDeterministicTaskID(t *testing.T) {
	client := &fakeClient{}
	s := NewScheduler(client, nil, nil)
	id := uuid.New()
	at := time.Date(2026, 3, 12, 13, 0, 0, 0, time.UTC)

	require.NoError(t, s.Schedule(context.Background(), dispatch.JobAutoCancel, id, at))
	require.Len(t, client.tasks, 1)

	task := client.tasks[0]
	assert.Equal(t, "consultation:auto_cancel", task.Type())
	var p Payload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, id, p.ConsultationID)

	opts := client.opts[0]
	assert.Equal(t, "consultation:auto_cancel:"+id.String(), optionValue(opts, asynq.TaskIDOpt))
	assert.Equal(t, Queue, optionValue(opts, asynq.QueueOpt))
	assert.Equal(t, at, optionValue(opts, asynq.ProcessAtOpt))
}

func TestScheduleTreatsDuplicateAsSuccess(t *testing.T) {
	s := NewScheduler(&fakeClient{err: asynq.ErrTaskIDConflict}, nil, nil)
	assert.NoError(t, s.Schedule(context.Background(), dispatch.JobIssueTokens, uuid.New(), time.Now()))
}

func TestSchedulePropagatesRedisErrors(t *testing.T) {
	s := NewScheduler(&fakeClient{err: errors.New("connection refused")}, nil, nil)
	err := s.Schedule(context.Background(), dispatch.JobAutoComplete, uuid.New(), time.Now())
	assert.ErrorContains(t, err, "connection refused")
}

func TestCancelDeletesEveryKind(t *testing.T) {
	id := uuid.New()
	inspector := &fakeInspector{errs: map[string]error{
		TaskID(dispatch.JobIssueTokens, id): asynq.ErrTaskNotFound,
	}}
	s := NewScheduler(&fakeClient{}, inspector, nil)

	require.NoError(t, s.Cancel(context.Background(), id))
	assert.Len(t, inspector.deleted, len(dispatch.AllJobKinds))
	assert.Contains(t, inspector.deleted, Queue+"/consultation:attendance_check:"+id.String())
}

func TestCancelReportsFailures(t *testing.T) {
	id := uuid.New()
	inspector := &fakeInspector{errs: map[string]error{
		TaskID(dispatch.JobAutoComplete, id): errors.New("task is active"),
	}}
	s := NewScheduler(&fakeClient{}, inspector, nil)

	err := s.Cancel(context.Background(), id)
	assert.ErrorContains(t, err, "consultation:auto_complete")
	assert.Len(t, inspector.deleted, len(dispatch.AllJobKinds))
}

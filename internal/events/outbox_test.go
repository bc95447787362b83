package events

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outboxColumns = []string{"id", "aggregate_id", "type", "payload", "attempts", "created_at"}

func TestOutboxStore_InsertFetchMark(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	ctx := context.Background()
	store := NewOutboxStore(mock)

	mock.ExpectExec("INSERT INTO outbox").
		WithArgs(pgxmock.AnyArg(), "consultation-1", TypeSettlementRequested, []byte(`{"foo":"bar"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	_, err = store.Insert(ctx, "consultation-1", TypeSettlementRequested, map[string]string{"foo": "bar"})
	require.NoError(t, err)

	id := uuid.New()
	mock.ExpectQuery("FROM outbox WHERE delivered_at IS NULL AND attempts < \\$1 ORDER BY seq LIMIT \\$2").
		WithArgs(10, int32(5)).
		WillReturnRows(pgxmock.NewRows(outboxColumns).
			AddRow(id, "consultation-1", TypeSettlementRequested, []byte(`{"foo":"bar"}`), 2, time.Now().UTC()))
	entries, err := store.FetchPending(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.JSONEq(t, `{"foo":"bar"}`, string(entries[0].Payload))

	mock.ExpectExec("UPDATE outbox SET delivered_at").WithArgs(id).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	ok, err := store.MarkDelivered(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "already delivered by another relay")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxStore_MarkFailedTruncatesError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	long := strings.Repeat("x", maxErrorLength+50)
	mock.ExpectExec("UPDATE outbox SET attempts = attempts \\+ 1").
		WithArgs(id, long[:maxErrorLength]).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, NewOutboxStore(mock).MarkFailed(context.Background(), id, errors.New(long)))
	require.NoError(t, mock.ExpectationsWereMet())
}

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	err       error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _ string, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

type handlerFunc func(ctx context.Context, entry OutboxEntry) error

func (f handlerFunc) Handle(ctx context.Context, entry OutboxEntry) error { return f(ctx, entry) }

func TestRelay_DrainPublishesInAggregateOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	delivered, failed, heldBack := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()
	mock.ExpectQuery("FROM outbox").WithArgs(defaultMaxAttempts, int32(defaultRelayBatch)).WillReturnRows(
		pgxmock.NewRows(outboxColumns).
			AddRow(delivered, "c-1", TypeBalanceRefunded, []byte(`{}`), 0, now).
			AddRow(failed, "c-2", TypeConsultationChanged, []byte(`{}`), 0, now).
			AddRow(heldBack, "c-2", TypeSettlementRequested, []byte(`{}`), 0, now.Add(time.Second)))
	mock.ExpectExec("UPDATE outbox SET delivered_at").WithArgs(delivered).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE outbox SET attempts").WithArgs(failed, "broker down").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ch := &fakeChannel{}
	publisher := NewAMQPPublisher(ch, "booking.events", nil)
	var seen []uuid.UUID
	handler := handlerFunc(func(ctx context.Context, entry OutboxEntry) error {
		seen = append(seen, entry.ID)
		if entry.ID == failed {
			return errors.New("broker down")
		}
		return publisher.Handle(ctx, entry)
	})

	n := NewRelay(NewOutboxStore(mock), handler, nil).Drain(context.Background())
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{delivered, failed}, seen, "later events of a failed aggregate wait")
	require.Len(t, ch.published, 1)
	assert.Equal(t, TypeBalanceRefunded, ch.keys[0])
	assert.Equal(t, delivered.String(), ch.published[0].MessageId)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_FetchErrorDeliversNothing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM outbox").WithArgs(3, int32(10)).WillReturnError(errors.New("conn reset"))
	relay := NewRelay(NewOutboxStore(mock), LogHandler{}, nil).WithMaxAttempts(3).WithBatchSize(10)
	assert.Zero(t, relay.Drain(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRelay_RequiresStoreAndHandler(t *testing.T) {
	assert.Panics(t, func() { NewRelay(nil, LogHandler{}, nil) })
}

func TestAMQPPublisherWrapsError(t *testing.T) {
	p := NewAMQPPublisher(&fakeChannel{err: errors.New("channel closed")}, "booking.events", nil)
	err := p.Handle(context.Background(), OutboxEntry{ID: uuid.New(), Type: TypeConsultationReserved})
	assert.Error(t, err)
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

const (
	defaultRelayBatch    = 25
	defaultRelayInterval = 2 * time.Second
	defaultMaxAttempts   = 10
	maxErrorLength       = 500
)

// OutboxEntry is one undelivered event row.
type OutboxEntry struct {
	ID          uuid.UUID
	AggregateID string
	Type        string
	Payload     json.RawMessage
	Attempts    int
	CreatedAt   time.Time
}

// DeliveryHandler emits events to downstream transports.
type DeliveryHandler interface {
	Handle(ctx context.Context, entry OutboxEntry) error
}

// DB is satisfied by *pgxpool.Pool and pgx.Tx. Writing through a pgx.Tx makes
// the event commit or roll back with the state change it describes.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore is the transactional outbox table.
type OutboxStore struct {
	db DB
}

func NewOutboxStore(db DB) *OutboxStore {
	if db == nil {
		panic("events: db required")
	}
	return &OutboxStore{db: db}
}

// Insert stores an event keyed by the consultation (or other aggregate) it describes.
func (s *OutboxStore) Insert(ctx context.Context, aggregateID string, eventType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	id := uuid.New()
	const query = `
		INSERT INTO outbox (id, aggregate_id, type, payload)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.Exec(ctx, query, id, aggregateID, eventType, data); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert %s: %w", eventType, err)
	}
	return id, nil
}

// FetchPending returns undelivered events that have not used up their attempts, in
// insertion order. seq orders rows written in one transaction, where created_at is
// identical. Parked entries stay in the table for manual replay.
func (s *OutboxStore) FetchPending(ctx context.Context, maxAttempts int, limit int32) ([]OutboxEntry, error) {
	const query = `
		SELECT id, aggregate_id, type, payload, attempts, created_at
		FROM outbox
		WHERE delivered_at IS NULL AND attempts < $1
		ORDER BY seq
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("events: fetch pending: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			entry   OutboxEntry
			payload []byte
		)
		if err := rows.Scan(&entry.ID, &entry.AggregateID, &entry.Type, &payload, &entry.Attempts, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		entry.Payload = json.RawMessage(append([]byte(nil), payload...))
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkDelivered reports false when another relay got there first.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	ct, err := s.db.Exec(ctx, `UPDATE outbox SET delivered_at = now() WHERE id = $1 AND delivered_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkFailed counts a failed attempt and keeps the last error for operators.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, cause error) error {
	msg := cause.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	if _, err := s.db.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, msg); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}

// Relay moves outbox rows to a DeliveryHandler. Events of one aggregate are
// published in insertion order: after a failure the aggregate's later events
// wait for the next pass.
type Relay struct {
	store       *OutboxStore
	handler     DeliveryHandler
	logger      *logging.Logger
	batchSize   int32
	interval    time.Duration
	maxAttempts int
}

func NewRelay(store *OutboxStore, handler DeliveryHandler, logger *logging.Logger) *Relay {
	if store == nil || handler == nil {
		panic("events: outbox store and handler required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Relay{
		store:       store,
		handler:     handler,
		logger:      logger,
		batchSize:   defaultRelayBatch,
		interval:    defaultRelayInterval,
		maxAttempts: defaultMaxAttempts,
	}
}

func (r *Relay) WithBatchSize(size int32) *Relay {
	if size > 0 {
		r.batchSize = size
	}
	return r
}

func (r *Relay) WithInterval(interval time.Duration) *Relay {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

// WithMaxAttempts sets how often an entry is retried before it is parked.
func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// Start relays on every tick until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	r.logger.Info("starting outbox relay", "interval", r.interval.String(), "batch", r.batchSize)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Drain(ctx)
		}
	}
}

// Drain relays one batch and returns how many entries were delivered.
func (r *Relay) Drain(ctx context.Context) int {
	entries, err := r.store.FetchPending(ctx, r.maxAttempts, r.batchSize)
	if err != nil {
		r.logger.Error("outbox fetch failed", "error", err)
		return 0
	}

	held := make(map[string]bool)
	delivered := 0
	for _, entry := range entries {
		if held[entry.AggregateID] {
			continue
		}
		if err := r.handler.Handle(ctx, entry); err != nil {
			held[entry.AggregateID] = true
			r.fail(ctx, entry, err)
			continue
		}
		ok, err := r.store.MarkDelivered(ctx, entry.ID)
		if err != nil {
			r.logger.Error("failed to mark outbox delivered", "error", err, "event_id", entry.ID)
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered
}

func (r *Relay) fail(ctx context.Context, entry OutboxEntry, cause error) {
	attempt := entry.Attempts + 1
	if attempt >= r.maxAttempts {
		r.logger.Error("outbox entry parked", "event_id", entry.ID, "type", entry.Type, "aggregate_id", entry.AggregateID, "attempts", attempt, "error", cause)
	} else {
		r.logger.Warn("outbox delivery failed", "event_id", entry.ID, "type", entry.Type, "attempt", attempt, "error", cause)
	}
	if err := r.store.MarkFailed(ctx, entry.ID, cause); err != nil {
		r.logger.Error("failed to record outbox failure", "error", err, "event_id", entry.ID)
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

// DefaultChannel is the Redis pub/sub channel notifications travel on.
const DefaultChannel = "booking:realtime"

// Local delivers a notification to sockets held by this process. *Hub implements it.
type Local interface {
	NotifyUser(ctx context.Context, userID uuid.UUID, event string, payload any) error
}

type envelope struct {
	UserID  uuid.UUID       `json:"user_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Fanout publishes notifications to Redis so the process holding the user's socket
// delivers them, whichever process raised the event.
type Fanout struct {
	client  *redis.Client
	channel string
	logger  *logging.Logger
}

func NewFanout(client *redis.Client, channel string, logger *logging.Logger) *Fanout {
	if client == nil {
		panic("realtime: redis client required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Fanout{client: client, channel: channel, logger: logger}
}

// NotifyUser publishes the event. It does not know whether anyone is connected.
func (f *Fanout) NotifyUser(ctx context.Context, userID uuid.UUID, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(envelope{UserID: userID, Event: event, Payload: body})
	if err != nil {
		return fmt.Errorf("realtime: marshal envelope: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("realtime: publish %s: %w", event, err)
	}
	return nil
}

// Forward subscribes to the channel and hands every notification to local until
// ctx is cancelled.
func (f *Fanout) Forward(ctx context.Context, local Local) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("realtime: subscribe %s: %w", f.channel, err)
	}
	f.logger.Info("realtime fan-out subscribed", "channel", f.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			f.deliver(ctx, local, msg.Payload)
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, local Local, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		f.logger.Warn("dropping malformed realtime message", "error", err)
		return
	}
	if err := local.NotifyUser(ctx, env.UserID, env.Event, env.Payload); err != nil {
		f.logger.Warn("realtime delivery failed", "user_id", env.UserID, "event", env.Event, "error", err)
	}
}

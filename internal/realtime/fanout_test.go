package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

type captured struct {
	user    uuid.UUID
	event   string
	payload any
}

type localRecorder struct {
	mu  sync.Mutex
	got []captured
}

func (l *localRecorder) NotifyUser(_ context.Context, userID uuid.UUID, event string, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, captured{user: userID, event: event, payload: payload})
	return nil
}

func (l *localRecorder) snapshot() []captured {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]captured(nil), l.got...)
}

func startForward(t *testing.T, mr *miniredis.Miniredis, f *Fanout, local Local) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Forward(ctx, local) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("forward did not stop after cancel")
		}
	})
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFanout_ForwardsPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	api := NewFanout(client, "", logging.New("error"))
	local := &localRecorder{}
	startForward(t, mr, api, local)

	// The worker publishes through its own client.
	workerClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer workerClient.Close()
	worker := NewFanout(workerClient, DefaultChannel, logging.New("error"))

	user := uuid.New()
	require.NoError(t, worker.NotifyUser(context.Background(), user, "consultation.no_show", map[string]string{"status": "no_show_patient"}))

	require.Eventually(t, func() bool { return len(local.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := local.snapshot()[0]
	assert.Equal(t, user, got.user)
	assert.Equal(t, "consultation.no_show", got.event)
	raw, ok := got.payload.(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"no_show_patient"}`, string(raw))
}

func TestFanout_SkipsMalformedMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f := NewFanout(client, "", logging.New("error"))
	local := &localRecorder{}
	startForward(t, mr, f, local)

	mr.Publish(DefaultChannel, "not json")
	require.NoError(t, f.NotifyUser(context.Background(), uuid.New(), "consultation.completed", nil))

	require.Eventually(t, func() bool { return len(local.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "consultation.completed", local.snapshot()[0].event)
}

func TestFanout_DeliversToHubSockets(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub(queryIdentify, logging.New("error"))
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	f := NewFanout(client, "", logging.New("error"))
	startForward(t, mr, f, hub)

	user := uuid.New()
	conn := dial(t, srv, user)
	require.NoError(t, f.NotifyUser(context.Background(), user, "consultation.completed", map[string]any{"status": "completed"}))

	var got Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "event", got.Type)
	assert.Equal(t, "consultation.completed", got.Event)
	assert.Equal(t, map[string]any{"status": "completed"}, got.Payload)
}

func TestFanout_PublishFailsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewFanout(client, "", nil).NotifyUser(context.Background(), uuid.New(), "consultation.reserved", nil)
	assert.Error(t, err)
}

func TestNewFanout_RequiresClient(t *testing.T) {
	assert.Panics(t, func() { NewFanout(nil, "", nil) })
}

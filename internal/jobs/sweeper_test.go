package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

type countingCompleter struct {
	calls atomic.Int32
	n     int
	err   error
}

func (c *countingCompleter) SweepCompleted(context.Context) (int, error) {
	c.calls.Add(1)
	return c.n, c.err
}

func TestCompletionSweeper_RunOnce(t *testing.T) {
	c := &countingCompleter{n: 3}
	s := NewCompletionSweeper(c, logging.New("error"))
	assert.Equal(t, 3, s.RunOnce(context.Background()))

	c.err = errors.New("db down")
	c.n = 1
	assert.Equal(t, 1, s.RunOnce(context.Background()))
	assert.EqualValues(t, 2, c.calls.Load())
}

func TestCompletionSweeper_StartStopsOnCancel(t *testing.T) {
	c := &countingCompleter{}
	s := NewCompletionSweeper(c, logging.New("error")).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewCompletionSweeper_PanicsWithoutCompleter(t *testing.T) {
	assert.Panics(t, func() { NewCompletionSweeper(nil, nil) })
}

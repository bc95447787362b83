package jobs

import (
	"context"
	"time"

	"github.com/wolfman30/telehealth-booking/pkg/logging"
)

const defaultSweepInterval = 5 * time.Minute

// Completer closes consultations whose session has ended.
type Completer interface {
	SweepCompleted(ctx context.Context) (int, error)
}

// CompletionSweeper backs up the auto-complete jobs for consultations whose job
// was lost or never scheduled.
type CompletionSweeper struct {
	completer Completer
	interval  time.Duration
	logger    *logging.Logger
}

func NewCompletionSweeper(completer Completer, logger *logging.Logger) *CompletionSweeper {
	if completer == nil {
		panic("jobs: completer required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CompletionSweeper{completer: completer, interval: defaultSweepInterval, logger: logger}
}

// WithInterval sets the sweep interval.
func (s *CompletionSweeper) WithInterval(interval time.Duration) *CompletionSweeper {
	if interval > 0 {
		s.interval = interval
	}
	return s
}

// Start sweeps once immediately and then on every tick. Blocks until ctx is cancelled.
func (s *CompletionSweeper) Start(ctx context.Context) {
	s.logger.Info("starting completion sweeper", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("completion sweeper shutting down")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns how many consultations were completed.
func (s *CompletionSweeper) RunOnce(ctx context.Context) int {
	n, err := s.completer.SweepCompleted(ctx)
	if err != nil {
		s.logger.Error("completion sweep failed", "error", err, "completed", n)
		return n
	}
	if n > 0 {
		s.logger.Info("completed finished consultations", "count", n)
	}
	return n
}

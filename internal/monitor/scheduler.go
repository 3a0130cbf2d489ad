package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// lockTTL bounds how long a crashed process can hold a preset hostage.
const lockTTL = 5 * time.Minute

// lockRetryInterval is how often a standby process re-attempts the lock.
const lockRetryInterval = 15 * time.Second

// Scheduler runs one Monitor per preset under a shared error group. Each
// loop first acquires the preset's distributed lock so only one process
// trades a preset at a time; the others wait as warm standbys.
type Scheduler struct {
	monitors []*Monitor
	locks    domain.LockManager
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler over the given monitors.
func NewScheduler(monitors []*Monitor, locks domain.LockManager, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		monitors: monitors,
		locks:    locks,
		logger:   logger.With(slog.String("component", "monitor.scheduler")),
	}
}

// Run blocks until the context ends or a monitor fails fatally.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range s.monitors {
		g.Go(func() error {
			return s.runLocked(ctx, m)
		})
	}
	return g.Wait()
}

// runLocked holds the preset's lock for the lifetime of its monitor loop.
// The lock manager extends the TTL while the lock is held, so lockTTL only
// matters when the holder dies without unlocking.
func (s *Scheduler) runLocked(ctx context.Context, m *Monitor) error {
	key := "monitor:" + m.preset.Name
	unlock, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	s.logger.Info("preset lock acquired",
		slog.String("preset", m.preset.Name))

	return m.Run(ctx)
}

// acquire blocks until the lock is ours or the context ends.
func (s *Scheduler) acquire(ctx context.Context, key string) (func(), error) {
	for {
		unlock, err := s.locks.Acquire(ctx, key, lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

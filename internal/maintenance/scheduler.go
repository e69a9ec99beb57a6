package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"secure-store/internal/observability"
)

const cleanupTimeout = time.Minute

// Scheduler runs Cleaner in-process on a cron schedule, for deployments
// without an external cron hitting CleanupHandler.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler parses schedule (standard five-field cron syntax or a descriptor
// such as "@hourly") and registers the cleanup job. Start must be called to
// begin running it.
func NewScheduler(schedule string, cleaner Cleaner, logger *observability.Logger, batchSize int) (*Scheduler, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		_, _ = runCleanup(ctx, cleaner, logger, batchSize, "cron")
	})
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}

	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents further runs and waits for a running cleanup to finish or
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Next reports when the cleanup job will run next. Zero before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

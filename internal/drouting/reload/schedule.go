package reload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs reloads on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	trigger *Trigger
	timeout time.Duration
}

// NewScheduler parses spec (standard five fields or descriptors such as
// "@every 5m").
func NewScheduler(spec string, trigger *Trigger, timeout time.Duration) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid reload schedule %q: %w", spec, err)
	}
	s := &Scheduler{
		cron:    cron.New(),
		spec:    spec,
		trigger: trigger,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid reload schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	// failures are logged and recorded by the trigger
	_, _ = s.trigger.Reload(ctx, "cron")
}

// Run starts the schedule and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("[Reload] Scheduled reloads enabled", "schedule", s.spec)
	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	return nil
}

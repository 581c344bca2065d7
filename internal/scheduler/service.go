// Package scheduler fires the periodic maintenance jobs (quota resets,
// stale-claim recovery) on cron schedules evaluated against the clock.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"reachflow/internal/clock"
)

// Job is one periodic task. Spec is a standard five-field cron expression or
// a descriptor such as "@every 1m".
type Job struct {
	Name       string
	Spec       string
	RunOnStart bool
	Run        func(ctx context.Context, now time.Time) error
}

type entry struct {
	job      Job
	schedule cron.Schedule
	next     time.Time
}

type Service struct {
	clock    clock.Clock
	loc      *time.Location
	interval time.Duration
	entries  []*entry
	stop     chan struct{}
	log      zerolog.Logger
}

// NewService parses every job's schedule. Schedules are evaluated in loc so
// "0 0 * * *" means local midnight.
func NewService(clk clock.Clock, loc *time.Location, checkInterval time.Duration, log zerolog.Logger, jobs ...Job) (*Service, error) {
	if loc == nil {
		loc = time.UTC
	}
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	s := &Service{
		clock:    clk,
		loc:      loc,
		interval: checkInterval,
		stop:     make(chan struct{}),
		log:      log,
	}
	now := clk.Now().In(loc)
	for _, j := range jobs {
		sched, err := cron.ParseStandard(j.Spec)
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid schedule %q: %w", j.Name, j.Spec, err)
		}
		s.entries = append(s.entries, &entry{job: j, schedule: sched, next: sched.Next(now)})
	}
	return s, nil
}

// Start runs the jobs marked RunOnStart, then fires due jobs on every tick
// until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Int("jobs", len(s.entries)).Msg("schedule service started")

	now := s.clock.Now()
	for _, e := range s.entries {
		if e.job.RunOnStart {
			s.run(ctx, e, now)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C():
			s.processDue(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Next reports when the named job fires next.
func (s *Service) Next(name string) (time.Time, bool) {
	for _, e := range s.entries {
		if e.job.Name == name {
			return e.next, true
		}
	}
	return time.Time{}, false
}

func (s *Service) processDue(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		s.run(ctx, e, now)
		// Missed firings collapse into one run.
		e.next = e.schedule.Next(now.In(s.loc))
	}
}

func (s *Service) run(ctx context.Context, e *entry, now time.Time) {
	start := time.Now()
	if err := e.job.Run(ctx, now); err != nil {
		s.log.Error().Err(err).Str("job", e.job.Name).Msg("scheduled job failed")
		return
	}
	s.log.Debug().Str("job", e.job.Name).Dur("took", time.Since(start)).Time("next_run", e.schedule.Next(now.In(s.loc))).Msg("scheduled job ran")
}

// ValidateCronExpression reports whether expr is a standard cron expression
// or descriptor that NewService accepts.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

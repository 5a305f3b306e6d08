package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is a named maintenance sweep run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler runs maintenance jobs on cron schedules. The daemon registers
// its sweeps before Start; jobs added afterwards are not picked up.
type Scheduler struct {
	cron *cron.Cron
	jobs []Job
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithParser(cronParser))}
}

// Add registers a job to be scheduled by Start.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start registers every job as a cron entry and starts the ticker. The
// context is handed to each run and should end with the daemon. Schedules
// come from code, not user input, so a bad one fails Start outright.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		_, err := s.cron.AddFunc(job.Schedule, func() {
			slog.Debug("maintenance job firing", "name", job.Name)
			job.Run(ctx)
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron ticker. Runs already in flight finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

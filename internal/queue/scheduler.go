package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Scheduler enqueues repeated tasks on cron specs.
type Scheduler struct {
	s *asynq.Scheduler
}

func NewScheduler(connOpt asynq.RedisConnOpt) *Scheduler {
	return &Scheduler{s: asynq.NewScheduler(connOpt, &asynq.SchedulerOpts{
		Logger:   SlogLogger{Logger: slog.Default().With("component", "scheduler")},
		LogLevel: asynq.WarnLevel,
	})}
}

// Register adds a periodic task for queueName.
func (s *Scheduler) Register(spec, queueName string, payload any) error {
	task, opts, err := BuildTask(queueName, payload, EnqueueOptions{})
	if err != nil {
		return err
	}
	id, err := s.s.Register(spec, task, opts...)
	if err != nil {
		return fmt.Errorf("register %s on %q: %w", queueName, spec, err)
	}
	slog.Info("periodic task registered", "queue", queueName, "spec", spec, "entry_id", id)
	return nil
}

func (s *Scheduler) Name() string { return "scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	return s.s.Start()
}

func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.s.Shutdown()
	return nil
}

package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Server is one worker pool bound to a single logical queue and its lanes.
type Server struct {
	Policy Policy
	srv    *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer builds a worker pool for policy.Queue running handler. Lanes are
// served with strict priority so high-lane work always drains first. With a
// non-nil stalls counter, lost leases are counted and StallGuard caps them.
func NewServer(connOpt asynq.RedisConnOpt, policy Policy, handler asynq.Handler, stalls StallCounter) *Server {
	queues := map[string]int{}
	weights := []int{6, 3, 1}
	for i, lane := range Lanes {
		queues[LaneQueue(policy.Queue, lane)] = weights[i]
	}

	srv := asynq.NewServer(connOpt, asynq.Config{
		Concurrency:    policy.Concurrency,
		Queues:         queues,
		StrictPriority: true,
		RetryDelayFunc: retryDelay(policy, stalls),
		IsFailure:      isFailure,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			taskID, _ := asynq.GetTaskID(ctx)
			slog.Error("task failed",
				"queue", policy.Queue,
				"task_id", taskID,
				"retried", retried,
				"max_retry", maxRetry,
				"error", err,
			)
		}),
		Logger:          SlogLogger{Logger: slog.Default().With("queue", policy.Queue)},
		LogLevel:        asynq.WarnLevel,
		ShutdownTimeout: 30 * time.Second,
	})

	mux := asynq.NewServeMux()
	if stalls != nil {
		mux.Use(StallGuard(policy, stalls))
	}
	mux.Handle(policy.Queue, handler)

	return &Server{Policy: policy, srv: srv, mux: mux}
}

// isFailure keeps shutdowns and lost leases from using up attempts; lost
// leases are capped by the stall count instead.
func isFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, asynq.ErrLeaseExpired)
}

// retryDelay is exponential backoff for failures. A lost lease is a stall:
// the backend's lease recovery calls this hook with asynq.ErrLeaseExpired
// once for every task whose worker stopped renewing, so the stall is counted
// here and the task redelivered after the stall interval.
func retryDelay(policy Policy, stalls StallCounter) asynq.RetryDelayFunc {
	return func(n int, err error, t *asynq.Task) time.Duration {
		if !errors.Is(err, asynq.ErrLeaseExpired) {
			return policy.RetryDelay(n)
		}
		if stalls != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, serr := RecordStall(ctx, stalls, policy, t); serr != nil {
				slog.Warn("failed to record stall", "queue", policy.Queue, "error", serr)
			}
		}
		return policy.StallInterval
	}
}

func (s *Server) Name() string { return "queue:" + s.Policy.Queue }

// Start begins processing in the background.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("starting stage worker", "queue", s.Policy.Queue, "concurrency", s.Policy.Concurrency, "lock_duration", s.Policy.LockDuration, "max_runtime", s.Policy.MaxRuntime)
	return s.srv.Start(s.mux)
}

// Shutdown stops fetching new tasks and waits for in-flight ones up to the
// shutdown timeout; unfinished tasks are returned to the queue.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srv.Shutdown()
	slog.Info("stage worker stopped", "queue", s.Policy.Queue)
	return nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// Priority selects the lane; 0 means normal.
	Priority int
	// TaskID deduplicates: while a task with this id exists, further enqueues are no-ops.
	TaskID string
	Delay  time.Duration
}

// Client enqueues JSON payloads with the policy of the target queue applied.
type Client struct {
	c *asynq.Client
}

func NewClient(connOpt asynq.RedisConnOpt) *Client {
	return &Client{c: asynq.NewClient(connOpt)}
}

func (c *Client) Close() error {
	return c.c.Close()
}

// BuildTask assembles the task and options for queueName. Exposed for tests
// and for the scheduler, which registers tasks instead of enqueuing them.
func BuildTask(queueName string, payload any, opts EnqueueOptions) (*asynq.Task, []asynq.Option, error) {
	policy, ok := PolicyFor(queueName)
	if !ok {
		return nil, nil, fmt.Errorf("unknown queue %q", queueName)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s payload: %w", queueName, err)
	}

	taskOpts := []asynq.Option{
		asynq.Queue(LaneQueue(policy.Queue, LaneFor(opts.Priority))),
		asynq.MaxRetry(policy.MaxRetry()),
		asynq.Timeout(policy.MaxRuntime),
	}
	if opts.TaskID != "" {
		taskOpts = append(taskOpts, asynq.TaskID(opts.TaskID))
	}
	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}
	return asynq.NewTask(policy.Queue, body), taskOpts, nil
}

// Enqueue submits payload onto queueName. A duplicate task id is not an error:
// the existing task already represents the work.
func (c *Client) Enqueue(ctx context.Context, queueName string, payload any, opts EnqueueOptions) error {
	task, taskOpts, err := BuildTask(queueName, payload, opts)
	if err != nil {
		return err
	}
	info, err := c.c.EnqueueContext(ctx, task, taskOpts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			slog.Info("task already queued", "queue", queueName, "task_id", opts.TaskID)
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	slog.Debug("task enqueued", "queue", info.Queue, "task_id", info.ID, "priority", opts.Priority)
	return nil
}

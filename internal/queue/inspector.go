package queue

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskState is the subset of backend task states the API surfaces.
type TaskState string

const (
	StateActive    TaskState = "active"
	StatePending   TaskState = "waiting"
	StateScheduled TaskState = "delayed"
	StateRetry     TaskState = "retry"
)

// TaskSummary describes one in-flight task.
type TaskSummary struct {
	ID      string    `json:"id"`
	Queue   string    `json:"queue"`
	State   TaskState `json:"state"`
	Payload []byte    `json:"-"`
	Retried int       `json:"retried"`
	LastErr string    `json:"lastError,omitempty"`
}

// Inspector reads queue state across all lanes of a logical queue.
type Inspector struct {
	i *asynq.Inspector
}

func NewInspector(connOpt asynq.RedisConnOpt) *Inspector {
	return &Inspector{i: asynq.NewInspector(connOpt)}
}

func (in *Inspector) Close() error {
	return in.i.Close()
}

// ActiveCount sums the tasks currently being processed on every lane of base.
func (in *Inspector) ActiveCount(base string) (int, error) {
	total := 0
	for _, q := range LaneQueues(base) {
		info, err := in.i.GetQueueInfo(q)
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			return 0, fmt.Errorf("queue info %s: %w", q, err)
		}
		total += info.Active
	}
	return total, nil
}

// ListInFlight returns active, waiting, delayed and retrying tasks of base.
func (in *Inspector) ListInFlight(base string) ([]TaskSummary, error) {
	type lister func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	listers := []struct {
		state TaskState
		list  lister
	}{
		{StateActive, in.i.ListActiveTasks},
		{StatePending, in.i.ListPendingTasks},
		{StateScheduled, in.i.ListScheduledTasks},
		{StateRetry, in.i.ListRetryTasks},
	}

	var out []TaskSummary
	for _, q := range LaneQueues(base) {
		for _, l := range listers {
			tasks, err := l.list(q, asynq.PageSize(500))
			if err != nil {
				if errors.Is(err, asynq.ErrQueueNotFound) {
					break
				}
				return nil, fmt.Errorf("list %s tasks in %s: %w", l.state, q, err)
			}
			for _, t := range tasks {
				out = append(out, TaskSummary{
					ID:      t.ID,
					Queue:   base,
					State:   l.state,
					Payload: t.Payload,
					Retried: t.Retried,
					LastErr: t.LastErr,
				})
			}
		}
	}
	return out, nil
}

// ListArchived returns tasks of base that exhausted their retries.
func (in *Inspector) ListArchived(base string) ([]TaskSummary, error) {
	var out []TaskSummary
	for _, q := range LaneQueues(base) {
		tasks, err := in.i.ListArchivedTasks(q, asynq.PageSize(500))
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			return nil, fmt.Errorf("list archived tasks in %s: %w", q, err)
		}
		for _, t := range tasks {
			out = append(out, TaskSummary{ID: t.ID, Queue: t.Queue, Payload: t.Payload, Retried: t.Retried, LastErr: t.LastErr})
		}
	}
	return out, nil
}

// DeleteTask removes a task from the lane queue it lives in.
func (in *Inspector) DeleteTask(laneQueue, id string) error {
	return in.i.DeleteTask(laneQueue, id)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/queue"
)

// ArchiveInspector lists and removes tasks that exhausted their retries.
// *queue.Inspector satisfies it.
type ArchiveInspector interface {
	ListArchived(base string) ([]queue.TaskSummary, error)
	DeleteTask(laneQueue, id string) error
}

// Reaper settles stage tasks the backend archived without our handler seeing
// the final failure, for example when the worker died during the last
// attempt. Embedding tasks become failed barrier arrivals; other stages mark
// the job as errored. Settled tasks are deleted from the archive.
type Reaper struct {
	worker    *Worker
	inspector ArchiveInspector
}

func NewReaper(w *Worker, inspector ArchiveInspector) *Reaper {
	return &Reaper{worker: w, inspector: inspector}
}

// Sweep settles every archived stage task once.
func (r *Reaper) Sweep(ctx context.Context) error {
	settled := 0
	var errs []error
	for _, base := range queue.StageQueues() {
		tasks, err := r.inspector.ListArchived(base)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range tasks {
			if err := r.settle(ctx, base, t); err != nil {
				errs = append(errs, fmt.Errorf("settle %s/%s: %w", t.Queue, t.ID, err))
				continue
			}
			if err := r.inspector.DeleteTask(t.Queue, t.ID); err != nil {
				errs = append(errs, fmt.Errorf("delete %s/%s: %w", t.Queue, t.ID, err))
				continue
			}
			settled++
		}
	}
	if settled > 0 {
		slog.Info("archived stage tasks settled", "count", settled)
	}
	return errors.Join(errs...)
}

func (r *Reaper) settle(ctx context.Context, base string, t queue.TaskSummary) error {
	p, err := DecodePayload(t.Payload)
	if err != nil {
		slog.Warn("discarding archived task with malformed payload", "queue", t.Queue, "task_id", t.ID, "error", err)
		return nil
	}

	if isEmbeddingQueue(base) {
		fired, err := r.worker.barrier.Arrive(ctx, barrierKey(p), base, false)
		if errors.Is(err, ErrBarrierNotArmed) || errors.Is(err, ErrBarrierSealed) {
			// Already finalized, or never armed for this run.
			return nil
		}
		if err != nil {
			return err
		}
		if fired {
			slog.Info("archived embedding completed barrier, scheduling finalization", "job_id", p.JobID)
			return r.worker.finalizeAfter(ctx, base, p)
		}
		return nil
	}

	msg := fmt.Sprintf("%s: retries exhausted", base)
	if t.LastErr != "" {
		msg += ": " + t.LastErr
	}
	return r.worker.jobs.MarkJobError(ctx, db.MarkJobErrorParams{
		ID:      p.jobUUID(),
		RunID:   p.runUUID(),
		Message: msg,
	})
}

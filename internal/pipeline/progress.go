package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"thirdcoast.systems/sceneindex/internal/db"
)

// Progress is one progress event for a job.
type Progress struct {
	JobID           string       `json:"jobId"`
	Stage           db.JobStage  `json:"stage"`
	Status          db.JobStatus `json:"status"`
	Progress        int32        `json:"progress"`
	OverallProgress int32        `json:"overallProgress"`
	Heartbeat       bool         `json:"heartbeat,omitempty"`
	At              time.Time    `json:"at"`
}

// ProgressSink receives progress events. Publishing is best effort.
type ProgressSink interface {
	Publish(ctx context.Context, ev Progress)
}

type discardProgress struct{}

func (discardProgress) Publish(context.Context, Progress) {}

// ProgressChannel is the pub/sub channel carrying a job's progress.
func ProgressChannel(jobID string) string {
	return "job-progress:" + jobID
}

// RedisProgress publishes events on ProgressChannel(jobID).
type RedisProgress struct {
	rdb redis.UniversalClient
}

func NewRedisProgress(rdb redis.UniversalClient) *RedisProgress {
	return &RedisProgress{rdb: rdb}
}

func (r *RedisProgress) Publish(ctx context.Context, ev Progress) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.rdb.Publish(ctx, ProgressChannel(ev.JobID), body).Err(); err != nil {
		slog.Debug("progress publish failed", "job_id", ev.JobID, "error", err)
	}
}

// Subscribe streams a job's progress events until ctx is done.
func (r *RedisProgress) Subscribe(ctx context.Context, jobID string) <-chan Progress {
	out := make(chan Progress, 16)
	sub := r.rdb.Subscribe(ctx, ProgressChannel(jobID))
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Progress
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// stageReporter turns fractional ML progress into record updates and events.
// Updates are only written when the integer percentage moves.
type stageReporter struct {
	w     *Worker
	ctx   context.Context
	p     Payload
	stage db.JobStage

	mu   sync.Mutex
	last int32
}

func (w *Worker) reporter(ctx context.Context, p Payload, stage db.JobStage) *stageReporter {
	return &stageReporter{w: w, ctx: ctx, p: p, stage: stage, last: -1}
}

func (r *stageReporter) Report(frac float64) {
	pct := clampPercent(int32(frac * 100))
	r.mu.Lock()
	if pct <= r.last || pct == 100 {
		r.mu.Unlock()
		return
	}
	r.last = pct
	r.mu.Unlock()

	if err := r.w.updateStage(r.ctx, r.p, r.stage, pct, 0); err != nil {
		slog.Debug("progress update failed", "job_id", r.p.JobID, "stage", r.stage, "error", err)
	}
}

func (r *stageReporter) current() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last < 0 {
		return 0
	}
	return r.last
}

// StuckJobAge is how long a processing job may go without a record update
// before recovery treats its worker as lost. Running stages touch the record
// at least every policy StallInterval, which stays well below it.
const StuckJobAge = 30 * time.Minute

// heartbeat rewrites and re-publishes the latest progress every interval
// until stop is called, so the record of a slow stage stays fresh and
// watchers can tell it from a dead one.
func (w *Worker) heartbeat(ctx context.Context, interval time.Duration, r *stageReporter) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				pct := r.current()
				if err := w.jobs.UpdateJobStage(hbCtx, db.UpdateJobStageParams{
					ID:              r.p.jobUUID(),
					RunID:           r.p.runUUID(),
					Stage:           r.stage,
					Status:          db.JobStatusProcessing,
					Progress:        pct,
					OverallProgress: OverallProgress(r.stage, pct),
				}); err != nil {
					slog.Debug("heartbeat update failed", "job_id", r.p.JobID, "stage", r.stage, "error", err)
				}
				w.progress.Publish(hbCtx, Progress{
					JobID:           r.p.JobID,
					Stage:           r.stage,
					Status:          db.JobStatusProcessing,
					Progress:        pct,
					OverallProgress: OverallProgress(r.stage, pct),
					Heartbeat:       true,
					At:              w.now(),
				})
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

package job_api

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/starfederation/datastar-go/datastar"

	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/pipeline"
)

type ProgressSubscriber interface {
	Subscribe(ctx context.Context, jobID string) <-chan pipeline.Progress
}

// StreamTimeout bounds one progress stream so abandoned connections close.
var StreamTimeout = 30 * time.Minute

// HandleProgressStream sends the current job record, then every progress
// event, as server-sent events. The stream ends when the job reaches done or
// error.
func HandleProgressStream(jobs JobReader, progress ProgressSubscriber) echo.HandlerFunc {
	return func(c echo.Context) error {
		jobID, err := common.RequireUUIDParam(c, "id")
		if err != nil {
			return err
		}
		id := db.UUIDString(jobID)

		ctx, cancel := context.WithTimeout(c.Request().Context(), StreamTimeout)
		defer cancel()

		// Subscribe before reading the record so no event falls in between.
		events := progress.Subscribe(ctx, id)

		job, err := jobs.GetJobByID(ctx, jobID)
		if err != nil {
			if db.IsNotFound(err) {
				return common.ErrNotFound("job not found")
			}
			slog.Error("failed to load job for progress stream", "job_id", id, "error", err)
			return common.ErrInternal("failed to load job")
		}

		common.SetSSEHeaders(c)
		sse := datastar.NewSSE(c.Response().Writer, c.Request(), datastar.WithContext(ctx))
		if err := common.SendJSON(sse, "job", job); err != nil {
			return nil
		}
		if finished(job.Status) {
			return nil
		}

		for {
			select {
			case <-ctx.Done():
				slog.Debug("progress stream closed", "job_id", id)
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := common.SendJSON(sse, "progress", ev); err != nil {
					slog.Debug("progress stream write failed", "job_id", id, "error", err)
					return nil
				}
				if finished(ev.Status) {
					slog.Info("job finished, closing progress stream", "job_id", id, "status", ev.Status)
					return nil
				}
			}
		}
	}
}

func finished(s db.JobStatus) bool {
	return s == db.JobStatusDone || s == db.JobStatusError
}

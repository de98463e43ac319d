package collection_api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/cmd/web/auth"
	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/queue"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) error
}

type regenerateTask struct {
	RequestedBy string    `json:"requestedBy,omitempty"`
	At          time.Time `json:"at"`
}

// HandleRegenerate enqueues one run of the smart collection job. Whether it
// actually regenerates depends on the pipeline being idle when it runs.
func HandleRegenerate(q Enqueuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		task := regenerateTask{At: time.Now().UTC()}
		if email, ok := c.Get(auth.CurrentEmailKey).(string); ok {
			task.RequestedBy = email
		}
		// Repeated clicks within the same minute collapse into one run.
		opts := queue.EnqueueOptions{TaskID: "smart-collections:" + task.At.Truncate(time.Minute).Format("200601021504")}
		if err := q.Enqueue(c.Request().Context(), queue.SmartCollections, task, opts); err != nil {
			slog.Error("failed to enqueue smart collection regeneration", "error", err)
			return common.ErrUnavailable("failed to enqueue regeneration")
		}
		return c.JSON(http.StatusAccepted, map[string]string{"queue": queue.SmartCollections, "jobId": opts.TaskID})
	}
}

package face_api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/queue"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) error
}

type accepted struct {
	JobID string `json:"jobId"`
	Queue string `json:"queue"`
}

// enqueue schedules a correction and answers 202 with the task id the
// processing endpoint will report.
func enqueue(c echo.Context, q Enqueuer, queueName string, payload any) error {
	id := uuid.NewString()
	if err := q.Enqueue(c.Request().Context(), queueName, payload, queue.EnqueueOptions{TaskID: id}); err != nil {
		slog.Error("failed to enqueue face correction", "queue", queueName, "error", err)
		return common.ErrUnavailable("failed to enqueue " + queueName)
	}
	slog.Info("face correction enqueued", "queue", queueName, "task_id", id)
	return c.JSON(http.StatusAccepted, accepted{JobID: id, Queue: queueName})
}

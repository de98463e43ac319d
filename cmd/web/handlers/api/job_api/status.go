package job_api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/db"
)

type JobReader interface {
	GetJobByID(ctx context.Context, id pgtype.UUID) (*db.Job, error)
}

// HandleStatus returns the job record.
func HandleStatus(jobs JobReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		jobID, err := common.RequireUUIDParam(c, "id")
		if err != nil {
			return err
		}
		job, err := jobs.GetJobByID(c.Request().Context(), jobID)
		if err != nil {
			if db.IsNotFound(err) {
				return common.ErrNotFound("job not found")
			}
			slog.Error("failed to load job", "job_id", db.UUIDString(jobID), "error", err)
			return common.ErrInternal("failed to load job")
		}
		return c.JSON(http.StatusOK, job)
	}
}

package indexer_api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/pipeline"
)

type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) (*pipeline.Submission, error)
	ScanFolder(ctx context.Context, folderPath string) (*pipeline.ScanResult, error)
}

// HandleReindex admits one video at the transcription stage and returns
// without waiting for any stage to run.
func HandleReindex(s Submitter) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req pipeline.Request
		if err := c.Bind(&req); err != nil {
			return common.ErrBadRequest("invalid request body")
		}

		sub, err := s.Submit(c.Request().Context(), req)
		switch {
		case err == nil:
			return c.JSON(http.StatusAccepted, sub)
		case errors.Is(err, pipeline.ErrMissingVideoPath), errors.Is(err, pipeline.ErrRelativePath):
			return common.ErrBadRequest(err.Error())
		case errors.Is(err, pipeline.ErrJobNotFound), errors.Is(err, pipeline.ErrFolderNotFound):
			slog.Warn("reindex target could not be resolved", "video_path", req.VideoPath, "job_id", req.JobID, "error", err)
			return common.ErrInternal(err.Error())
		default:
			slog.Error("failed to submit reindex", "video_path", req.VideoPath, "job_id", req.JobID, "error", err)
			return common.ErrInternal("failed to submit video")
		}
	}
}

package indexer_api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/pipeline"
)

type folderTriggerRequest struct {
	FolderPath string `json:"folderPath" validate:"required"`
}

// HandleFolderTrigger scans a registered folder and submits every video not
// yet indexed.
func HandleFolderTrigger(s Submitter) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req folderTriggerRequest
		if err := common.BindJSON(c, &req); err != nil {
			return err
		}

		res, err := s.ScanFolder(c.Request().Context(), req.FolderPath)
		if err != nil {
			if errors.Is(err, pipeline.ErrFolderNotFound) {
				return common.ErrNotFound(err.Error())
			}
			slog.Error("folder scan failed", "folder", req.FolderPath, "error", err)
			if res != nil {
				// Files submitted before the failure stay submitted.
				return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error(), "result": res})
			}
			return common.ErrInternal("folder scan failed")
		}
		return c.JSON(http.StatusAccepted, res)
	}
}

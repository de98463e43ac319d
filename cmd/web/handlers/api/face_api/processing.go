package face_api

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/consistency"
)

// HandleProcessing lists label and delete operations that have not finished.
func HandleProcessing(l consistency.TaskLister) echo.HandlerFunc {
	return func(c echo.Context) error {
		tasks, err := consistency.Processing(l)
		if err != nil {
			slog.Error("failed to inspect face queues", "error", err)
			return common.ErrUnavailable("failed to inspect face queues")
		}
		return c.JSON(http.StatusOK, map[string]any{"tasks": tasks})
	}
}

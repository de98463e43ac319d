package face_api

import (
	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/consistency"
	"thirdcoast.systems/sceneindex/internal/queue"
)

// HandleDelete enqueues discarding an unknown face.
func HandleDelete(q Enqueuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req consistency.DeleteRequest
		if err := common.BindJSON(c, &req); err != nil {
			return err
		}
		return enqueue(c, q, queue.FaceDeletion, req)
	}
}

package face_api

import (
	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/consistency"
	"thirdcoast.systems/sceneindex/internal/faces"
	"thirdcoast.systems/sceneindex/internal/queue"
)

// HandleLabel enqueues naming a set of unknown faces.
func HandleLabel(q Enqueuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req consistency.LabelRequest
		if err := common.BindJSON(c, &req); err != nil {
			return err
		}
		if err := faces.ValidName(req.Name); err != nil {
			return common.ErrBadRequest(err.Error())
		}
		return enqueue(c, q, queue.FaceLabelling, req)
	}
}

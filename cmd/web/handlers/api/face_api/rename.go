package face_api

import (
	"net/url"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/consistency"
	"thirdcoast.systems/sceneindex/internal/faces"
	"thirdcoast.systems/sceneindex/internal/queue"
)

type renameBody struct {
	NewName string `json:"newName"`
}

// HandleRename enqueues renaming a known person everywhere they appear.
func HandleRename(q Enqueuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		name, err := url.PathUnescape(c.Param("name"))
		if err != nil {
			return common.ErrBadRequest("invalid name")
		}
		var body renameBody
		if err := c.Bind(&body); err != nil {
			return common.ErrBadRequest("invalid request body")
		}

		req := consistency.RenameRequest{Name: name, NewName: body.NewName}
		if err := consistency.Validate(req); err != nil {
			return common.ErrBadRequest(err.Error())
		}
		for _, n := range []string{req.Name, req.NewName} {
			if err := faces.ValidName(n); err != nil {
				return common.ErrBadRequest(err.Error())
			}
		}
		return enqueue(c, q, queue.FaceRename, req)
	}
}

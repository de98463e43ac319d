package common

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/internal/db"
)

var validate = validator.New()

// RequireUUIDParam extracts a UUID route parameter or returns a 400 error.
func RequireUUIDParam(c echo.Context, param string) (pgtype.UUID, error) {
	u, err := db.ParseUUID(c.Param(param))
	if err != nil {
		return u, echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
	}
	return u, nil
}

// BindJSON decodes the request body into v and runs its validate tags.
// Both failures are 400s.
func BindJSON(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return ErrBadRequest("invalid request body")
		}
		return ErrBadRequest(err.Error())
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return ErrBadRequest("invalid field " + verrs[0].Field() + ": failed " + verrs[0].Tag())
		}
		return ErrBadRequest(err.Error())
	}
	return nil
}

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/internal/db"
)

// Context keys set by RequireUser.
const (
	CurrentUserKey  = "currentUserUUID"
	CurrentEmailKey = "currentUserEmail"
)

type UserLookup interface {
	GetUserByID(ctx context.Context, id pgtype.UUID) (*db.User, error)
}

// RequireUser resolves the bearer token to a known user or answers 401 with
// a machine-readable reason.
func RequireUser(tm *TokenManager, users UserLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := BearerToken(c.Request())
			if err != nil {
				return unauthorized(c, err)
			}
			userID, err := tm.Verify(token)
			if err != nil {
				return unauthorized(c, err)
			}

			ctx := c.Request().Context()
			user, err := users.GetUserByID(ctx, userID)
			if err != nil {
				if db.IsNotFound(err) {
					return unauthorized(c, &Error{Reason: ReasonUserNotFound})
				}
				slog.Error("failed to load token user", "user_id", db.UUIDString(userID), "error", err)
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to load user")
			}
			// Disabled accounts are indistinguishable from deleted ones.
			if !user.Enabled {
				return unauthorized(c, &Error{Reason: ReasonUserNotFound})
			}

			c.Set(CurrentUserKey, user.ID)
			c.Set(CurrentEmailKey, user.Email)
			return next(c)
		}
	}
}

func unauthorized(c echo.Context, err error) error {
	reason := ReasonInvalidToken
	var ae *Error
	if errors.As(err, &ae) {
		reason = ae.Reason
	}
	slog.Info("request rejected", "path", c.Path(), "reason", reason, "remote_ip", c.RealIP())
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized", "reason": reason})
}

// CurrentUser returns the user id set by RequireUser.
func CurrentUser(c echo.Context) (pgtype.UUID, bool) {
	id, ok := c.Get(CurrentUserKey).(pgtype.UUID)
	return id, ok && id.Valid
}

package search_api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"thirdcoast.systems/sceneindex/cmd/web/handlers/common"
	"thirdcoast.systems/sceneindex/internal/suggestions"
)

type SuggestionReader interface {
	Get(ctx context.Context) (*suggestions.Suggestions, error)
}

func HandleSuggestions(cache SuggestionReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		s, err := cache.Get(c.Request().Context())
		if err != nil {
			slog.Error("failed to read suggestions", "error", err)
			return common.ErrUnavailable("suggestions unavailable")
		}
		return c.JSON(http.StatusOK, s)
	}
}

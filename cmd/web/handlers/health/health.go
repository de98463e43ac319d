package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HandleHealth is unauthenticated liveness. It always answers 200 while the
// process serves requests and reports each dependency's reachability.
func HandleHealth(checks map[string]Check) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		r := report{Status: "ok", Checks: make(map[string]string, len(names))}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				r.Checks[name] = err.Error()
				r.Status = "degraded"
				continue
			}
			r.Checks[name] = "ok"
		}
		return c.JSON(http.StatusOK, r)
	}
}

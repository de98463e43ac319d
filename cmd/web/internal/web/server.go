package web

import (
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"thirdcoast.systems/sceneindex/cmd/web/auth"
	"thirdcoast.systems/sceneindex/cmd/web/handlers/api/collection_api"
	"thirdcoast.systems/sceneindex/cmd/web/handlers/api/face_api"
	"thirdcoast.systems/sceneindex/cmd/web/handlers/api/indexer_api"
	"thirdcoast.systems/sceneindex/cmd/web/handlers/api/job_api"
	"thirdcoast.systems/sceneindex/cmd/web/handlers/api/search_api"
	"thirdcoast.systems/sceneindex/cmd/web/handlers/health"
	"thirdcoast.systems/sceneindex/internal/consistency"
)

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Tokens      *auth.TokenManager
	Users       auth.UserLookup
	Submitter   indexer_api.Submitter
	Queue       face_api.Enqueuer
	Tasks       consistency.TaskLister
	Jobs        job_api.JobReader
	Progress    job_api.ProgressSubscriber
	Suggestions search_api.SuggestionReader
	Health      map[string]health.Check
}

func (d Deps) validate() error {
	var errs []error
	if d.Tokens == nil {
		errs = append(errs, errors.New("token manager is required"))
	}
	if d.Users == nil {
		errs = append(errs, errors.New("user lookup is required"))
	}
	if d.Submitter == nil {
		errs = append(errs, errors.New("submitter is required"))
	}
	if d.Queue == nil {
		errs = append(errs, errors.New("queue client is required"))
	}
	if d.Tasks == nil {
		errs = append(errs, errors.New("task lister is required"))
	}
	if d.Jobs == nil {
		errs = append(errs, errors.New("job reader is required"))
	}
	if d.Progress == nil {
		errs = append(errs, errors.New("progress subscriber is required"))
	}
	if d.Suggestions == nil {
		errs = append(errs, errors.New("suggestion cache is required"))
	}
	return errors.Join(errs...)
}

type Webserver struct {
	*echo.Echo
	deps Deps
}

func NewWebserver(deps Deps) (*Webserver, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	s := &Webserver{Echo: echo.New(), deps: deps}
	s.setupMiddleware()
	s.registerRoutes()
	return s, nil
}

func (s *Webserver) setupMiddleware() {
	s.HideBanner = true
	s.HidePort = true
	s.Use(middleware.BodyLimit("2M"))
	s.Use(middleware.Recover())
	s.Use(middleware.RequestID())
	s.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/internal/jobs/:id/progress"
		},
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  false,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			slog.Info("request", fields...)
			return nil
		},
	}))
}

func (s *Webserver) registerRoutes() {
	d := s.deps

	s.GET("/health", health.HandleHealth(d.Health))

	internal := s.Group("/internal", auth.RequireUser(d.Tokens, d.Users))

	internal.POST("/indexer/reindex", indexer_api.HandleReindex(d.Submitter))
	internal.POST("/folders/trigger", indexer_api.HandleFolderTrigger(d.Submitter))

	internal.PATCH("/faces", face_api.HandleLabel(d.Queue))
	internal.DELETE("/faces", face_api.HandleDelete(d.Queue))
	internal.POST("/faces/:name/rename", face_api.HandleRename(d.Queue))
	internal.GET("/faces/processing", face_api.HandleProcessing(d.Tasks))

	internal.GET("/jobs/:id", job_api.HandleStatus(d.Jobs))
	internal.GET("/jobs/:id/progress", job_api.HandleProgressStream(d.Jobs, d.Progress))

	internal.GET("/search/suggestions", search_api.HandleSuggestions(d.Suggestions))
	internal.POST("/collections/regenerate", collection_api.HandleRegenerate(d.Queue))
}

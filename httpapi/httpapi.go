// Package httpapi exposes the operational HTTP surface named in SPEC §6:
// list/trigger/enable/disable/update/status over datasource_config, plus an
// unauthenticated liveness probe. Grounded in the teacher's api/rest.go
// X-API-Key middleware pattern, generalized from its single health-check
// route to this full operational route set.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"indexsync.dev/logging"
	"indexsync.dev/orchestrator"
	"indexsync.dev/store"
)

// APIKeyAuth validates the X-API-Key header against validKey, exactly the
// teacher's api.APIKeyAuth middleware.
func APIKeyAuth(validKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" || key != validKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

// Server bundles the dependencies the operational HTTP surface reads and
// writes through.
type Server struct {
	configs *store.ConfigStore
	states  *store.StateStore
	orch    *orchestrator.Orchestrator
	log     *logging.ContextLogger
}

// New constructs a Server. orch may be nil in tests that only exercise the
// config-store-backed routes.
func New(configs *store.ConfigStore, states *store.StateStore, orch *orchestrator.Orchestrator) *Server {
	return &Server{
		configs: configs,
		states:  states,
		orch:    orch,
		log:     logging.Component("httpapi"),
	}
}

// Register wires every route onto e, applying apiKey to everything except
// /healthz. Every request is tagged with an X-Request-Id (generated via
// uuid when the caller doesn't supply one) so a single sync can be traced
// across the access log and the audit log.
func (s *Server) Register(e *echo.Echo, apiKey string) {
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.GET("/healthz", s.handleHealthz)

	g := e.Group("", APIKeyAuth(apiKey))
	g.GET("/datasources", s.handleList)
	g.POST("/datasources/:id/sync", s.handleSyncOne)
	g.POST("/datasources/sync", s.handleSyncAll)
	g.POST("/datasources/:id/enable", s.handleEnable)
	g.POST("/datasources/:id/disable", s.handleDisable)
	g.PATCH("/datasources/:id", s.handleUpdate)
	g.GET("/datasources/:id/status", s.handleStatus)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK!")
}

func (s *Server) handleList(c echo.Context) error {
	configs, err := s.configs.ListAll(c.Request().Context())
	if err != nil {
		s.log.WithError(err).Warn("failed to list datasources")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list datasources")
	}
	return c.JSON(http.StatusOK, configs)
}

func (s *Server) handleSyncOne(c echo.Context) error {
	id := c.Param("id")
	if s.orch == nil || !s.orch.TriggerManualSync(id) {
		return echo.NewHTTPError(http.StatusNotFound, "no running worker for that datasource")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleSyncAll(c echo.Context) error {
	n := 0
	if s.orch != nil {
		n = s.orch.TriggerManualSyncAll()
	}
	return c.JSON(http.StatusAccepted, map[string]int{"triggered": n})
}

func (s *Server) handleEnable(c echo.Context) error {
	return s.setActive(c, true)
}

func (s *Server) handleDisable(c echo.Context) error {
	return s.setActive(c, false)
}

func (s *Server) setActive(c echo.Context, active bool) error {
	id := c.Param("id")
	if err := s.configs.Update(c.Request().Context(), id, store.UpdateFields{IsActive: &active}); err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "datasource not found")
		}
		s.log.WithError(err).Warn("failed to update datasource active flag")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update datasource")
	}
	return c.JSON(http.StatusOK, map[string]bool{"is_active": active})
}

// updateRequest is the PATCH body; every field is optional.
type updateRequest struct {
	SourceName             *string           `json:"source_name"`
	ConnectionParams       map[string]string `json:"connection_params"`
	RefreshIntervalSeconds *int              `json:"refresh_interval_seconds"`
	EnableChangeStream     *bool             `json:"enable_change_stream"`
	SkipGraph              *bool             `json:"skip_graph"`
}

func (s *Server) handleUpdate(c echo.Context) error {
	id := c.Param("id")
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	fields := store.UpdateFields{
		SourceName:             req.SourceName,
		ConnectionParams:       req.ConnectionParams,
		RefreshIntervalSeconds: req.RefreshIntervalSeconds,
		EnableChangeStream:     req.EnableChangeStream,
		SkipGraph:              req.SkipGraph,
	}
	if err := s.configs.Update(c.Request().Context(), id, fields); err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "datasource not found")
		}
		if errors.Is(err, store.ErrInvalidConfig) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.log.WithError(err).Warn("failed to update datasource")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update datasource")
	}
	updated, err := s.configs.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "update applied but re-read failed")
	}
	return c.JSON(http.StatusOK, updated)
}

type statusResponse struct {
	Config  *store.DataSourceConfig `json:"config"`
	Stats   store.SyncStats         `json:"stats"`
	Running bool                    `json:"running"`
}

func (s *Server) handleStatus(c echo.Context) error {
	id := c.Param("id")
	cfg, err := s.configs.Get(c.Request().Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return echo.NewHTTPError(http.StatusNotFound, "datasource not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch datasource")
	}
	stats, err := s.states.GetSyncStats(c.Request().Context(), id)
	if err != nil {
		s.log.WithError(err).Warn("failed to compute sync stats")
	}
	running := s.orch != nil && s.orch.Running(id)
	return c.JSON(http.StatusOK, statusResponse{Config: cfg, Stats: stats, Running: running})
}

package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/steveyegge/dedup/internal/types"
)

// UpdateConfigResponse is returned by PUT /configs/:id
type UpdateConfigResponse struct {
	Config        *types.DeduplicationConfig `json:"config"`
	GroupsDeleted int                        `json:"groups_deleted"`
}

// ListConfigs handles GET /configs. ?active=true lists only active configs.
func (s *Server) ListConfigs(c echo.Context) error {
	activeOnly, _ := strconv.ParseBool(c.QueryParam("active"))
	configs, err := s.service.ListConfigs(c.Request().Context(), activeOnly)
	if err != nil {
		return s.HandleError(c, err, "failed to list configs")
	}
	if configs == nil {
		configs = []*types.DeduplicationConfig{}
	}
	return c.JSON(http.StatusOK, configs)
}

// CreateConfig handles POST /configs. Omitted fields take their defaults.
func (s *Server) CreateConfig(c echo.Context) error {
	cfg := types.NewConfig("", "")
	if err := c.Bind(cfg); err != nil {
		return s.HandleError(c, err, "invalid config body")
	}
	created, err := s.service.CreateConfig(c.Request().Context(), cfg)
	if err != nil {
		return s.HandleError(c, err, "failed to create config")
	}
	return c.JSON(http.StatusCreated, created)
}

// ApplyDefinitions handles POST /configs/apply with a YAML definitions document
func (s *Server) ApplyDefinitions(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.HandleError(c, echo.NewHTTPError(http.StatusBadRequest, err.Error()), "failed to read definitions")
	}
	results, err := s.service.ApplyDefinitions(c.Request().Context(), data)
	if err != nil {
		return s.HandleError(c, err, "failed to apply definitions")
	}
	return c.JSON(http.StatusOK, results)
}

// GetConfig handles GET /configs/:id
func (s *Server) GetConfig(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.HandleError(c, err, "invalid config id")
	}
	cfg, err := s.service.GetConfig(c.Request().Context(), id)
	if err != nil {
		return s.HandleError(c, err, "failed to get config")
	}
	return c.JSON(http.StatusOK, cfg)
}

// UpdateConfig handles PUT /configs/:id. The body replaces the whole config.
func (s *Server) UpdateConfig(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.HandleError(c, err, "invalid config id")
	}
	cfg := types.NewConfig("", "")
	if err := c.Bind(cfg); err != nil {
		return s.HandleError(c, err, "invalid config body")
	}
	cfg.ID = id

	deleted, err := s.service.UpdateConfig(c.Request().Context(), cfg)
	if err != nil {
		return s.HandleError(c, err, "failed to update config")
	}
	updated, err := s.service.GetConfig(c.Request().Context(), id)
	if err != nil {
		return s.HandleError(c, err, "failed to reload config")
	}
	return c.JSON(http.StatusOK, UpdateConfigResponse{Config: updated, GroupsDeleted: deleted})
}

// DeleteConfig handles DELETE /configs/:id
func (s *Server) DeleteConfig(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.HandleError(c, err, "invalid config id")
	}
	if err := s.service.DeleteConfig(c.Request().Context(), id); err != nil {
		return s.HandleError(c, err, "failed to delete config")
	}
	return c.NoContent(http.StatusNoContent)
}

// ForgetDiscardedResponse is the body returned by DELETE /configs/:id/discarded
type ForgetDiscardedResponse struct {
	Cleared int `json:"cleared"`
}

// ForgetDiscarded handles DELETE /configs/:id/discarded
func (s *Server) ForgetDiscarded(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.HandleError(c, err, "invalid config id")
	}
	n, err := s.service.ForgetDiscarded(c.Request().Context(), id)
	if err != nil {
		return s.HandleError(c, err, "failed to clear discarded sets")
	}
	return c.JSON(http.StatusOK, ForgetDiscardedResponse{Cleared: n})
}

// ListGroups handles GET /configs/:id/groups?limit=&offset=
func (s *Server) ListGroups(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.HandleError(c, err, "invalid config id")
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return s.HandleError(c, err, "invalid limit")
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return s.HandleError(c, err, "invalid offset")
	}
	page, err := s.service.ListGroups(c.Request().Context(), id, limit, offset)
	if err != nil {
		return s.HandleError(c, err, "failed to list groups")
	}
	return c.JSON(http.StatusOK, page)
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	return id, nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be an integer")
	}
	return n, nil
}

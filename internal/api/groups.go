package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/steveyegge/dedup/internal/events"
)

// SetMasterRequest is the body of PUT /groups/:id/master
type SetMasterRequest struct {
	TargetID int64 `json:"target_id"`
}

// RunRequest is the optional body of POST /runs. No ids runs every active config.
type RunRequest struct {
	ConfigIDs []int64 `json:"config_ids"`
}

// GetGroup handles GET /groups/:id
func (s *Server) GetGroup(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.HandleError(c, err, "invalid group id")
	}
	g, err := s.service.GetGroup(c.Request().Context(), id)
	if err != nil {
		return s.HandleError(c, err, "failed to get group")
	}
	return c.JSON(http.StatusOK, g)
}

// DiscardGroup handles DELETE /groups/:id
func (s *Server) DiscardGroup(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.HandleError(c, err, "invalid group id")
	}
	if err := s.service.DiscardGroup(c.Request().Context(), id); err != nil {
		return s.HandleError(c, err, "failed to discard group")
	}
	return c.NoContent(http.StatusNoContent)
}

// SetMaster handles PUT /groups/:id/master
func (s *Server) SetMaster(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.HandleError(c, err, "invalid group id")
	}
	var req SetMasterRequest
	if err := c.Bind(&req); err != nil {
		return s.HandleError(c, err, "invalid request body")
	}
	if req.TargetID <= 0 {
		return s.HandleError(c, echo.NewHTTPError(http.StatusBadRequest, "target_id is required"), "invalid request body")
	}
	g, err := s.service.SetMaster(c.Request().Context(), id, req.TargetID)
	if err != nil {
		return s.HandleError(c, err, "failed to set master")
	}
	return c.JSON(http.StatusOK, g)
}

// DiscardRecord handles POST /groups/:id/records/:target/discard
func (s *Server) DiscardRecord(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.HandleError(c, err, "invalid group id")
	}
	target, err := pathID(c, "target")
	if err != nil {
		return s.HandleError(c, err, "invalid target id")
	}
	g, err := s.service.DiscardRecord(c.Request().Context(), id, target)
	if err != nil {
		return s.HandleError(c, err, "failed to discard record")
	}
	return c.JSON(http.StatusOK, g)
}

// MergeGroup handles POST /groups/:id/merge
func (s *Server) MergeGroup(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return s.HandleError(c, err, "invalid group id")
	}
	result, err := s.service.MergeGroup(c.Request().Context(), id)
	if err != nil {
		return s.HandleError(c, err, "failed to merge group")
	}
	return c.JSON(http.StatusOK, result)
}

// Run handles POST /runs. It waits for the run and returns its report.
func (s *Server) Run(c echo.Context) error {
	var req RunRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return s.HandleError(c, err, "invalid request body")
		}
	}
	report, err := s.service.Run(c.Request().Context(), req.ConfigIDs...)
	if err != nil {
		return s.HandleError(c, err, "run failed")
	}
	s.statusCache.Delete(statusCacheKey)
	return c.JSON(http.StatusOK, report)
}

// ListEvents handles GET /events?type=&config_id=&group_id=&limit=
func (s *Server) ListEvents(c echo.Context) error {
	filter := events.EventFilter{
		Type:  events.EventType(c.QueryParam("type")),
		RunID: c.QueryParam("run_id"),
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return s.HandleError(c, err, "invalid limit")
	}
	filter.Limit = limit
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if c.QueryParam("config_id") != "" {
		if filter.ConfigID, err = queryID(c, "config_id"); err != nil {
			return s.HandleError(c, err, "invalid config_id")
		}
	}
	if c.QueryParam("group_id") != "" {
		if filter.GroupID, err = queryID(c, "group_id"); err != nil {
			return s.HandleError(c, err, "invalid group_id")
		}
	}

	evts, err := s.service.ListEvents(c.Request().Context(), filter)
	if err != nil {
		return s.HandleError(c, err, "failed to list events")
	}
	if evts == nil {
		evts = []*events.Event{}
	}
	return c.JSON(http.StatusOK, evts)
}

func queryID(c echo.Context, name string) (int64, error) {
	n, err := queryInt(c, name)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	return int64(n), nil
}

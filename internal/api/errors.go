package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/steveyegge/dedup/internal/admin"
	"github.com/steveyegge/dedup/internal/merge"
	"github.com/steveyegge/dedup/internal/orchestrator"
	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/storage"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	Field         string `json:"field,omitempty"`
	Suggestion    string `json:"suggestion,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// StatusFor maps an engine error onto an HTTP status code
func StatusFor(err error) int {
	var he *echo.HTTPError
	var conflict *recordstore.MergeConflictError
	switch {
	case errors.As(err, &he):
		return he.Code
	case admin.IsInputError(err):
		return http.StatusBadRequest
	case errors.Is(err, admin.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicateName),
		errors.As(err, &conflict),
		errors.Is(err, merge.ErrGroupChanged),
		errors.Is(err, orchestrator.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, recordstore.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// HandleError writes err as an ErrorResponse with the status StatusFor picks
func (s *Server) HandleError(c echo.Context, err error, message string) error {
	code := StatusFor(err)
	resp := ErrorResponse{
		Error:         err.Error(),
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
	var ie *admin.InputError
	if errors.As(err, &ie) {
		resp.Field = ie.Field
		resp.Suggestion = ie.Suggestion
	}

	level := s.logger.Info
	if code >= http.StatusInternalServerError {
		level = s.logger.Error
	}
	level("API error",
		"correlation_id", resp.CorrelationID,
		"message", message,
		"error", err,
		"code", code,
		"path", c.Request().URL.Path,
		"method", c.Request().Method)

	return c.JSON(code, resp)
}

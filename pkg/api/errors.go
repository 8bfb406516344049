package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/parleychat/parley/pkg/actions"
	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/manager"
	"github.com/parleychat/parley/pkg/queue"
	"github.com/parleychat/parley/pkg/storage"
)

// apiError is an error with a fixed status and error code
type apiError struct {
	status int
	code   string
	msg    string
}

func newAPIError(status int, code, msg string) *apiError {
	return &apiError{status: status, code: code, msg: msg}
}

func (e *apiError) Error() string {
	return e.msg
}

type errorBody struct {
	Result  string `json:"result"`
	Msg     string `json:"msg"`
	Code    string `json:"code"`
	QueueID string `json:"queue_id,omitempty"`
}

// classify maps an error to its HTTP status and error code
func classify(err error) (int, string, string) {
	var ae *apiError
	var he *echo.HTTPError

	switch {
	case errors.As(err, &ae):
		return ae.status, ae.code, ae.msg
	case errors.As(err, &he):
		code := strings.ToUpper(strings.ReplaceAll(http.StatusText(he.Code), " ", "_"))
		return he.Code, code, fmt.Sprint(he.Message)
	case errors.Is(err, queue.ErrBadQueueID):
		return http.StatusBadRequest, "BAD_EVENT_QUEUE_ID", err.Error()
	case errors.Is(err, actions.ErrInvalidArgument), errors.Is(err, events.ErrUnknownType):
		return http.StatusBadRequest, "BAD_REQUEST", err.Error()
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error()
	case errors.Is(err, actions.ErrConflict):
		return http.StatusConflict, "CONFLICT", err.Error()
	case errors.Is(err, actions.ErrRealmDeactivated):
		return http.StatusForbidden, "REALM_DEACTIVATED", err.Error()
	case errors.Is(err, manager.ErrNotLeader):
		return http.StatusServiceUnavailable, "NOT_LEADER", err.Error()
	case errors.Is(err, actions.ErrEventNotDelivered):
		return http.StatusServiceUnavailable, "EVENT_NOT_DELIVERED", err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "internal server error"
	}
}

// handleError renders every error in the {result, msg, code} shape
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("route", c.Path()).Str("code", code).Msg("Request error")
	}

	body := errorBody{Result: "error", Msg: msg, Code: code}
	if code == "BAD_EVENT_QUEUE_ID" {
		body.QueueID = c.QueryParam("queue_id")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write error response")
	}
}

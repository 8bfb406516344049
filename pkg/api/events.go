package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/publisher"
	"github.com/parleychat/parley/pkg/queue"
)

type registerRequest struct {
	EventTypes        []events.Type `json:"event_types"`
	ClientName        string        `json:"client_name"`
	LegacyEventShapes bool          `json:"legacy_event_shapes"`
	LifespanSecs      int           `json:"lifespan_secs"`
}

type registerResponse struct {
	Result          string                  `json:"result"`
	Msg             string                  `json:"msg"`
	QueueID         string                  `json:"queue_id"`
	LastEventID     int64                   `json:"last_event_id"`
	RealmLinkifiers []events.LinkifierEntry `json:"realm_linkifiers"`
	RealmFilters    []events.FilterTuple    `json:"realm_filters"`
}

type eventsResponse struct {
	Result  string              `json:"result"`
	Msg     string              `json:"msg"`
	Events  []queue.QueuedEvent `json:"events"`
	QueueID string              `json:"queue_id"`
}

type successResponse struct {
	Result string `json:"result"`
	Msg    string `json:"msg"`
}

var success = successResponse{Result: "success"}

// register allocates a queue and returns the initial state. The queue must
// exist before the state is read or a change committed in between is lost.
func (s *Server) register(c echo.Context) error {
	realmID := c.Get(ctxRealmID).(int64)
	userID := c.Get(ctxUserID).(int64)

	// an empty body registers for every event type
	var req registerRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return newAPIError(http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
	}

	user, err := s.opts.State.GetUser(userID)
	if err != nil || user.RealmID != realmID || !user.IsActive {
		return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "unknown or deactivated user")
	}

	reg, err := s.opts.Registry.Register(queue.RegisterRequest{
		UserID:            userID,
		RealmID:           realmID,
		ClientName:        req.ClientName,
		EventTypes:        req.EventTypes,
		LegacyEventShapes: req.LegacyEventShapes,
		Lifespan:          time.Duration(req.LifespanSecs) * time.Second,
	})
	if err != nil {
		return err
	}

	linkifiers, err := s.opts.State.ListLinkifiers(realmID)
	if err != nil {
		_ = s.opts.Registry.Unregister(reg.QueueID, userID)
		return err
	}
	current, legacy := events.LinkifierEvents(realmID, linkifiers)

	return c.JSON(http.StatusOK, registerResponse{
		Result:          "success",
		QueueID:         reg.QueueID,
		LastEventID:     reg.LastEventID,
		RealmLinkifiers: current.Payload().(events.RealmLinkifiers).Linkifiers,
		RealmFilters:    legacy.Payload().(events.RealmFilters).Filters,
	})
}

// getEvents is the long poll
func (s *Server) getEvents(c echo.Context) error {
	req := queue.GetEventsRequest{
		QueueID:     c.QueryParam("queue_id"),
		UserID:      c.Get(ctxUserID).(int64),
		LastEventID: -1,
	}
	if req.QueueID == "" {
		return newAPIError(http.StatusBadRequest, "BAD_REQUEST", "missing queue_id")
	}
	if v := c.QueryParam("last_event_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < -1 {
			return newAPIError(http.StatusBadRequest, "BAD_REQUEST", "invalid last_event_id")
		}
		req.LastEventID = id
	}
	if v := c.QueryParam("dont_block"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return newAPIError(http.StatusBadRequest, "BAD_REQUEST", "invalid dont_block")
		}
		req.DontBlock = b
	}

	ctx := c.Request().Context()
	res, err := s.opts.Registry.GetEvents(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// the client went away
			return nil
		}
		return err
	}

	return c.JSON(http.StatusOK, eventsResponse{
		Result:  "success",
		Events:  res.Events,
		QueueID: res.QueueID,
	})
}

func (s *Server) deleteQueue(c echo.Context) error {
	queueID := c.QueryParam("queue_id")
	if queueID == "" {
		return newAPIError(http.StatusBadRequest, "BAD_REQUEST", "missing queue_id")
	}
	if err := s.opts.Registry.Unregister(queueID, c.Get(ctxUserID).(int64)); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, success)
}

// notify accepts a notice from a publishing process that has no queues of
// its own
func (s *Server) notify(c echo.Context) error {
	var n publisher.Notice
	if err := json.NewDecoder(c.Request().Body).Decode(&n); err != nil {
		return newAPIError(http.StatusBadRequest, "BAD_REQUEST", "invalid notice: "+err.Error())
	}
	if err := s.opts.Registry.Enqueue(c.Request().Context(), n); err != nil {
		return newAPIError(http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", err.Error())
	}
	return c.JSON(http.StatusOK, success)
}

type joinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) joinCluster(c echo.Context) error {
	if s.opts.Cluster == nil {
		return newAPIError(http.StatusNotImplemented, "NOT_IMPLEMENTED", "this node does not manage the cluster")
	}

	var req joinRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil || req.NodeID == "" || req.RaftAddr == "" {
		return newAPIError(http.StatusBadRequest, "BAD_REQUEST", "node_id and raft_addr are required")
	}
	if err := s.opts.Cluster.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		return err
	}

	s.logger.Info().Str("node_id", req.NodeID).Str("raft_addr", req.RaftAddr).Msg("Node joined cluster")
	return c.JSON(http.StatusOK, success)
}

package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/parleychat/parley/pkg/actions"
	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/metrics"
	"github.com/parleychat/parley/pkg/queue"
	"github.com/parleychat/parley/pkg/types"
	"github.com/rs/zerolog"
)

// Identity headers set by the authenticating proxy in front of the server
const (
	HeaderRealm          = "X-Parley-Realm"
	HeaderUser           = "X-Parley-User"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const (
	ctxRealmID = "realm_id"
	ctxUserID  = "user_id"
)

// StateReader is the read side of realm state the API needs
type StateReader interface {
	GetUser(id int64) (*types.User, error)
	ListLinkifiers(realmID int64) ([]*types.Linkifier, error)
}

// ClusterAdmin adds raft voters on behalf of joining nodes
type ClusterAdmin interface {
	AddVoter(nodeID, address string) error
}

// Options wires a Server to the rest of the process
type Options struct {
	Registry *queue.Registry
	Actions  *actions.Service
	State    StateReader
	// Cluster may be nil on nodes that cannot accept voters
	Cluster ClusterAdmin
	// InternalToken authorizes /internal routes and realm creation; empty
	// disables them
	InternalToken string
	// LongPollTimeout bounds a single GET /events; the write timeout of the
	// HTTP server is derived from it
	LongPollTimeout time.Duration
}

// Server is the HTTP surface of the event server
type Server struct {
	echo   *echo.Echo
	http   *http.Server
	opts   Options
	logger zerolog.Logger
}

// NewServer creates the server and registers every route
func NewServer(opts Options) *Server {
	if opts.LongPollTimeout <= 0 {
		opts.LongPollTimeout = 45 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		opts:   opts,
		logger: log.WithComponent("api"),
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(s.observe)
	e.Use(middleware.Recover())

	e.GET("/health", metrics.HealthHandler)
	e.GET("/ready", metrics.ReadyHandler)
	e.GET("/livez", metrics.LivenessHandler)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := e.Group("/api/v1")
	v1.POST("/register", s.register, s.identity)
	v1.GET("/events", s.getEvents, s.identity)
	v1.DELETE("/events", s.deleteQueue, s.identity)

	v1.POST("/realms", s.createRealm, s.internal)
	realm := v1.Group("/realms/:realm", s.identity, s.realmAdmin)
	realm.POST("/users", s.createUser)
	realm.PATCH("/users/:user", s.updateUser)
	realm.POST("/users/:user/deactivate", s.deactivateUser)
	realm.POST("/users/:user/reactivate", s.reactivateUser)
	realm.POST("/linkifiers", s.addLinkifier)
	realm.PATCH("/linkifiers", s.reorderLinkifiers)
	realm.PATCH("/linkifiers/:id", s.updateLinkifier)
	realm.DELETE("/linkifiers/:id", s.removeLinkifier)
	realm.PATCH("/authentication_methods", s.setAuthenticationMethods)

	internal := e.Group("/internal", s.internal)
	internal.POST("/notify", s.notify)
	internal.POST("/cluster/join", s.joinCluster)

	return s
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.echo,
		ReadTimeout: 10 * time.Second,
		// long polls hold the response open for up to LongPollTimeout
		WriteTimeout: s.opts.LongPollTimeout + 15*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	metrics.RegisterComponent(metrics.ComponentAPI, true, "")
	s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// observe records request metrics and logs failures
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		timer := metrics.NewTimer()
		if err := next(c); err != nil {
			c.Error(err)
		}

		route := c.Path()
		status := c.Response().Status
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)

		if status >= http.StatusInternalServerError {
			s.logger.Warn().
				Str("method", c.Request().Method).
				Str("route", route).
				Int("status", status).
				Dur("duration", timer.Duration()).
				Msg("Request failed")
		}
		return nil
	}
}

// identity reads the realm and user set by the fronting proxy
func (s *Server) identity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		realmID, err := strconv.ParseInt(c.Request().Header.Get(HeaderRealm), 10, 64)
		if err != nil || realmID <= 0 {
			return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid "+HeaderRealm)
		}
		userID, err := strconv.ParseInt(c.Request().Header.Get(HeaderUser), 10, 64)
		if err != nil || userID <= 0 {
			return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid "+HeaderUser)
		}
		c.Set(ctxRealmID, realmID)
		c.Set(ctxUserID, userID)
		return next(c)
	}
}

// realmAdmin allows active administrators of the realm in the path
func (s *Server) realmAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		realmID, err := pathID(c, "realm")
		if err != nil {
			return err
		}
		if realmID != c.Get(ctxRealmID).(int64) {
			return newAPIError(http.StatusForbidden, "FORBIDDEN", "not a member of this realm")
		}

		user, err := s.opts.State.GetUser(c.Get(ctxUserID).(int64))
		if err != nil || user.RealmID != realmID || !user.IsActive {
			return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "unknown or deactivated user")
		}
		if !user.IsRealmAdmin() {
			return newAPIError(http.StatusForbidden, "FORBIDDEN", "must be an organization administrator")
		}
		return next(c)
	}
}

// internal requires the shared internal bearer token
func (s *Server) internal(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.InternalToken == "" {
			return newAPIError(http.StatusForbidden, "FORBIDDEN", "internal endpoints are disabled")
		}
		token, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.InternalToken)) != 1 {
			return newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "bad internal token")
		}
		return next(c)
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "BAD_REQUEST", "invalid "+name+" id")
	}
	return id, nil
}

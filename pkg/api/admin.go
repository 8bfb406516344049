package api

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/parleychat/parley/pkg/actions"
	"github.com/parleychat/parley/pkg/types"
)

type actionResponse struct {
	Result    string `json:"result"`
	Msg       string `json:"msg"`
	ID        int64  `json:"id,omitempty"`
	Changed   bool   `json:"changed"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func respond(c echo.Context, id int64, out actions.Outcome) error {
	return c.JSON(http.StatusOK, actionResponse{
		Result:    "success",
		ID:        id,
		Changed:   out.Changed,
		Duplicate: out.Duplicate,
	})
}

func callOptions(c echo.Context) []actions.Option {
	if key := c.Request().Header.Get(HeaderIdempotencyKey); key != "" {
		return []actions.Option{actions.WithIdempotencyKey(key)}
	}
	return nil
}

func decode(c echo.Context, v interface{}) error {
	if err := json.NewDecoder(c.Request().Body).Decode(v); err != nil {
		return newAPIError(http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
	}
	return nil
}

type createRealmRequest struct {
	StringID              string          `json:"string_id"`
	Name                  string          `json:"name"`
	AuthenticationMethods map[string]bool `json:"authentication_methods"`
}

func (s *Server) createRealm(c echo.Context) error {
	var req createRealmRequest
	if err := decode(c, &req); err != nil {
		return err
	}

	realm, out, err := s.opts.Actions.CreateRealm(c.Request().Context(), req.StringID, req.Name, req.AuthenticationMethods, callOptions(c)...)
	if err != nil {
		return err
	}
	var id int64
	if realm != nil {
		id = realm.ID
	}
	return respond(c, id, out)
}

type createUserRequest struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     int    `json:"role"`
	IsBot    bool   `json:"is_bot"`
}

func (s *Server) createUser(c echo.Context) error {
	realmID, _ := pathID(c, "realm")
	var req createUserRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	role := types.UserRole(req.Role)
	if req.Role == 0 {
		role = types.RoleMember
	}

	user, out, err := s.opts.Actions.CreateUser(c.Request().Context(), realmID, req.Email, req.FullName, role, req.IsBot, callOptions(c)...)
	if err != nil {
		return err
	}
	var id int64
	if user != nil {
		id = user.ID
	}
	return respond(c, id, out)
}

type updateUserRequest struct {
	Role int `json:"role"`
}

func (s *Server) updateUser(c echo.Context) error {
	realmID, _ := pathID(c, "realm")
	userID, err := pathID(c, "user")
	if err != nil {
		return err
	}
	var req updateUserRequest
	if err := decode(c, &req); err != nil {
		return err
	}

	out, err := s.opts.Actions.ChangeUserRole(c.Request().Context(), realmID, userID, types.UserRole(req.Role), callOptions(c)...)
	if err != nil {
		return err
	}
	return respond(c, userID, out)
}

func (s *Server) deactivateUser(c echo.Context) error {
	realmID, _ := pathID(c, "realm")
	userID, err := pathID(c, "user")
	if err != nil {
		return err
	}

	out, err := s.opts.Actions.DeactivateUser(c.Request().Context(), realmID, userID, callOptions(c)...)
	if err != nil {
		return err
	}
	return respond(c, userID, out)
}

func (s *Server) reactivateUser(c echo.Context) error {
	realmID, _ := pathID(c, "realm")
	userID, err := pathID(c, "user")
	if err != nil {
		return err
	}

	out, err := s.opts.Actions.ReactivateUser(c.Request().Context(), realmID, userID, callOptions(c)...)
	if err != nil {
		return err
	}
	return respond(c, userID, out)
}

type linkifierRequest struct {
	Pattern   string `json:"pattern"`
	URLFormat string `json:"url_format"`
}

func (s *Server) addLinkifier(c echo.Context) error {
	realmID, _ := pathID(c, "realm")
	var req linkifierRequest
	if err := decode(c, &req); err != nil {
		return err
	}

	linkifier, out, err := s.opts.Actions.AddLinkifier(c.Request().Context(), realmID, req.Pattern, req.URLFormat, callOptions(c)...)
	if err != nil {
		return err
	}
	var id int64
	if linkifier != nil {
		id = linkifier.ID
	}
	return respond(c, id, out)
}

func (s *Server) updateLinkifier(c echo.Context) error {
	realmID, _ := pathID(c, "realm")
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req linkifierRequest
	if err := decode(c, &req); err != nil {
		return err
	}

	out, err := s.opts.Actions.UpdateLinkifier(c.Request().Context(), realmID, id, req.Pattern, req.URLFormat, callOptions(c)...)
	if err != nil {
		return err
	}
	return respond(c, id, out)
}

func (s *Server) removeLinkifier(c echo.Context) error {
	realmID, _ := pathID(c, "realm")
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	out, err := s.opts.Actions.RemoveLinkifier(c.Request().Context(), realmID, id, callOptions(c)...)
	if err != nil {
		return err
	}
	return respond(c, id, out)
}

type reorderRequest struct {
	OrderedLinkifierIDs []int64 `json:"ordered_linkifier_ids"`
}

func (s *Server) reorderLinkifiers(c echo.Context) error {
	realmID, _ := pathID(c, "realm")
	var req reorderRequest
	if err := decode(c, &req); err != nil {
		return err
	}

	out, err := s.opts.Actions.ReorderLinkifiers(c.Request().Context(), realmID, req.OrderedLinkifierIDs, callOptions(c)...)
	if err != nil {
		return err
	}
	return respond(c, 0, out)
}

type authMethodsRequest struct {
	AuthenticationMethods map[string]bool `json:"authentication_methods"`
}

func (s *Server) setAuthenticationMethods(c echo.Context) error {
	realmID, _ := pathID(c, "realm")
	var req authMethodsRequest
	if err := decode(c, &req); err != nil {
		return err
	}

	out, err := s.opts.Actions.SetRealmAuthenticationMethods(c.Request().Context(), realmID, req.AuthenticationMethods, callOptions(c)...)
	if err != nil {
		return err
	}
	return respond(c, realmID, out)
}

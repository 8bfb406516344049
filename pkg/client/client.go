package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/publisher"
	"github.com/parleychat/parley/pkg/queue"
	"github.com/parleychat/parley/pkg/types"
)

// Header names understood by the server
const (
	headerRealm          = "X-Parley-Realm"
	headerUser           = "X-Parley-User"
	headerIdempotencyKey = "Idempotency-Key"
)

// Error is a failure reported by the server in its error body
type Error struct {
	Status  int
	Code    string
	Msg     string
	QueueID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("parley: %s (%d): %s", e.Code, e.Status, e.Msg)
}

// IsBadQueue reports whether err means the queue is gone and the client
// must register again
func IsBadQueue(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "BAD_EVENT_QUEUE_ID"
}

// Client talks to a Parley server over HTTP
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration

	realmID int64
	userID  int64
	token   string
}

// Option configures a Client
type Option func(*Client)

// WithIdentity sets the realm and user sent on client and admin calls
func WithIdentity(realmID, userID int64) Option {
	return func(c *Client) {
		c.realmID = realmID
		c.userID = userID
	}
}

// WithInternalToken sets the bearer token for internal calls
func WithInternalToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the HTTP client. It must not set a timeout
// shorter than the server's long-poll timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithTimeout bounds every call except GetEvents
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterOptions selects what a new queue receives
type RegisterOptions struct {
	EventTypes        []events.Type `json:"event_types,omitempty"`
	ClientName        string        `json:"client_name,omitempty"`
	LegacyEventShapes bool          `json:"legacy_event_shapes,omitempty"`
	LifespanSecs      int           `json:"lifespan_secs,omitempty"`
}

// Registration is a new queue with the realm state it starts from
type Registration struct {
	QueueID         string                  `json:"queue_id"`
	LastEventID     int64                   `json:"last_event_id"`
	RealmLinkifiers []events.LinkifierEntry `json:"realm_linkifiers"`
	RealmFilters    []events.FilterTuple    `json:"realm_filters"`
}

// Register allocates an event queue
func (c *Client) Register(ctx context.Context, opts RegisterOptions) (*Registration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reg Registration
	if err := c.do(ctx, http.MethodPost, "/api/v1/register", opts, c.identity(""), &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// GetEvents polls a queue, confirming every event up to lastEventID. Unless
// dontBlock is set the call waits for the server's long poll to return.
func (c *Client) GetEvents(ctx context.Context, queueID string, lastEventID int64, dontBlock bool) ([]queue.QueuedEvent, error) {
	q := url.Values{}
	q.Set("queue_id", queueID)
	q.Set("last_event_id", strconv.FormatInt(lastEventID, 10))
	if dontBlock {
		q.Set("dont_block", "true")
	}

	var res struct {
		Events []queue.QueuedEvent `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/events?"+q.Encode(), nil, c.identity(""), &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

// DeleteQueue removes a queue
func (c *Client) DeleteQueue(ctx context.Context, queueID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.do(ctx, http.MethodDelete, "/api/v1/events?queue_id="+url.QueryEscape(queueID), nil, c.identity(""), nil)
}

// ActionResult is the server's answer to an administrative action
type ActionResult struct {
	ID        int64 `json:"id"`
	Changed   bool  `json:"changed"`
	Duplicate bool  `json:"duplicate"`
}

// CreateRealm creates a realm. It needs the internal token.
func (c *Client) CreateRealm(ctx context.Context, stringID, name string, methods map[string]bool, idempotencyKey string) (*ActionResult, error) {
	body := map[string]interface{}{
		"string_id":              stringID,
		"name":                   name,
		"authentication_methods": methods,
	}
	return c.action(ctx, http.MethodPost, "/api/v1/realms", body, c.internal(idempotencyKey))
}

// CreateUser adds a user to the client's realm
func (c *Client) CreateUser(ctx context.Context, email, fullName string, role types.UserRole, isBot bool, idempotencyKey string) (*ActionResult, error) {
	body := map[string]interface{}{
		"email":     email,
		"full_name": fullName,
		"role":      int(role),
		"is_bot":    isBot,
	}
	return c.action(ctx, http.MethodPost, c.realmPath("/users"), body, c.identity(idempotencyKey))
}

// AddLinkifier adds a linkifier to the client's realm
func (c *Client) AddLinkifier(ctx context.Context, pattern, urlFormat, idempotencyKey string) (*ActionResult, error) {
	body := map[string]string{"pattern": pattern, "url_format": urlFormat}
	return c.action(ctx, http.MethodPost, c.realmPath("/linkifiers"), body, c.identity(idempotencyKey))
}

// RemoveLinkifier removes a linkifier from the client's realm
func (c *Client) RemoveLinkifier(ctx context.Context, id int64, idempotencyKey string) (*ActionResult, error) {
	return c.action(ctx, http.MethodDelete, c.realmPath("/linkifiers/"+strconv.FormatInt(id, 10)), nil, c.identity(idempotencyKey))
}

// Notify hands a notice to the server's queues. It needs the internal token.
func (c *Client) Notify(ctx context.Context, n publisher.Notice) error {
	return c.do(ctx, http.MethodPost, "/internal/notify", n, c.internal(""), nil)
}

// JoinCluster asks the server to add a raft voter
func (c *Client) JoinCluster(ctx context.Context, nodeID, raftAddr string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := map[string]string{"node_id": nodeID, "raft_addr": raftAddr}
	return c.do(ctx, http.MethodPost, "/internal/cluster/join", body, c.internal(""), nil)
}

func (c *Client) action(ctx context.Context, method, path string, body interface{}, headers http.Header) (*ActionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var res ActionResult
	if err := c.do(ctx, method, path, body, headers, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) realmPath(suffix string) string {
	return "/api/v1/realms/" + strconv.FormatInt(c.realmID, 10) + suffix
}

func (c *Client) identity(idempotencyKey string) http.Header {
	h := http.Header{}
	h.Set(headerRealm, strconv.FormatInt(c.realmID, 10))
	h.Set(headerUser, strconv.FormatInt(c.userID, 10))
	if idempotencyKey != "" {
		h.Set(headerIdempotencyKey, idempotencyKey)
	}
	return h
}

func (c *Client) internal(idempotencyKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	if idempotencyKey != "" {
		h.Set(headerIdempotencyKey, idempotencyKey)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, headers http.Header, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		e := &Error{Status: resp.StatusCode}
		var body struct {
			Msg     string `json:"msg"`
			Code    string `json:"code"`
			QueueID string `json:"queue_id"`
		}
		if json.Unmarshal(data, &body) == nil {
			e.Code, e.Msg, e.QueueID = body.Code, body.Msg, body.QueueID
		}
		if e.Code == "" {
			e.Code = strings.ToUpper(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		}
		return e
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

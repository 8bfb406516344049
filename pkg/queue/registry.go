package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleychat/parley/pkg/config"
	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/metrics"
	"github.com/parleychat/parley/pkg/publisher"
	"github.com/rs/zerolog"
)

// Reasons a queue leaves the registry
const (
	reasonIdle    = "idle"
	reasonFull    = "full"
	reasonDeleted = "deleted"
)

// RegisterRequest describes a client asking for a queue
type RegisterRequest struct {
	UserID            int64
	RealmID           int64
	ClientName        string
	EventTypes        []events.Type
	LegacyEventShapes bool
	// Lifespan is how long the queue survives without a poll; zero means
	// the configured idle timeout
	Lifespan time.Duration
}

// RegisterResult identifies a freshly allocated queue
type RegisterResult struct {
	QueueID     string
	LastEventID int64
}

// GetEventsRequest is one poll of a queue
type GetEventsRequest struct {
	QueueID string
	// UserID must own the queue; zero skips the check
	UserID int64
	// LastEventID confirms every event up to and including it; -1 confirms none
	LastEventID int64
	DontBlock   bool
}

// GetEventsResult carries the pending events of a queue in id order
type GetEventsResult struct {
	QueueID string
	Events  []QueuedEvent
}

type userKey struct {
	realmID int64
	userID  int64
}

// Registry holds every client queue of this server. It implements
// publisher.Substrate: Enqueue fans a notice out to each queue of each
// recipient, atomically with respect to other notices, so every queue sees
// notices in the order the registry accepted them.
type Registry struct {
	cfg        config.QueueConfig
	logger     zerolog.Logger
	now        func() time.Time
	generation int64

	mu      sync.Mutex
	clients map[string]*ClientDescriptor
	byUser  map[userKey]map[string]*ClientDescriptor
	waiters int
	seen    *noticeWindow
}

// NewRegistry creates an empty registry
func NewRegistry(cfg config.QueueConfig) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 45 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &Registry{
		cfg:        cfg,
		logger:     log.WithComponent("queue"),
		now:        time.Now,
		generation: time.Now().Unix(),
		clients:    make(map[string]*ClientDescriptor),
		byUser:     make(map[userKey]map[string]*ClientDescriptor),
		seen:       newNoticeWindow(cfg.DedupWindow),
	}
}

// Register allocates a new queue for a client
func (r *Registry) Register(req RegisterRequest) (RegisterResult, error) {
	if req.UserID <= 0 || req.RealmID <= 0 {
		return RegisterResult{}, fmt.Errorf("register requires a user and realm, got user %d realm %d", req.UserID, req.RealmID)
	}
	for _, t := range req.EventTypes {
		if !events.Known(t) {
			return RegisterResult{}, fmt.Errorf("%w: %q", events.ErrUnknownType, t)
		}
	}

	lifespan := req.Lifespan
	if lifespan <= 0 {
		lifespan = r.cfg.IdleTimeout
	}
	if r.cfg.MaxLifespan > 0 && lifespan > r.cfg.MaxLifespan {
		lifespan = r.cfg.MaxLifespan
	}

	var eventTypes []events.Type
	if req.EventTypes != nil {
		eventTypes = append([]events.Type{}, req.EventTypes...)
	}

	queueID := uuid.NewString()
	c := &ClientDescriptor{
		QueueID:           queueID,
		UserID:            req.UserID,
		RealmID:           req.RealmID,
		ClientName:        req.ClientName,
		EventTypes:        eventTypes,
		LegacyEventShapes: req.LegacyEventShapes,
		Lifespan:          lifespan,
		LastAccess:        r.now(),
		queue:             NewEventQueue(queueID, r.cfg.MaxEvents),
	}
	c.logger = clientLogger(c)

	r.mu.Lock()
	r.add(c)
	r.mu.Unlock()

	c.logger.Debug().Str("client", req.ClientName).Msg("Registered event queue")

	return RegisterResult{QueueID: queueID, LastEventID: -1}, nil
}

// Get returns a copy of the descriptor of queueID
func (r *Registry) Get(queueID string) (ClientDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[queueID]
	if !ok {
		return ClientDescriptor{}, fmt.Errorf("%w: %s", ErrBadQueueID, queueID)
	}
	out := *c
	out.queue, out.waiter = nil, nil
	return out, nil
}

// Unregister deletes a queue at its owner's request
func (r *Registry) Unregister(queueID string, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.lookup(queueID, userID)
	if err != nil {
		return err
	}
	r.remove(c, reasonDeleted)
	return nil
}

// GetEvents returns the events pending on a queue after confirming those up
// to req.LastEventID. With nothing pending it waits until an event arrives,
// the heartbeat interval passes (a heartbeat event is then returned), a
// newer poll of the same queue supersedes it (no events are returned) or
// ctx ends.
func (r *Registry) GetEvents(ctx context.Context, req GetEventsRequest) (GetEventsResult, error) {
	r.mu.Lock()
	c, err := r.lookup(req.QueueID, req.UserID)
	if err != nil {
		r.mu.Unlock()
		return GetEventsResult{}, err
	}
	c.LastAccess = r.now()
	c.queue.Prune(req.LastEventID)

	if !c.queue.Empty() || req.DontBlock {
		res := GetEventsResult{QueueID: c.QueueID, Events: c.queue.Contents()}
		r.mu.Unlock()
		return res, nil
	}

	if c.waiter != nil {
		c.waiter.replaced = true
		r.wake(c)
	}
	w := newWaiter()
	c.waiter = w
	r.waiters++
	r.mu.Unlock()

	timer := time.NewTimer(r.cfg.HeartbeatInterval)
	defer timer.Stop()

	select {
	case <-w.ready:
	case <-timer.C:
		r.mu.Lock()
		if c.waiter == w {
			c.waiter = nil
			r.waiters--
			if _, err := c.queue.Push(events.NewHeartbeat(c.RealmID)); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to push heartbeat")
			}
		}
		r.mu.Unlock()
	case <-ctx.Done():
		r.mu.Lock()
		if c.waiter == w {
			c.waiter = nil
			r.waiters--
		}
		r.mu.Unlock()
		return GetEventsResult{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if w.replaced {
		return GetEventsResult{QueueID: c.QueueID, Events: []QueuedEvent{}}, nil
	}
	if _, ok := r.clients[c.QueueID]; !ok {
		return GetEventsResult{}, fmt.Errorf("%w: %s", ErrBadQueueID, c.QueueID)
	}
	c.LastAccess = r.now()
	return GetEventsResult{QueueID: c.QueueID, Events: c.queue.Contents()}, nil
}

// Enqueue fans n out to every queue of every recipient. A notice whose id
// was already fanned out within the dedup window is ignored, so substrate
// redelivery does not duplicate events on queues.
func (r *Registry) Enqueue(ctx context.Context, n publisher.Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	typ := n.Event.Type()
	body, err := json.Marshal(n.Event)
	if err != nil {
		return fmt.Errorf("failed to encode notice %s: %w", n.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen.contains(n.ID) {
		metrics.DuplicateNotices.Inc()
		r.logger.Debug().Str("notice_id", n.ID.String()).Msg("Ignoring redelivered notice")
		return nil
	}

	var full []*ClientDescriptor
	visited := make(map[string]struct{})
	delivered := 0

	for _, userID := range n.Users {
		for queueID, c := range r.byUser[userKey{realmID: n.RealmID, userID: userID}] {
			if _, ok := visited[queueID]; ok {
				continue
			}
			visited[queueID] = struct{}{}

			if !c.Accepts(typ) {
				continue
			}
			if _, err := c.queue.pushEncoded(typ, body); err != nil {
				if errors.Is(err, ErrQueueFull) {
					full = append(full, c)
					continue
				}
				return err
			}
			delivered++
			r.wake(c)
		}
	}

	for _, c := range full {
		c.logger.Warn().Msg("Event queue full, dropping queue so the client re-registers")
		r.remove(c, reasonFull)
	}

	r.seen.add(n.ID)
	metrics.EventsDelivered.WithLabelValues(string(typ)).Add(float64(delivered))
	return nil
}

// BroadcastRestart pushes a restart event onto every queue
func (r *Registry) BroadcastRestart(immediate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clients {
		r.pushRestart(c, immediate)
	}
}

func (r *Registry) pushRestart(c *ClientDescriptor, immediate bool) {
	if _, err := c.queue.Push(events.NewRestart(c.RealmID, r.generation, immediate)); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to push restart event")
		return
	}
	r.wake(c)
}

// GC removes queues that went unpolled for longer than their lifespan and
// returns how many it removed
func (r *Registry) GC() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for _, c := range r.clients {
		if c.expired(now) {
			r.remove(c, reasonIdle)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info().Int("removed", removed).Int("remaining", len(r.clients)).Msg("Collected idle event queues")
	}
	return removed
}

// RunGC collects idle queues every GC interval until ctx ends
func (r *Registry) RunGC(ctx context.Context) {
	interval := r.cfg.GCInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.GC()
		case <-ctx.Done():
			return
		}
	}
}

// QueueCount returns the number of registered queues
func (r *Registry) QueueCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// WaiterCount returns the number of parked long-polls
func (r *Registry) WaiterCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiters
}

func (r *Registry) lookup(queueID string, userID int64) (*ClientDescriptor, error) {
	c, ok := r.clients[queueID]
	if !ok || (userID != 0 && c.UserID != userID) {
		return nil, fmt.Errorf("%w: %s", ErrBadQueueID, queueID)
	}
	return c, nil
}

func (r *Registry) add(c *ClientDescriptor) {
	r.clients[c.QueueID] = c
	key := userKey{realmID: c.RealmID, userID: c.UserID}
	if r.byUser[key] == nil {
		r.byUser[key] = make(map[string]*ClientDescriptor)
	}
	r.byUser[key][c.QueueID] = c
	metrics.QueuesTotal.Set(float64(len(r.clients)))
}

func (r *Registry) remove(c *ClientDescriptor, reason string) {
	r.wake(c)
	delete(r.clients, c.QueueID)
	key := userKey{realmID: c.RealmID, userID: c.UserID}
	delete(r.byUser[key], c.QueueID)
	if len(r.byUser[key]) == 0 {
		delete(r.byUser, key)
	}
	metrics.QueuesCollected.WithLabelValues(reason).Inc()
	metrics.QueuesTotal.Set(float64(len(r.clients)))
}

// wake releases the parked poll of c, if any
func (r *Registry) wake(c *ClientDescriptor) {
	if c.waiter == nil {
		return
	}
	close(c.waiter.ready)
	c.waiter = nil
	r.waiters--
}

// noticeWindow remembers the last size notice ids
type noticeWindow struct {
	ring []uuid.UUID
	next int
	set  map[uuid.UUID]struct{}
}

func newNoticeWindow(size int) *noticeWindow {
	if size <= 0 {
		return &noticeWindow{}
	}
	return &noticeWindow{
		ring: make([]uuid.UUID, size),
		set:  make(map[uuid.UUID]struct{}, size),
	}
}

func (w *noticeWindow) contains(id uuid.UUID) bool {
	_, ok := w.set[id]
	return ok
}

func (w *noticeWindow) add(id uuid.UUID) {
	if len(w.ring) == 0 {
		return
	}
	if old := w.ring[w.next]; old != uuid.Nil {
		delete(w.set, old)
	}
	w.ring[w.next] = id
	w.set[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
}

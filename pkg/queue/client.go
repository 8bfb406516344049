package queue

import (
	"time"

	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/log"
	"github.com/rs/zerolog"
)

// ClientDescriptor is one registered client: who it is, what it wants to
// receive and its queue. Fields are guarded by the owning registry.
type ClientDescriptor struct {
	QueueID    string
	UserID     int64
	RealmID    int64
	ClientName string
	// EventTypes restricts delivery to these types; nil means every type
	EventTypes []events.Type
	// LegacyEventShapes selects the deprecated shape of events that have
	// two representations, for clients that predate the current one
	LegacyEventShapes bool
	Lifespan          time.Duration
	LastAccess        time.Time

	queue  *EventQueue
	waiter *waiter
	logger zerolog.Logger
}

// clientLogger tags every line about c with the queue and its owner
func clientLogger(c *ClientDescriptor) zerolog.Logger {
	return log.WithQueueID(c.QueueID).With().
		Str("component", "queue").
		Int64("realm_id", c.RealmID).
		Int64("user_id", c.UserID).
		Logger()
}

// Accepts reports whether e should be pushed onto this client's queue
func (c *ClientDescriptor) Accepts(t events.Type) bool {
	switch t {
	case events.TypeRestart, events.TypeHeartbeat:
		return true
	}

	// each client receives exactly one shape of a dual-shape change
	if _, hasLegacy := events.LegacyType(t); hasLegacy && c.LegacyEventShapes {
		return false
	}
	if events.IsLegacy(t) && !c.LegacyEventShapes {
		return false
	}

	if c.EventTypes == nil {
		return true
	}
	for _, want := range c.EventTypes {
		if want == t {
			return true
		}
		// a legacy client that asks for the current type gets the legacy one
		if c.LegacyEventShapes {
			if legacy, ok := events.LegacyType(want); ok && legacy == t {
				return true
			}
		}
	}
	return false
}

// expired reports whether the client went unpolled for longer than its lifespan
func (c *ClientDescriptor) expired(now time.Time) bool {
	return c.waiter == nil && now.Sub(c.LastAccess) > c.Lifespan
}

// waiter is a parked long-poll. ready is closed when events arrive or the
// poll is superseded by a newer one on the same queue.
type waiter struct {
	ready    chan struct{}
	replaced bool
}

func newWaiter() *waiter {
	return &waiter{ready: make(chan struct{})}
}

type clientState struct {
	QueueID           string          `json:"queue_id"`
	UserID            int64           `json:"user_id"`
	RealmID           int64           `json:"realm_id"`
	ClientName        string          `json:"client_name"`
	EventTypes        []events.Type   `json:"event_types"`
	LegacyEventShapes bool            `json:"legacy_event_shapes"`
	Lifespan          time.Duration   `json:"lifespan"`
	LastAccess        time.Time       `json:"last_access"`
	Queue             eventQueueState `json:"queue"`
}

func (c *ClientDescriptor) state() clientState {
	return clientState{
		QueueID:           c.QueueID,
		UserID:            c.UserID,
		RealmID:           c.RealmID,
		ClientName:        c.ClientName,
		EventTypes:        c.EventTypes,
		LegacyEventShapes: c.LegacyEventShapes,
		Lifespan:          c.Lifespan,
		LastAccess:        c.LastAccess,
		Queue:             c.queue.state(),
	}
}

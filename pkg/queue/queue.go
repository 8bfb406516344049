package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parleychat/parley/pkg/events"
)

var (
	// ErrBadQueueID is returned for a queue id that is unknown or belongs to another user
	ErrBadQueueID = errors.New("bad event queue id")
	// ErrQueueFull is returned when a queue holds max_events undelivered events
	ErrQueueFull = errors.New("event queue full")
)

// QueuedEvent is an event as stored on a client queue: its queue-local id
// and its encoded wire body
type QueuedEvent struct {
	ID   int64
	Type events.Type
	Body json.RawMessage
}

// MarshalJSON encodes the client wire shape, the event body plus "id"
func (q QueuedEvent) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(q.Body, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode queued event %d: %w", q.ID, err)
	}
	id, err := json.Marshal(q.ID)
	if err != nil {
		return nil, err
	}
	fields["id"] = id
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the client wire shape
func (q *QueuedEvent) UnmarshalJSON(data []byte) error {
	var head struct {
		ID   *int64      `json:"id"`
		Type events.Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.ID == nil {
		return fmt.Errorf("queued event has no id")
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	delete(fields, "id")
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	*q = QueuedEvent{ID: *head.ID, Type: head.Type, Body: body}
	return nil
}

// EventQueue is the ordered backlog of one client. Ids start at 0 and only
// grow; pruning never renumbers. Not safe for concurrent use, the registry
// serialises access.
type EventQueue struct {
	id             string
	events         []QueuedEvent
	nextEventID    int64
	newestPrunedID int64
	maxEvents      int
}

// NewEventQueue creates an empty queue. maxEvents <= 0 means unbounded.
func NewEventQueue(id string, maxEvents int) *EventQueue {
	return &EventQueue{
		id:             id,
		newestPrunedID: -1,
		maxEvents:      maxEvents,
	}
}

// ID returns the queue id
func (q *EventQueue) ID() string { return q.id }

// Push appends e and returns its id. A restart event replaces any restart
// still pending, so a client reloads once however many restarts it missed.
func (q *EventQueue) Push(e events.Event) (int64, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s event: %w", e.Type(), err)
	}
	return q.pushEncoded(e.Type(), body)
}

func (q *EventQueue) pushEncoded(typ events.Type, body json.RawMessage) (int64, error) {
	if typ == events.TypeRestart {
		q.dropPending(events.TypeRestart)
	}
	if q.maxEvents > 0 && len(q.events) >= q.maxEvents {
		return 0, fmt.Errorf("%w: queue %s has %d events", ErrQueueFull, q.id, len(q.events))
	}

	id := q.nextEventID
	q.nextEventID++
	q.events = append(q.events, QueuedEvent{ID: id, Type: typ, Body: body})
	return id, nil
}

func (q *EventQueue) dropPending(typ events.Type) {
	kept := q.events[:0]
	for _, e := range q.events {
		if e.Type != typ {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(q.events); i++ {
		q.events[i] = QueuedEvent{}
	}
	q.events = kept
}

// Prune drops every event with id <= throughID. The client has confirmed
// it saw them.
func (q *EventQueue) Prune(throughID int64) {
	n := 0
	for n < len(q.events) && q.events[n].ID <= throughID {
		q.newestPrunedID = q.events[n].ID
		n++
	}
	if n == 0 {
		return
	}
	q.events = append(q.events[:0:0], q.events[n:]...)
}

// Contents returns a copy of the pending events in id order
func (q *EventQueue) Contents() []QueuedEvent {
	return append([]QueuedEvent{}, q.events...)
}

// Len returns the number of pending events
func (q *EventQueue) Len() int { return len(q.events) }

// Empty reports whether no events are pending
func (q *EventQueue) Empty() bool { return len(q.events) == 0 }

// NewestPrunedID returns the id of the last pruned event, -1 if none
func (q *EventQueue) NewestPrunedID() int64 { return q.newestPrunedID }

// LastEventID returns the id of the newest event ever pushed, -1 if none
func (q *EventQueue) LastEventID() int64 { return q.nextEventID - 1 }

type eventQueueState struct {
	ID             string        `json:"id"`
	Events         []storedEvent `json:"events"`
	NextEventID    int64         `json:"next_event_id"`
	NewestPrunedID int64         `json:"newest_pruned_id"`
}

type storedEvent struct {
	ID   int64           `json:"id"`
	Type events.Type     `json:"type"`
	Body json.RawMessage `json:"body"`
}

func (q *EventQueue) state() eventQueueState {
	stored := make([]storedEvent, len(q.events))
	for i, e := range q.events {
		stored[i] = storedEvent(e)
	}
	return eventQueueState{
		ID:             q.id,
		Events:         stored,
		NextEventID:    q.nextEventID,
		NewestPrunedID: q.newestPrunedID,
	}
}

func restoreEventQueue(s eventQueueState, maxEvents int) *EventQueue {
	q := NewEventQueue(s.ID, maxEvents)
	q.nextEventID = s.NextEventID
	q.newestPrunedID = s.NewestPrunedID
	for _, e := range s.Events {
		q.events = append(q.events, QueuedEvent(e))
	}
	return q
}

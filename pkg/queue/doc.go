/*
Package queue is the event server side of delivery: a registry of client
event queues that long-polling clients drain.

# Model

	Register ──▶ ClientDescriptor{queue_id, user, realm, filter}
	                    │
	                    ▼
	              EventQueue   ids 0,1,2,... never reused
	                    │
	GetEvents(last_event_id) prunes ≤ last_event_id, returns the rest

A client confirms events by passing the id of the last one it processed;
anything at or below it is pruned and never returned again. Until a client
confirms an event it is returned on every poll, which is what makes
delivery at-least-once: a client that lost a response simply polls again
with its old last_event_id.

# Long-polling

With nothing pending, GetEvents parks until:

  - an event is pushed onto the queue (the events are returned),
  - the heartbeat interval passes (a heartbeat event is pushed and returned),
  - a newer poll of the same queue arrives (the old poll returns no events),
  - the request context ends.

# Fan-out

Registry implements publisher.Substrate. Enqueue pushes a notice onto every
queue of every recipient in the notice's realm while holding the registry
lock, so all queues see notices in the same order. A client receives only
one shape of an event that has current and legacy shapes, selected by
LegacyEventShapes at registration.

Notice ids are remembered in a fixed-size window; a notice redelivered by an
external substrate within the window is ignored.

A queue that reaches max_events is dropped. Its next poll fails with
ErrBadQueueID and the client registers again.

# Lifecycle

GC removes queues that have gone unpolled longer than their lifespan.
Persist and Restore carry queues across a server restart. Restored queues
keep their ids and pending events and receive a restart event.
*/
package queue

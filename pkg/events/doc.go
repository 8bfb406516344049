/*
Package events defines the immutable, typed events parley delivers to
connected clients, the builders domain actions use to create them, and the
compatibility shim that derives deprecated event shapes from current ones.

# Architecture

Every event is scoped to exactly one realm and carries one payload from a
closed set of kinds:

	┌──────────────────────── EVENT ─────────────────────────┐
	│                                                          │
	│  Event{type, realm_id, payload}   (unexported fields)    │
	│                                                          │
	│  payload (sealed Payload interface):                     │
	│    RealmLinkifiers   realm_linkifiers  list of objects   │
	│    RealmFilters      realm_filters     list of 3-tuples  │
	│    RealmUser         realm_user        add/update/remove │
	│    RealmUpdateDict   realm             update_dict       │
	│    Restart           restart           reload request    │
	│    Heartbeat         heartbeat         long-poll keepalive│
	│                                                          │
	│  wire shape: {"type": <type>, <payload fields...>}       │
	└──────────────────────────────────────────────────────────┘

The type tag is derived from the payload inside New, so a constructed event
can never disagree with its own body. Decode is table driven: a type string
outside the table is rejected with ErrUnknownType instead of falling through
ad hoc string branches.

# Current and Legacy Shapes

Some changes have two representations for clients on different protocol
versions. The translation table in legacy.go maps a current type to a pure
transform producing its legacy equivalent:

	realm_linkifiers  [{"pattern": p, "url_format": u, "id": i}, ...]
	        │
	        ▼ linkifiersToFilters (same order, same fields)
	realm_filters     [[p, u, i], ...]

LinkifierEvents builds both from one linkifier slice. Callers read the list
once and pass it in; they never read again for the legacy event, so both
events always describe the same state snapshot.

# Usage

	linkifiers, err := store.ListLinkifiers(realmID)
	if err != nil {
		return err
	}
	current, legacy := events.LinkifierEvents(realmID, linkifiers)

	if _, err := pub.Publish(ctx, realmID, current, recipients); err != nil {
		return err
	}
	if _, err := pub.Publish(ctx, realmID, legacy, recipients); err != nil {
		return err
	}

# Immutability

Builders copy their inputs. Event exposes its payload read-only by
convention; nothing in parley mutates a payload after construction, and the
queue layer stores the encoded JSON rather than the Go value.

# See Also

  - pkg/publisher for the publish contract
  - pkg/queue for how events are numbered and delivered per client queue
*/
package events

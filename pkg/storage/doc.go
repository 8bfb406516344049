/*
Package storage provides BoltDB-backed persistence for the realm state parley
reads at publish time, plus the event queues it saves across restarts.

# Buckets

	realms        realm ID (big-endian uint64) -> JSON types.Realm
	users         user ID                      -> JSON types.User
	linkifiers    linkifier ID                 -> JSON types.Linkifier
	event_queues  queue ID (string)            -> opaque queue snapshot

IDs come from each bucket's sequence, so allocation is deterministic when the
same writes are replayed in the same order (the raft FSM in pkg/manager relies
on this).

# Reads

Every list operation runs inside one read transaction. ListLinkifiers in
particular returns one consistent snapshot ordered by (Order, ID); the
current and legacy linkifier events are both derived from a single call.

ListActiveUserIDs is the "active user ids in realm" projection consumed by the
recipient resolver. It is recomputed on every call; nothing here caches.

# Snapshots

Snapshot and Restore serialize the three state buckets, including their
sequences, as JSON. Event queues are deliberately excluded: they are
node-local and are saved with SaveQueues on shutdown instead.
*/
package storage

/*
Package api implements the HTTP and gRPC surfaces of the Parley event server.

The HTTP server (echo) carries the client event API, the realm
administration endpoints that drive domain actions, and the internal
endpoints other Parley processes call. The gRPC server only exposes the
standard health service, fed from pkg/metrics component health.

# Architecture

	┌────────────── CLIENTS ──────────────┐   ┌──── PARLEY PROCESSES ────┐
	│  web / mobile / bots (via proxy)    │   │  http substrate, joins   │
	└──────────────┬──────────────────────┘   └────────────┬─────────────┘
	               │ X-Parley-Realm / X-Parley-User         │ Bearer token
	┌──────────────▼────────────────────────────────────────▼─────────────┐
	│                         api.Server (echo)                            │
	│  /api/v1/register, /api/v1/events      -> queue.Registry             │
	│  /api/v1/realms/:realm/...             -> actions.Service            │
	│  /internal/notify, /internal/cluster   -> Registry / raft manager    │
	└─────────────────────────────────────────────────────────────────────┘

# Authentication

Clients are authenticated by a fronting proxy, which sets X-Parley-Realm and
X-Parley-User. Administration routes additionally require the user to be an
active owner or administrator of the realm in the path. Realm creation and
/internal routes require the shared internal token as a bearer token.

# Errors

Every failure is rendered as

	{"result": "error", "msg": "...", "code": "BAD_EVENT_QUEUE_ID", "queue_id": "..."}

with the status derived from the error kind. A change that was committed but
whose event could not be handed to the substrate answers 503
EVENT_NOT_DELIVERED; retrying with the same Idempotency-Key does not apply
the change twice.

# Long polling

GET /api/v1/events blocks until the queue has events, the heartbeat interval
passes, or a newer poll of the same queue supersedes it. The HTTP write
timeout is derived from Options.LongPollTimeout.
*/
package api

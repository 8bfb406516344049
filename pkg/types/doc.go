/*
Package types defines the realm state that parley reads when it builds and
addresses events.

Parley does not own the application's data model. It consumes a narrow
projection of it: realms, the users that belong to them, and the per-realm
linkifiers whose changes drive the current/legacy event pair. These types are
shared by the storage layer, the raft manager, the domain actions, and the
event builders.

# Core Types

Tenancy:
  - Realm: a tenant, identified by a numeric ID and a short string ID
  - AuthenticationMethods: backend name to enabled flag, compared with
    AuthMethodsEqual so no-op updates can be detected

Membership:
  - User: a realm member with a role and an active flag
  - UserRole: owner, admin, moderator, member, guest (lower is more privileged)

Rules:
  - Linkifier: regex pattern and URL format string, listed by (Order, ID)

# Usage

	realm := &types.Realm{ID: 1, StringID: "zephyr", Name: "Zephyr"}
	user := &types.User{ID: 7, RealmID: realm.ID, Role: types.RoleMember, IsActive: true}

	if user.IsRealmAdmin() {
		// owners and admins receive admin-only events
	}

# Thread Safety

Values are plain data. Callers that share a value across goroutines must not
mutate it; the storage layer returns fresh copies on every read.

# See Also

  - pkg/storage for persistence
  - pkg/events for the event payloads built from these types
*/
package types

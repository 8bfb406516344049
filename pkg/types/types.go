package types

import (
	"time"
)

// Realm is a tenant (organization). Every event is scoped to exactly one realm.
type Realm struct {
	ID                    int64
	StringID              string
	Name                  string
	Deactivated           bool
	AuthenticationMethods map[string]bool
	CreatedAt             time.Time
}

// AuthMethodsEqual reports whether two authentication method maps enable the
// same set of backends. A missing key counts as disabled.
func AuthMethodsEqual(a, b map[string]bool) bool {
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	for k, v := range b {
		if a[k] != v {
			return false
		}
	}
	return true
}

// CopyAuthMethods returns a shallow copy safe to hand to another goroutine
func CopyAuthMethods(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// User is a member of a realm
type User struct {
	ID        int64
	RealmID   int64
	Email     string
	FullName  string
	Role      UserRole
	IsActive  bool
	IsBot     bool
	CreatedAt time.Time
}

// IsRealmAdmin reports whether the user administers their realm
func (u *User) IsRealmAdmin() bool {
	return u.Role == RoleOwner || u.Role == RoleAdmin
}

// UserRole is the permission level of a user. Lower values are more privileged.
type UserRole int

const (
	RoleOwner     UserRole = 100
	RoleAdmin     UserRole = 200
	RoleModerator UserRole = 300
	RoleMember    UserRole = 400
	RoleGuest     UserRole = 600
)

// Valid reports whether r is one of the known roles
func (r UserRole) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleModerator, RoleMember, RoleGuest:
		return true
	}
	return false
}

// String returns the role name
func (r UserRole) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	case RoleModerator:
		return "moderator"
	case RoleMember:
		return "member"
	case RoleGuest:
		return "guest"
	}
	return "unknown"
}

// Linkifier is a per-realm regex-to-URL rewrite rule
type Linkifier struct {
	ID        int64
	RealmID   int64
	Pattern   string
	URLFormat string
	Order     int
}

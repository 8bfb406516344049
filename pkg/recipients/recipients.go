package recipients

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/parleychat/parley/pkg/types"
)

// ErrResolve wraps every failure to compute a recipient set. A failed
// resolution never yields a partial set.
var ErrResolve = errors.New("failed to resolve recipients")

// MembershipReader is the read-only membership projection the resolver needs
type MembershipReader interface {
	ListActiveUserIDs(realmID int64) ([]int64, error)
	ListUsers(realmID int64) ([]*types.User, error)
}

// Set is a deduplicated set of user IDs, kept sorted
type Set struct {
	ids []int64
}

// NewSet builds a set from ids, dropping duplicates
func NewSet(ids ...int64) Set {
	if len(ids) == 0 {
		return Set{}
	}
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := sorted[:1]
	for _, id := range sorted[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return Set{ids: out}
}

// IDs returns the members in ascending order. The slice is a copy.
func (s Set) IDs() []int64 {
	return append([]int64(nil), s.ids...)
}

// Len returns the number of members
func (s Set) Len() int { return len(s.ids) }

// IsEmpty reports whether the set has no members
func (s Set) IsEmpty() bool { return len(s.ids) == 0 }

// Contains reports whether id is a member
func (s Set) Contains(id int64) bool {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	return i < len(s.ids) && s.ids[i] == id
}

// Audience selects which users of a realm should receive an event
type Audience interface {
	fmt.Stringer
	resolve(store MembershipReader, realmID int64) ([]int64, error)
}

type allActive struct{}

// AllActiveUsers selects every active user of the realm
func AllActiveUsers() Audience { return allActive{} }

func (allActive) String() string { return "all_active_users" }

func (allActive) resolve(store MembershipReader, realmID int64) ([]int64, error) {
	return store.ListActiveUserIDs(realmID)
}

type specific struct{ ids []int64 }

// SpecificUsers selects exactly the given users
func SpecificUsers(ids ...int64) Audience {
	return specific{ids: append([]int64(nil), ids...)}
}

func (s specific) String() string { return fmt.Sprintf("specific_users(%d)", len(s.ids)) }

func (s specific) resolve(MembershipReader, int64) ([]int64, error) {
	return s.ids, nil
}

type admins struct{}

// RealmAdmins selects active owners and administrators of the realm
func RealmAdmins() Audience { return admins{} }

func (admins) String() string { return "realm_admins" }

func (admins) resolve(store MembershipReader, realmID int64) ([]int64, error) {
	users, err := store.ListUsers(realmID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, u := range users {
		if u.IsActive && u.IsRealmAdmin() {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

type except struct{ excluded []int64 }

// ActiveUsersExcept selects every active user except the given ones
func ActiveUsersExcept(ids ...int64) Audience {
	return except{excluded: append([]int64(nil), ids...)}
}

func (e except) String() string { return fmt.Sprintf("active_users_except(%d)", len(e.excluded)) }

func (e except) resolve(store MembershipReader, realmID int64) ([]int64, error) {
	active, err := store.ListActiveUserIDs(realmID)
	if err != nil {
		return nil, err
	}
	skip := NewSet(e.excluded...)
	ids := make([]int64, 0, len(active))
	for _, id := range active {
		if !skip.Contains(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Resolver turns an Audience into a concrete Set. It reads live membership
// state on every call and caches nothing.
type Resolver struct {
	store MembershipReader
}

// NewResolver creates a resolver over store
func NewResolver(store MembershipReader) *Resolver {
	return &Resolver{store: store}
}

// Resolve computes the recipients of realmID selected by audience. A realm
// with no matching users yields an empty set, not an error.
func (r *Resolver) Resolve(ctx context.Context, realmID int64, audience Audience) (Set, error) {
	if err := ctx.Err(); err != nil {
		return Set{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}
	if audience == nil {
		return Set{}, fmt.Errorf("%w: nil audience", ErrResolve)
	}

	ids, err := audience.resolve(r.store, realmID)
	if err != nil {
		return Set{}, fmt.Errorf("%w: realm %d, %s: %v", ErrResolve, realmID, audience, err)
	}
	return NewSet(ids...), nil
}

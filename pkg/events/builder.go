package events

import (
	"github.com/parleychat/parley/pkg/types"
)

// NewRealmLinkifiers builds the current-shape linkifier event from an
// ordered linkifier list. The list is copied.
func NewRealmLinkifiers(realmID int64, linkifiers []*types.Linkifier) Event {
	entries := make([]LinkifierEntry, 0, len(linkifiers))
	for _, l := range linkifiers {
		entries = append(entries, LinkifierEntry{
			Pattern:   l.Pattern,
			URLFormat: l.URLFormat,
			ID:        l.ID,
		})
	}
	return New(realmID, RealmLinkifiers{Linkifiers: entries})
}

// NewRealmFilters builds the legacy-shape linkifier event directly. Prefer
// LinkifierEvents, which derives it from the current shape.
func NewRealmFilters(realmID int64, linkifiers []*types.Linkifier) Event {
	tuples := make([]FilterTuple, 0, len(linkifiers))
	for _, l := range linkifiers {
		tuples = append(tuples, FilterTuple{Pattern: l.Pattern, URLFormat: l.URLFormat, ID: l.ID})
	}
	return New(realmID, RealmFilters{Filters: tuples})
}

// LinkifierEvents builds the current event and its legacy equivalent from
// one linkifier list, so both describe the same snapshot.
func LinkifierEvents(realmID int64, linkifiers []*types.Linkifier) (current, legacy Event) {
	current = NewRealmLinkifiers(realmID, linkifiers)
	legacy, _ = Legacy(current)
	return current, legacy
}

// NewRealmUserAdd announces a user joining (or rejoining) the realm
func NewRealmUserAdd(user *types.User) Event {
	role := user.Role
	active := true
	bot := user.IsBot
	return New(user.RealmID, RealmUser{
		Op: OpAdd,
		Person: Person{
			UserID:   user.ID,
			Email:    user.Email,
			FullName: user.FullName,
			Role:     &role,
			IsActive: &active,
			IsBot:    &bot,
		},
	})
}

// NewRealmUserRoleUpdate announces a role change
func NewRealmUserRoleUpdate(realmID, userID int64, role types.UserRole) Event {
	return New(realmID, RealmUser{
		Op:     OpUpdate,
		Person: Person{UserID: userID, Role: &role},
	})
}

// NewRealmUserActiveUpdate announces activation or deactivation
func NewRealmUserActiveUpdate(realmID, userID int64, active bool) Event {
	return New(realmID, RealmUser{
		Op:     OpUpdate,
		Person: Person{UserID: userID, IsActive: &active},
	})
}

// NewRealmUserRemove is the legacy deactivation event
func NewRealmUserRemove(realmID, userID int64) Event {
	return New(realmID, RealmUser{
		Op:     OpRemove,
		Person: Person{UserID: userID},
	})
}

// NewRealmAuthMethodsUpdate announces the realm's new authentication methods
func NewRealmAuthMethodsUpdate(realmID int64, methods map[string]bool) Event {
	return New(realmID, RealmUpdateDict{
		Op:       OpUpdateDict,
		Property: "default",
		Data:     RealmUpdateData{AuthenticationMethods: types.CopyAuthMethods(methods)},
	})
}

// NewRestart tells clients of realmID to reload
func NewRestart(realmID, generation int64, immediate bool) Event {
	return New(realmID, Restart{ServerGeneration: generation, Immediate: immediate})
}

// NewHeartbeat is pushed into an idle queue when a long-poll times out
func NewHeartbeat(realmID int64) Event {
	return New(realmID, Heartbeat{})
}

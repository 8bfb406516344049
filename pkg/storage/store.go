package storage

import (
	"errors"

	"github.com/parleychat/parley/pkg/types"
)

// ErrNotFound is returned (wrapped) when a lookup by ID misses
var ErrNotFound = errors.New("not found")

// Store defines the interface for realm state storage.
// Create* assigns the entity ID when it is zero.
type Store interface {
	// Realms
	CreateRealm(realm *types.Realm) error
	GetRealm(id int64) (*types.Realm, error)
	ListRealms() ([]*types.Realm, error)
	UpdateRealm(realm *types.Realm) error

	// Users
	CreateUser(user *types.User) error
	GetUser(id int64) (*types.User, error)
	ListUsers(realmID int64) ([]*types.User, error)
	ListActiveUserIDs(realmID int64) ([]int64, error)
	UpdateUser(user *types.User) error

	// Linkifiers
	CreateLinkifier(linkifier *types.Linkifier) error
	GetLinkifier(id int64) (*types.Linkifier, error)
	ListLinkifiers(realmID int64) ([]*types.Linkifier, error)
	UpdateLinkifier(linkifier *types.Linkifier) error
	DeleteLinkifier(id int64) error

	// Event queue persistence across restarts
	SaveQueues(queues map[string][]byte) error
	LoadQueues() (map[string][]byte, error)

	// Raft snapshot support
	Snapshot() ([]byte, error)
	Restore(data []byte) error

	// Utility
	Close() error
}

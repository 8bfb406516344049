package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/parleychat/parley/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRealms     = []byte("realms")
	bucketUsers      = []byte("users")
	bucketLinkifiers = []byte("linkifiers")
	bucketQueues     = []byte("event_queues")

	stateBuckets = [][]byte{bucketRealms, bucketUsers, bucketLinkifiers}
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "parley.db")

	// another process holding the file lock fails the open instead of blocking
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range append(stateBuckets, bucketQueues) {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func put(b *bolt.Bucket, id int64, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(itob(id), data)
}

// nextID assigns an ID from the bucket sequence. Explicit IDs move the
// sequence forward so later allocations never collide with them.
func nextID(b *bolt.Bucket, id int64) (int64, error) {
	if id != 0 {
		if uint64(id) > b.Sequence() {
			if err := b.SetSequence(uint64(id)); err != nil {
				return 0, err
			}
		}
		return id, nil
	}
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

// Realm operations
func (s *BoltStore) CreateRealm(realm *types.Realm) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRealms)

		if realm.StringID != "" {
			dup := false
			err := b.ForEach(func(k, v []byte) error {
				var existing types.Realm
				if err := json.Unmarshal(v, &existing); err != nil {
					return err
				}
				if existing.StringID == realm.StringID {
					dup = true
				}
				return nil
			})
			if err != nil {
				return err
			}
			if dup {
				return fmt.Errorf("realm %q already exists", realm.StringID)
			}
		}

		id, err := nextID(b, realm.ID)
		if err != nil {
			return err
		}
		realm.ID = id
		return put(b, realm.ID, realm)
	})
}

func (s *BoltStore) GetRealm(id int64) (*types.Realm, error) {
	var realm types.Realm
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRealms).Get(itob(id))
		if data == nil {
			return fmt.Errorf("realm %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &realm)
	})
	if err != nil {
		return nil, err
	}
	return &realm, nil
}

func (s *BoltStore) ListRealms() ([]*types.Realm, error) {
	var realms []*types.Realm
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRealms).ForEach(func(k, v []byte) error {
			var realm types.Realm
			if err := json.Unmarshal(v, &realm); err != nil {
				return err
			}
			realms = append(realms, &realm)
			return nil
		})
	})
	return realms, err
}

func (s *BoltStore) UpdateRealm(realm *types.Realm) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRealms)
		if b.Get(itob(realm.ID)) == nil {
			return fmt.Errorf("realm %d: %w", realm.ID, ErrNotFound)
		}
		return put(b, realm.ID, realm)
	})
}

// User operations
func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRealms).Get(itob(user.RealmID)) == nil {
			return fmt.Errorf("realm %d: %w", user.RealmID, ErrNotFound)
		}

		b := tx.Bucket(bucketUsers)
		if user.Email != "" {
			dup := false
			err := b.ForEach(func(k, v []byte) error {
				var existing types.User
				if err := json.Unmarshal(v, &existing); err != nil {
					return err
				}
				if existing.RealmID == user.RealmID && existing.Email == user.Email {
					dup = true
				}
				return nil
			})
			if err != nil {
				return err
			}
			if dup {
				return fmt.Errorf("user %q already exists in realm %d", user.Email, user.RealmID)
			}
		}

		id, err := nextID(b, user.ID)
		if err != nil {
			return err
		}
		user.ID = id
		return put(b, user.ID, user)
	})
}

func (s *BoltStore) GetUser(id int64) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get(itob(id))
		if data == nil {
			return fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) ListUsers(realmID int64) ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			if user.RealmID == realmID {
				users = append(users, &user)
			}
			return nil
		})
	})
	return users, err
}

// ListActiveUserIDs returns the IDs of active users in the realm in ascending order
func (s *BoltStore) ListActiveUserIDs(realmID int64) ([]int64, error) {
	users, err := s.ListUsers(realmID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(users))
	for _, u := range users {
		if u.IsActive {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

func (s *BoltStore) UpdateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get(itob(user.ID)) == nil {
			return fmt.Errorf("user %d: %w", user.ID, ErrNotFound)
		}
		return put(b, user.ID, user)
	})
}

// Linkifier operations
func (s *BoltStore) CreateLinkifier(linkifier *types.Linkifier) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRealms).Get(itob(linkifier.RealmID)) == nil {
			return fmt.Errorf("realm %d: %w", linkifier.RealmID, ErrNotFound)
		}

		b := tx.Bucket(bucketLinkifiers)
		if linkifier.Order == 0 {
			maxOrder := 0
			err := b.ForEach(func(k, v []byte) error {
				var existing types.Linkifier
				if err := json.Unmarshal(v, &existing); err != nil {
					return err
				}
				if existing.RealmID == linkifier.RealmID && existing.Order > maxOrder {
					maxOrder = existing.Order
				}
				return nil
			})
			if err != nil {
				return err
			}
			linkifier.Order = maxOrder + 1
		}

		id, err := nextID(b, linkifier.ID)
		if err != nil {
			return err
		}
		linkifier.ID = id
		return put(b, linkifier.ID, linkifier)
	})
}

func (s *BoltStore) GetLinkifier(id int64) (*types.Linkifier, error) {
	var linkifier types.Linkifier
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLinkifiers).Get(itob(id))
		if data == nil {
			return fmt.Errorf("linkifier %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &linkifier)
	})
	if err != nil {
		return nil, err
	}
	return &linkifier, nil
}

// ListLinkifiers returns the realm's linkifiers ordered by (Order, ID) from a
// single read transaction.
func (s *BoltStore) ListLinkifiers(realmID int64) ([]*types.Linkifier, error) {
	var linkifiers []*types.Linkifier
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLinkifiers).ForEach(func(k, v []byte) error {
			var l types.Linkifier
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if l.RealmID == realmID {
				linkifiers = append(linkifiers, &l)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(linkifiers, func(i, j int) bool {
		if linkifiers[i].Order != linkifiers[j].Order {
			return linkifiers[i].Order < linkifiers[j].Order
		}
		return linkifiers[i].ID < linkifiers[j].ID
	})
	return linkifiers, nil
}

func (s *BoltStore) UpdateLinkifier(linkifier *types.Linkifier) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLinkifiers)
		if b.Get(itob(linkifier.ID)) == nil {
			return fmt.Errorf("linkifier %d: %w", linkifier.ID, ErrNotFound)
		}
		return put(b, linkifier.ID, linkifier)
	})
}

func (s *BoltStore) DeleteLinkifier(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLinkifiers)
		if b.Get(itob(id)) == nil {
			return fmt.Errorf("linkifier %d: %w", id, ErrNotFound)
		}
		return b.Delete(itob(id))
	})
}

// SaveQueues replaces all persisted event queues
func (s *BoltStore) SaveQueues(queues map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketQueues); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketQueues)
		if err != nil {
			return err
		}
		for id, data := range queues {
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadQueues returns all persisted event queues keyed by queue ID
func (s *BoltStore) LoadQueues() (map[string][]byte, error) {
	queues := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueues).ForEach(func(k, v []byte) error {
			// bbolt memory is only valid for the life of the transaction
			queues[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return queues, err
}

type snapshotBucket struct {
	Sequence uint64            `json:"sequence"`
	Items    []json.RawMessage `json:"items"`
}

// Backup writes a consistent copy of the whole database file to w
func (s *BoltStore) Backup(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// Snapshot serializes the realm state (not the event queues) for raft
func (s *BoltStore) Snapshot() ([]byte, error) {
	snap := make(map[string]snapshotBucket)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range stateBuckets {
			b := tx.Bucket(name)
			sb := snapshotBucket{Sequence: b.Sequence(), Items: []json.RawMessage{}}
			err := b.ForEach(func(k, v []byte) error {
				sb.Items = append(sb.Items, append(json.RawMessage(nil), v...))
				return nil
			})
			if err != nil {
				return err
			}
			snap[string(name)] = sb
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

// Restore replaces the realm state with a snapshot produced by Snapshot
func (s *BoltStore) Restore(data []byte) error {
	var snap map[string]snapshotBucket
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range stateBuckets {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			b, err := tx.CreateBucket(name)
			if err != nil {
				return err
			}

			sb := snap[string(name)]
			for _, item := range sb.Items {
				var ref struct {
					ID int64 `json:"ID"`
				}
				if err := json.Unmarshal(item, &ref); err != nil {
					return err
				}
				if err := b.Put(itob(ref.ID), item); err != nil {
					return err
				}
			}
			if err := b.SetSequence(sb.Sequence); err != nil {
				return err
			}
		}
		return nil
	})
}

package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/parleychat/parley/pkg/storage"
	"github.com/parleychat/parley/pkg/types"
)

// Raft command operations
const (
	OpCreateRealm       = "create_realm"
	OpUpdateRealm       = "update_realm"
	OpCreateUser        = "create_user"
	OpUpdateUser        = "update_user"
	OpCreateLinkifier   = "create_linkifier"
	OpUpdateLinkifier   = "update_linkifier"
	OpDeleteLinkifier   = "delete_linkifier"
	OpReorderLinkifiers = "reorder_linkifiers"
)

// ParleyFSM implements the Raft finite state machine for realm state.
// Every replica applies the same committed commands in the same order, so
// IDs assigned by the store on create agree across the cluster.
type ParleyFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewParleyFSM creates a new FSM instance
func NewParleyFSM(store storage.Store) *ParleyFSM {
	return &ParleyFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Apply applies a committed log entry. The response is the stored entity
// for create and update operations, nil for deletes, or an error.
func (f *ParleyFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpCreateRealm:
		var realm types.Realm
		if err := json.Unmarshal(cmd.Data, &realm); err != nil {
			return err
		}
		if err := f.store.CreateRealm(&realm); err != nil {
			return err
		}
		return &realm

	case OpUpdateRealm:
		var realm types.Realm
		if err := json.Unmarshal(cmd.Data, &realm); err != nil {
			return err
		}
		if err := f.store.UpdateRealm(&realm); err != nil {
			return err
		}
		return &realm

	case OpCreateUser:
		var user types.User
		if err := json.Unmarshal(cmd.Data, &user); err != nil {
			return err
		}
		if err := f.store.CreateUser(&user); err != nil {
			return err
		}
		return &user

	case OpUpdateUser:
		var user types.User
		if err := json.Unmarshal(cmd.Data, &user); err != nil {
			return err
		}
		if err := f.store.UpdateUser(&user); err != nil {
			return err
		}
		return &user

	case OpCreateLinkifier:
		var linkifier types.Linkifier
		if err := json.Unmarshal(cmd.Data, &linkifier); err != nil {
			return err
		}
		if err := f.store.CreateLinkifier(&linkifier); err != nil {
			return err
		}
		return &linkifier

	case OpUpdateLinkifier:
		var linkifier types.Linkifier
		if err := json.Unmarshal(cmd.Data, &linkifier); err != nil {
			return err
		}
		if err := f.store.UpdateLinkifier(&linkifier); err != nil {
			return err
		}
		return &linkifier

	case OpDeleteLinkifier:
		var id int64
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		if err := f.store.DeleteLinkifier(id); err != nil {
			return err
		}
		return nil

	case OpReorderLinkifiers:
		var linkifiers []*types.Linkifier
		if err := json.Unmarshal(cmd.Data, &linkifiers); err != nil {
			return err
		}
		for _, l := range linkifiers {
			if err := f.store.UpdateLinkifier(l); err != nil {
				return fmt.Errorf("failed to reorder linkifier %d: %w", l.ID, err)
			}
		}
		return linkifiers

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the realm state for log compaction
func (f *ParleyFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := f.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}
	return &ParleySnapshot{data: data}, nil
}

// Restore replaces the realm state with a snapshot.
// Called when a node restarts or joins the cluster.
func (f *ParleyFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Restore(data); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	return nil
}

// ParleySnapshot is a point-in-time copy of the realm state
type ParleySnapshot struct {
	data []byte
}

// Persist writes the snapshot to the given SnapshotSink
func (s *ParleySnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if _, err := sink.Write(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *ParleySnapshot) Release() {}

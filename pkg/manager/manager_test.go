package manager

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/parleychat/parley/pkg/storage"
	"github.com/parleychat/parley/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestManager starts a single-node cluster on in-memory raft stores
func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(&Config{NodeID: "node-1", DataDir: t.TempDir()})
	require.NoError(t, err)

	addr, transport := raft.NewInmemTransport("")
	m.bindAddr = string(addr)
	require.NoError(t, m.start(raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), transport, true))
	t.Cleanup(func() { _ = m.Shutdown() })

	require.NoError(t, m.WaitForLeader(5*time.Second))
	require.Eventually(t, m.IsLeader, 5*time.Second, 20*time.Millisecond)
	return m
}

func TestManagerWritesThroughRaft(t *testing.T) {
	m := newTestManager(t)
	before := m.AppliedIndex()

	realm, err := m.CreateRealm(&types.Realm{StringID: "zulip", Name: "Zulip"})
	require.NoError(t, err)
	assert.NotZero(t, realm.ID)

	alice, err := m.CreateUser(&types.User{RealmID: realm.ID, Email: "alice@example.com", Role: types.RoleOwner, IsActive: true})
	require.NoError(t, err)
	bob, err := m.CreateUser(&types.User{RealmID: realm.ID, Email: "bob@example.com", Role: types.RoleMember, IsActive: true})
	require.NoError(t, err)

	bob.IsActive = false
	require.NoError(t, m.UpdateUser(bob))

	active, err := m.ListActiveUserIDs(realm.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID}, active)

	got, err := m.GetRealm(realm.ID)
	require.NoError(t, err)
	assert.Equal(t, "Zulip", got.Name)

	assert.Greater(t, m.AppliedIndex(), before)
	assert.Equal(t, "Leader", m.Stats()["state"])
}

func TestManagerReturnsStoreErrors(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateUser(&types.User{RealmID: 999, Email: "ghost@example.com"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = m.CreateRealm(&types.Realm{StringID: "dup"})
	require.NoError(t, err)
	_, err = m.CreateRealm(&types.Realm{StringID: "dup"})
	assert.Error(t, err)
}

func TestManagerLinkifiers(t *testing.T) {
	m := newTestManager(t)

	realm, err := m.CreateRealm(&types.Realm{StringID: "r"})
	require.NoError(t, err)

	first, err := m.CreateLinkifier(&types.Linkifier{RealmID: realm.ID, Pattern: "#(?P<id>[0-9]+)", URLFormat: "https://trac.example.com/ticket/{id}", Order: 0})
	require.NoError(t, err)
	second, err := m.CreateLinkifier(&types.Linkifier{RealmID: realm.ID, Pattern: "GH-(?P<id>[0-9]+)", URLFormat: "https://github.com/issues/{id}", Order: 1})
	require.NoError(t, err)

	first.Order, second.Order = 1, 0
	require.NoError(t, m.ReorderLinkifiers([]*types.Linkifier{first, second}))

	list, err := m.ListLinkifiers(realm.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	second.URLFormat = "https://github.com/parley/issues/{id}"
	require.NoError(t, m.UpdateLinkifier(second))
	got, err := m.GetLinkifier(second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.URLFormat, got.URLFormat)

	require.NoError(t, m.DeleteLinkifier(first.ID))
	list, err = m.ListLinkifiers(realm.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestManagerWithoutRaft(t *testing.T) {
	m, err := NewManager(&Config{NodeID: "node-1", DataDir: t.TempDir()})
	require.NoError(t, err)
	defer m.Shutdown()

	assert.False(t, m.IsLeader())
	assert.Zero(t, m.AppliedIndex())
	_, err = m.CreateRealm(&types.Realm{StringID: "r"})
	assert.Error(t, err)
	assert.Error(t, m.AddVoter("node-2", "127.0.0.1:1"))
}

type memorySink struct {
	bytes.Buffer
	canceled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Close() error  { return nil }
func (s *memorySink) Cancel() error { s.canceled = true; return nil }

func applyCommand(t *testing.T, f *ParleyFSM, op string, v interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: cmd})
}

func TestFSMSnapshotRestore(t *testing.T) {
	src, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer src.Close()
	dst, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()

	f := NewParleyFSM(src)
	realm, ok := applyCommand(t, f, OpCreateRealm, &types.Realm{StringID: "r"}).(*types.Realm)
	require.True(t, ok)
	user, ok := applyCommand(t, f, OpCreateUser, &types.User{RealmID: realm.ID, Email: "a@example.com", IsActive: true}).(*types.User)
	require.True(t, ok)
	_, ok = applyCommand(t, f, OpCreateLinkifier, &types.Linkifier{RealmID: realm.ID, Pattern: "x", URLFormat: "https://x/{id}"}).(*types.Linkifier)
	require.True(t, ok)

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()
	assert.False(t, sink.canceled)

	g := NewParleyFSM(dst)
	require.NoError(t, g.Restore(io.NopCloser(&sink.Buffer)))

	active, err := dst.ListActiveUserIDs(realm.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{user.ID}, active)
	linkifiers, err := dst.ListLinkifiers(realm.ID)
	require.NoError(t, err)
	assert.Len(t, linkifiers, 1)

	// IDs keep advancing from where the snapshot left off
	next, ok := applyCommand(t, g, OpCreateUser, &types.User{RealmID: realm.ID, Email: "b@example.com"}).(*types.User)
	require.True(t, ok)
	assert.Greater(t, next.ID, user.ID)
}

func TestFSMRejectsBadCommands(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	f := NewParleyFSM(store)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "not json", data: []byte("{")},
		{name: "unknown op", data: []byte(`{"op":"drop_realm","data":1}`)},
		{name: "bad payload", data: []byte(`{"op":"create_user","data":"x"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.Apply(&raft.Log{Data: tt.data})
			_, isErr := resp.(error)
			assert.True(t, isErr)
		})
	}
}

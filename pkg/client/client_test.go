package client

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/parleychat/parley/pkg/actions"
	"github.com/parleychat/parley/pkg/api"
	"github.com/parleychat/parley/pkg/config"
	"github.com/parleychat/parley/pkg/dedup"
	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/publisher"
	"github.com/parleychat/parley/pkg/queue"
	"github.com/parleychat/parley/pkg/recipients"
	"github.com/parleychat/parley/pkg/storage"
	"github.com/parleychat/parley/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cret"

type localState struct {
	storage.Store
}

func (s localState) CreateRealm(r *types.Realm) (*types.Realm, error) {
	return r, s.Store.CreateRealm(r)
}

func (s localState) CreateUser(u *types.User) (*types.User, error) {
	return u, s.Store.CreateUser(u)
}

func (s localState) CreateLinkifier(l *types.Linkifier) (*types.Linkifier, error) {
	return l, s.Store.CreateLinkifier(l)
}

func (s localState) ReorderLinkifiers(ls []*types.Linkifier) error {
	for _, l := range ls {
		if err := s.Store.UpdateLinkifier(l); err != nil {
			return err
		}
	}
	return nil
}

type cluster struct {
	mu     sync.Mutex
	joined map[string]string
}

func (c *cluster) AddVoter(nodeID, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[nodeID] = address
	return nil
}

type testServer struct {
	url      string
	store    storage.Store
	registry *queue.Registry
	svc      *actions.Service
	cluster  *cluster
}

// startServer runs an event server over store. Servers sharing a store
// stand in for event servers sharing one replicated state.
func startServer(t *testing.T, store storage.Store) *testServer {
	t.Helper()

	registry := queue.NewRegistry(config.QueueConfig{HeartbeatInterval: 5 * time.Second, DedupWindow: 64})
	pub := publisher.New(registry, config.PublisherConfig{
		AttemptTimeout: time.Second,
		RetryInitial:   time.Millisecond,
		RetryMax:       2 * time.Millisecond,
		MaxAttempts:    2,
	})
	svc := actions.NewService(localState{store}, recipients.NewResolver(store), pub, dedup.NewMemoryGuard(time.Hour))
	c := &cluster{joined: make(map[string]string)}

	srv := httptest.NewServer(api.NewServer(api.Options{
		Registry:        registry,
		Actions:         svc,
		State:           store,
		Cluster:         c,
		InternalToken:   testToken,
		LongPollTimeout: 5 * time.Second,
	}).Handler())
	t.Cleanup(srv.Close)

	return &testServer{url: srv.URL, store: store, registry: registry, svc: svc, cluster: c}
}

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type realmUsers struct {
	realm  *types.Realm
	owner  *types.User
	member *types.User
}

func seed(t *testing.T, ts *testServer) realmUsers {
	t.Helper()
	ctx := context.Background()

	admin := NewClient(ts.url, WithInternalToken(testToken))
	res, err := admin.CreateRealm(ctx, "zulip", "Zulip Dev", map[string]bool{"Email": true}, "")
	require.NoError(t, err)
	realm, err := ts.store.GetRealm(res.ID)
	require.NoError(t, err)

	owner, _, err := ts.svc.CreateUser(ctx, realm.ID, "iago@zulip.com", "Iago", types.RoleOwner, false)
	require.NoError(t, err)
	member, _, err := ts.svc.CreateUser(ctx, realm.ID, "hamlet@zulip.com", "King Hamlet", types.RoleMember, false)
	require.NoError(t, err)

	return realmUsers{realm: realm, owner: owner, member: member}
}

func TestRegisterPollAndDelete(t *testing.T) {
	ts := startServer(t, newStore(t))
	u := seed(t, ts)
	ctx := context.Background()

	member := NewClient(ts.url, WithIdentity(u.realm.ID, u.member.ID))
	owner := NewClient(ts.url, WithIdentity(u.realm.ID, u.owner.ID))

	reg, err := member.Register(ctx, RegisterOptions{ClientName: "test"})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), reg.LastEventID)
	assert.Empty(t, reg.RealmLinkifiers)

	res, err := owner.AddLinkifier(ctx, `#(?P<id>[0-9]+)`, "https://trac.example.com/ticket/%(id)s", "")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	evs, err := member.GetEvents(ctx, reg.QueueID, reg.LastEventID, true)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeRealmLinkifiers, evs[0].Type)

	// confirming the event empties the queue
	evs, err = member.GetEvents(ctx, reg.QueueID, evs[0].ID, true)
	require.NoError(t, err)
	assert.Empty(t, evs)

	require.NoError(t, member.DeleteQueue(ctx, reg.QueueID))
	_, err = member.GetEvents(ctx, reg.QueueID, -1, true)
	require.Error(t, err)
	assert.True(t, IsBadQueue(err))
}

func TestServerErrorsDecode(t *testing.T) {
	ts := startServer(t, newStore(t))
	u := seed(t, ts)
	ctx := context.Background()

	tests := []struct {
		name   string
		call   func() error
		status int
		code   string
	}{
		{
			name: "member cannot administer",
			call: func() error {
				_, err := NewClient(ts.url, WithIdentity(u.realm.ID, u.member.ID)).
					AddLinkifier(ctx, `#(?P<id>[0-9]+)`, "https://trac.example.com/ticket/%(id)s", "")
				return err
			},
			status: 403,
			code:   "FORBIDDEN",
		},
		{
			name: "duplicate email",
			call: func() error {
				_, err := NewClient(ts.url, WithIdentity(u.realm.ID, u.owner.ID)).
					CreateUser(ctx, "HAMLET@zulip.com", "Hamlet", types.RoleMember, false, "")
				return err
			},
			status: 409,
			code:   "CONFLICT",
		},
		{
			name: "wrong internal token",
			call: func() error {
				return NewClient(ts.url, WithInternalToken("nope")).JoinCluster(ctx, "parley-2", "10.0.0.2:7946")
			},
			status: 401,
			code:   "UNAUTHORIZED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestJoinCluster(t *testing.T) {
	ts := startServer(t, newStore(t))

	c := NewClient(ts.url, WithInternalToken(testToken))
	require.NoError(t, c.JoinCluster(context.Background(), "parley-2", "10.0.0.2:7946"))
	assert.Equal(t, "10.0.0.2:7946", ts.cluster.joined["parley-2"])
}

func TestIdempotentCreateUser(t *testing.T) {
	ts := startServer(t, newStore(t))
	u := seed(t, ts)
	ctx := context.Background()
	owner := NewClient(ts.url, WithIdentity(u.realm.ID, u.owner.ID))
	key := uuid.NewString()

	first, err := owner.CreateUser(ctx, "othello@zulip.com", "Othello", types.RoleMember, false, key)
	require.NoError(t, err)
	second, err := owner.CreateUser(ctx, "othello@zulip.com", "Othello", types.RoleMember, false, key)
	require.NoError(t, err)

	assert.True(t, first.Changed)
	assert.True(t, second.Duplicate)

	users, err := ts.store.ListUsers(u.realm.ID)
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

func TestNotifierReachesEveryServer(t *testing.T) {
	store := newStore(t)
	a := startServer(t, store)
	b := startServer(t, store)
	u := seed(t, a)
	ctx := context.Background()

	var queues []string
	for _, ts := range []*testServer{a, b} {
		reg, err := NewClient(ts.url, WithIdentity(u.realm.ID, u.member.ID)).Register(ctx, RegisterOptions{})
		require.NoError(t, err)
		queues = append(queues, reg.QueueID)
	}

	notifier := NewNotifier(
		NewClient(a.url, WithInternalToken(testToken)),
		NewClient(b.url, WithInternalToken(testToken)),
	)
	notice := publisher.Notice{
		ID:          uuid.New(),
		RealmID:     u.realm.ID,
		Event:       events.NewRealmUserRemove(u.realm.ID, u.owner.ID),
		Users:       []int64{u.member.ID},
		PublishedAt: time.Now(),
	}
	require.NoError(t, notifier.Enqueue(ctx, notice))
	// a retry of an accepted notice is dropped by the servers
	require.NoError(t, notifier.Enqueue(ctx, notice))

	for i, ts := range []*testServer{a, b} {
		evs, err := NewClient(ts.url, WithIdentity(u.realm.ID, u.member.ID)).GetEvents(ctx, queues[i], -1, true)
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, events.TypeRealmUser, evs[0].Type)
	}

	down := NewNotifier(NewClient("http://127.0.0.1:1", WithInternalToken(testToken), WithTimeout(time.Second)))
	assert.Error(t, down.Enqueue(ctx, notice))
	assert.Error(t, NewNotifier().Enqueue(ctx, notice))
}

func TestTailReregistersWhenQueueIsLost(t *testing.T) {
	ts := startServer(t, newStore(t))
	u := seed(t, ts)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	regs := make(chan *Registration, 4)
	got := make(chan queue.QueuedEvent, 16)
	done := make(chan error, 1)

	member := NewClient(ts.url, WithIdentity(u.realm.ID, u.member.ID))
	go func() {
		done <- member.Tail(ctx, RegisterOptions{ClientName: "tail"},
			func(reg *Registration) error {
				regs <- reg
				return nil
			},
			func(ev queue.QueuedEvent) error {
				got <- ev
				return nil
			})
	}()

	first := <-regs
	require.Eventually(t, func() bool { return ts.registry.WaiterCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := ts.svc.SetRealmAuthenticationMethods(context.Background(), u.realm.ID, map[string]bool{"Email": true, "GitHub": true})
	require.NoError(t, err)
	select {
	case ev := <-got:
		assert.Equal(t, events.TypeRealm, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("tail did not deliver the event")
	}

	require.Eventually(t, func() bool { return ts.registry.WaiterCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ts.registry.Unregister(first.QueueID, u.member.ID))

	select {
	case second := <-regs:
		assert.NotEqual(t, first.QueueID, second.QueueID)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not register again")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tail did not stop")
	}
}

func TestRetryDelayIsBounded(t *testing.T) {
	for failures := 1; failures < 20; failures++ {
		d := retryDelay(failures)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

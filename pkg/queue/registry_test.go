package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/parleychat/parley/pkg/config"
	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/log"
	"github.com/parleychat/parley/pkg/publisher"
	"github.com/parleychat/parley/pkg/recipients"
	"github.com/parleychat/parley/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		IdleTimeout:       time.Minute,
		MaxLifespan:       time.Hour,
		HeartbeatInterval: 100 * time.Millisecond,
		MaxEvents:         100,
		GCInterval:        time.Minute,
		DedupWindow:       16,
	}
}

func register(t *testing.T, r *Registry, realmID, userID int64) string {
	t.Helper()
	res, err := r.Register(RegisterRequest{RealmID: realmID, UserID: userID, ClientName: "test"})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.LastEventID)
	return res.QueueID
}

func notice(realmID int64, e events.Event, users ...int64) publisher.Notice {
	return publisher.Notice{ID: uuid.New(), RealmID: realmID, Event: e, Users: users, PublishedAt: time.Now()}
}

func poll(t *testing.T, r *Registry, queueID string, lastEventID int64) []QueuedEvent {
	t.Helper()
	res, err := r.GetEvents(context.Background(), GetEventsRequest{QueueID: queueID, LastEventID: lastEventID, DontBlock: true})
	require.NoError(t, err)
	return res.Events
}

func typesOf(evs []QueuedEvent) []events.Type {
	out := make([]events.Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func TestRegisterValidates(t *testing.T) {
	r := NewRegistry(testQueueConfig())

	_, err := r.Register(RegisterRequest{RealmID: 1})
	assert.Error(t, err)
	_, err = r.Register(RegisterRequest{UserID: 1})
	assert.Error(t, err)
	_, err = r.Register(RegisterRequest{RealmID: 1, UserID: 1, EventTypes: []events.Type{"message"}})
	assert.True(t, errors.Is(err, events.ErrUnknownType))
	assert.Zero(t, r.QueueCount())
}

func TestRegisterCapsLifespan(t *testing.T) {
	r := NewRegistry(testQueueConfig())

	res, err := r.Register(RegisterRequest{RealmID: 1, UserID: 1, Lifespan: 100 * time.Hour})
	require.NoError(t, err)
	c, err := r.Get(res.QueueID)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, c.Lifespan)

	res, err = r.Register(RegisterRequest{RealmID: 1, UserID: 1})
	require.NoError(t, err)
	c, err = r.Get(res.QueueID)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, c.Lifespan)
}

func TestEnqueueFansOutToRecipientsInRealm(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	ctx := context.Background()

	alice1 := register(t, r, 1, 1)
	alice2 := register(t, r, 1, 1)
	bob := register(t, r, 1, 2)
	carol := register(t, r, 1, 3)
	otherRealm := register(t, r, 2, 1)

	require.NoError(t, r.Enqueue(ctx, notice(1, events.NewRealmUserRemove(1, 9), 1, 2)))

	for _, q := range []string{alice1, alice2, bob} {
		evs := poll(t, r, q, -1)
		require.Len(t, evs, 1, q)
		assert.Equal(t, events.TypeRealmUser, evs[0].Type)
	}
	assert.Empty(t, poll(t, r, carol, -1))
	assert.Empty(t, poll(t, r, otherRealm, -1), "same user id in another realm")
}

func TestGetEventsNeverReturnsConfirmedEvents(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	ctx := context.Background()
	q := register(t, r, 1, 1)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, r.Enqueue(ctx, notice(1, events.NewRealmUserRemove(1, i), 1)))
	}

	for last := int64(-1); last < 5; last++ {
		evs := poll(t, r, q, last)
		for _, e := range evs {
			assert.Greater(t, e.ID, last)
		}
		assert.Len(t, evs, int(4-last))
	}
}

func TestGetEventsChecksOwner(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	q := register(t, r, 1, 1)

	_, err := r.GetEvents(context.Background(), GetEventsRequest{QueueID: q, UserID: 2, LastEventID: -1, DontBlock: true})
	assert.True(t, errors.Is(err, ErrBadQueueID))

	_, err = r.GetEvents(context.Background(), GetEventsRequest{QueueID: "nope", LastEventID: -1, DontBlock: true})
	assert.True(t, errors.Is(err, ErrBadQueueID))

	_, err = r.GetEvents(context.Background(), GetEventsRequest{QueueID: q, UserID: 1, LastEventID: -1, DontBlock: true})
	assert.NoError(t, err)
}

func TestLongPollWakesOnEvent(t *testing.T) {
	cfg := testQueueConfig()
	cfg.HeartbeatInterval = 5 * time.Second
	r := NewRegistry(cfg)
	q := register(t, r, 1, 1)

	got := make(chan GetEventsResult, 1)
	go func() {
		res, err := r.GetEvents(context.Background(), GetEventsRequest{QueueID: q, LastEventID: -1})
		assert.NoError(t, err)
		got <- res
	}()

	require.Eventually(t, func() bool { return r.WaiterCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, r.Enqueue(context.Background(), notice(1, events.NewRealmUserRemove(1, 4), 1)))

	select {
	case res := <-got:
		require.Len(t, res.Events, 1)
		assert.Equal(t, int64(0), res.Events[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll was not woken")
	}
	assert.Zero(t, r.WaiterCount())
}

func TestLongPollHeartbeat(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	q := register(t, r, 1, 1)

	res, err := r.GetEvents(context.Background(), GetEventsRequest{QueueID: q, LastEventID: -1})
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, events.TypeHeartbeat, res.Events[0].Type)
	assert.Zero(t, r.WaiterCount())
}

func TestNewerLongPollReplacesOlder(t *testing.T) {
	cfg := testQueueConfig()
	cfg.HeartbeatInterval = 5 * time.Second
	r := NewRegistry(cfg)
	q := register(t, r, 1, 1)

	first := make(chan GetEventsResult, 1)
	go func() {
		res, err := r.GetEvents(context.Background(), GetEventsRequest{QueueID: q, LastEventID: -1})
		assert.NoError(t, err)
		first <- res
	}()
	require.Eventually(t, func() bool { return r.WaiterCount() == 1 }, time.Second, time.Millisecond)

	second := make(chan GetEventsResult, 1)
	go func() {
		res, err := r.GetEvents(context.Background(), GetEventsRequest{QueueID: q, LastEventID: -1})
		assert.NoError(t, err)
		second <- res
	}()

	select {
	case res := <-first:
		assert.Empty(t, res.Events)
	case <-time.After(2 * time.Second):
		t.Fatal("older long-poll was not released")
	}

	require.Eventually(t, func() bool { return r.WaiterCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, r.Enqueue(context.Background(), notice(1, events.NewRealmUserRemove(1, 4), 1)))
	res := <-second
	assert.Len(t, res.Events, 1)
}

func TestLongPollContextCancel(t *testing.T) {
	cfg := testQueueConfig()
	cfg.HeartbeatInterval = 5 * time.Second
	r := NewRegistry(cfg)
	q := register(t, r, 1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.GetEvents(ctx, GetEventsRequest{QueueID: q, LastEventID: -1})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Zero(t, r.WaiterCount())
}

func TestUnregisterReleasesWaiter(t *testing.T) {
	cfg := testQueueConfig()
	cfg.HeartbeatInterval = 5 * time.Second
	r := NewRegistry(cfg)
	q := register(t, r, 1, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.GetEvents(context.Background(), GetEventsRequest{QueueID: q, LastEventID: -1})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return r.WaiterCount() == 1 }, time.Second, time.Millisecond)

	assert.True(t, errors.Is(r.Unregister(q, 2), ErrBadQueueID), "only the owner may delete")
	require.NoError(t, r.Unregister(q, 1))
	assert.True(t, errors.Is(<-errCh, ErrBadQueueID))
	assert.Zero(t, r.QueueCount())
}

func TestEnqueueIgnoresRedeliveredNotice(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	ctx := context.Background()
	q := register(t, r, 1, 1)

	n := notice(1, events.NewRealmUserRemove(1, 4), 1)
	require.NoError(t, r.Enqueue(ctx, n))
	require.NoError(t, r.Enqueue(ctx, n))
	assert.Len(t, poll(t, r, q, -1), 1)

	// a different notice with identical content is not a duplicate
	require.NoError(t, r.Enqueue(ctx, notice(1, events.NewRealmUserRemove(1, 4), 1)))
	assert.Len(t, poll(t, r, q, -1), 2)
}

func TestNoticeWindowForgetsOldest(t *testing.T) {
	w := newNoticeWindow(2)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	w.add(a)
	w.add(b)
	assert.True(t, w.contains(a))
	w.add(c)
	assert.False(t, w.contains(a))
	assert.True(t, w.contains(b))
	assert.True(t, w.contains(c))

	disabled := newNoticeWindow(0)
	disabled.add(a)
	assert.False(t, disabled.contains(a))
}

func TestEnqueueDropsFullQueue(t *testing.T) {
	cfg := testQueueConfig()
	cfg.MaxEvents = 2
	r := NewRegistry(cfg)
	ctx := context.Background()
	full := register(t, r, 1, 1)
	ok := register(t, r, 1, 2)

	for i := int64(1); i <= 2; i++ {
		require.NoError(t, r.Enqueue(ctx, notice(1, events.NewRealmUserRemove(1, i), 1)))
	}
	require.NoError(t, r.Enqueue(ctx, notice(1, events.NewRealmUserRemove(1, 3), 1, 2)))

	_, err := r.GetEvents(ctx, GetEventsRequest{QueueID: full, LastEventID: -1, DontBlock: true})
	assert.True(t, errors.Is(err, ErrBadQueueID), "client must re-register")
	assert.Len(t, poll(t, r, ok, -1), 1)
}

func TestEnqueueSendsOneShapePerClient(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	ctx := context.Background()

	modern := register(t, r, 1, 1)
	res, err := r.Register(RegisterRequest{RealmID: 1, UserID: 2, LegacyEventShapes: true})
	require.NoError(t, err)
	legacyClient := res.QueueID

	current, legacy := events.LinkifierEvents(1, []*types.Linkifier{{ID: 1, Pattern: "p", URLFormat: "u"}})
	require.NoError(t, r.Enqueue(ctx, notice(1, current, 1, 2)))
	require.NoError(t, r.Enqueue(ctx, notice(1, legacy, 1, 2)))

	assert.Equal(t, []events.Type{events.TypeRealmLinkifiers}, typesOf(poll(t, r, modern, -1)))
	assert.Equal(t, []events.Type{events.TypeRealmFilters}, typesOf(poll(t, r, legacyClient, -1)))
}

func TestGC(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	now := time.Now()
	r.now = func() time.Time { return now }

	stale := register(t, r, 1, 1)
	fresh := register(t, r, 1, 2)

	now = now.Add(50 * time.Second)
	poll(t, r, fresh, -1)

	now = now.Add(20 * time.Second)
	assert.Equal(t, 1, r.GC())

	_, err := r.Get(stale)
	assert.True(t, errors.Is(err, ErrBadQueueID))
	_, err = r.Get(fresh)
	assert.NoError(t, err)
}

func TestGCSkipsQueuesWithWaiter(t *testing.T) {
	cfg := testQueueConfig()
	cfg.HeartbeatInterval = 5 * time.Second
	r := NewRegistry(cfg)
	now := time.Now()
	var mu sync.Mutex
	r.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	q := register(t, r, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = r.GetEvents(ctx, GetEventsRequest{QueueID: q, LastEventID: -1})
		close(done)
	}()
	require.Eventually(t, func() bool { return r.WaiterCount() == 1 }, time.Second, time.Millisecond)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	assert.Zero(t, r.GC())

	cancel()
	<-done
	assert.Equal(t, 1, r.GC())
}

func TestBroadcastRestart(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	a := register(t, r, 1, 1)
	b := register(t, r, 2, 5)

	r.BroadcastRestart(false)
	r.BroadcastRestart(true)

	for _, q := range []string{a, b} {
		evs := poll(t, r, q, -1)
		require.Len(t, evs, 1, "restarts coalesce")
		assert.Equal(t, events.TypeRestart, evs[0].Type)
	}
}

// flakySubstrate fails its first call, then forwards to the registry
type flakySubstrate struct {
	mu     sync.Mutex
	failed bool
	next   publisher.Substrate
}

func (f *flakySubstrate) Enqueue(ctx context.Context, n publisher.Notice) error {
	f.mu.Lock()
	if !f.failed {
		f.failed = true
		f.mu.Unlock()
		return errors.New("substrate restarting")
	}
	f.mu.Unlock()
	return f.next.Enqueue(ctx, n)
}

func fastPublisher(sub publisher.Substrate) *publisher.Publisher {
	return publisher.New(sub, config.PublisherConfig{
		AttemptTimeout: time.Second,
		RetryInitial:   time.Millisecond,
		RetryMax:       time.Millisecond,
		MaxAttempts:    3,
	})
}

func TestPublishedEventReachesConsumerDespiteTransientFailure(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	q := register(t, r, 1, 1)
	pub := fastPublisher(&flakySubstrate{next: r})

	receipt, err := pub.Publish(context.Background(), 1, events.NewRealmUserRemove(1, 7), recipients.NewSet(1))
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Attempts)

	evs := poll(t, r, q, -1)
	require.Len(t, evs, 1)
	assert.JSONEq(t, `{"type":"realm_user","op":"remove","person":{"user_id":7}}`, string(evs[0].Body))
}

func TestPublishedEventsObservedInOrder(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	q := register(t, r, 1, 1)
	pub := fastPublisher(r)
	ctx := context.Background()

	current, legacy := events.LinkifierEvents(1, nil)
	sequence := []events.Event{
		events.NewRealmUserRoleUpdate(1, 2, types.RoleAdmin),
		events.NewRealmUserActiveUpdate(1, 2, false),
		current,
		events.NewRealmUserRemove(1, 2),
	}
	for _, e := range sequence {
		_, err := pub.Publish(ctx, 1, e, recipients.NewSet(1))
		require.NoError(t, err)
	}
	// legacy shape is filtered for this client, so it must not show up
	_, err := pub.Publish(ctx, 1, legacy, recipients.NewSet(1))
	require.NoError(t, err)

	evs := poll(t, r, q, -1)
	assert.Equal(t, []events.Type{
		events.TypeRealmUser, events.TypeRealmUser, events.TypeRealmLinkifiers, events.TypeRealmUser,
	}, typesOf(evs))
	assert.Equal(t, []int64{0, 1, 2, 3}, ids(evs))
}

func TestPublishToEmptySetLeavesQueuesUntouched(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	q := register(t, r, 1, 1)
	pub := fastPublisher(r)

	receipt, err := pub.Publish(context.Background(), 1, events.NewRealmUserRemove(1, 2), recipients.NewSet())
	require.NoError(t, err)
	assert.False(t, receipt.Enqueued)
	assert.Empty(t, poll(t, r, q, -1))
}

func TestQueueLogLinesCarryQueueOwner(t *testing.T) {
	var buf bytes.Buffer
	saved := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = saved })

	cfg := testQueueConfig()
	cfg.MaxEvents = 1
	r := NewRegistry(cfg)
	ctx := context.Background()
	queueID := register(t, r, 3, 7)

	require.NoError(t, r.Enqueue(ctx, notice(3, events.NewRealmUserRemove(3, 1), 7)))
	require.NoError(t, r.Enqueue(ctx, notice(3, events.NewRealmUserRemove(3, 2), 7)))

	var dropped map[string]interface{}
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &line))
		if line["message"] == "Event queue full, dropping queue so the client re-registers" {
			dropped = line
		}
	}
	require.NotNil(t, dropped)
	assert.Equal(t, "warn", dropped["level"])
	assert.Equal(t, "queue", dropped["component"])
	assert.Equal(t, queueID, dropped["queue_id"])
	assert.Equal(t, float64(3), dropped["realm_id"])
	assert.Equal(t, float64(7), dropped["user_id"])
}

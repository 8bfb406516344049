package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistAndRestore(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	before := NewRegistry(testQueueConfig())
	ctx := context.Background()
	q := register(t, before, 1, 1)
	res, err := before.Register(RegisterRequest{RealmID: 1, UserID: 2, LegacyEventShapes: true, EventTypes: []events.Type{events.TypeRealmLinkifiers}})
	require.NoError(t, err)
	legacyQ := res.QueueID

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, before.Enqueue(ctx, notice(1, events.NewRealmUserRemove(1, i), 1)))
	}
	// client confirmed the first event before shutdown
	poll(t, before, q, 0)

	require.NoError(t, before.Persist(store))

	after := NewRegistry(testQueueConfig())
	n, err := after.Restore(store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	evs := poll(t, after, q, 0)
	assert.Equal(t, []int64{1, 2, 3}, ids(evs), "ids survive the restart")
	assert.Equal(t, events.TypeRestart, evs[2].Type)

	c, err := after.Get(legacyQ)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.UserID)
	assert.True(t, c.LegacyEventShapes)
	assert.Equal(t, []events.Type{events.TypeRealmLinkifiers}, c.EventTypes)
	assert.Equal(t, []events.Type{events.TypeRestart}, typesOf(poll(t, after, legacyQ, -1)))

	// the restored queue still receives new events
	require.NoError(t, after.Enqueue(ctx, notice(1, events.NewRealmUserRemove(1, 9), 1)))
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(poll(t, after, q, 0)))
}

type brokenStore struct{}

func (brokenStore) SaveQueues(map[string][]byte) error     { return errors.New("disk full") }
func (brokenStore) LoadQueues() (map[string][]byte, error) { return nil, errors.New("disk gone") }

type rawStore map[string][]byte

func (s rawStore) SaveQueues(q map[string][]byte) error    { return nil }
func (s rawStore) LoadQueues() (map[string][]byte, error) { return s, nil }

func TestRestoreSkipsBadEntries(t *testing.T) {
	r := NewRegistry(testQueueConfig())

	n, err := r.Restore(rawStore{
		"garbage":  []byte("{"),
		"mismatch": []byte(`{"queue_id":"other","user_id":1,"realm_id":1,"queue":{"id":"other"}}`),
		"no-user":  []byte(`{"queue_id":"no-user","realm_id":1,"queue":{"id":"no-user"}}`),
		"good":     []byte(`{"queue_id":"good","user_id":1,"realm_id":1,"lifespan":60000000000,"queue":{"id":"good","next_event_id":4,"newest_pruned_id":3}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evs := poll(t, r, "good", -1)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(4), evs[0].ID)
}

func TestPersistErrors(t *testing.T) {
	r := NewRegistry(testQueueConfig())
	register(t, r, 1, 1)

	assert.Error(t, r.Persist(brokenStore{}))
	_, err := r.Restore(brokenStore{})
	assert.Error(t, err)
}

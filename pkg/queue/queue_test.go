package queue

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/parleychat/parley/pkg/events"
	"github.com/parleychat/parley/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(evs []QueuedEvent) []int64 {
	out := make([]int64, len(evs))
	for i, e := range evs {
		out[i] = e.ID
	}
	return out
}

func TestEventQueuePushAndPrune(t *testing.T) {
	q := NewEventQueue("q1", 0)
	assert.Equal(t, int64(-1), q.LastEventID())
	assert.Equal(t, int64(-1), q.NewestPrunedID())

	for i := int64(0); i < 5; i++ {
		id, err := q.Push(events.NewRealmUserRemove(1, i+1))
		require.NoError(t, err)
		assert.Equal(t, i, id)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, ids(q.Contents()))

	q.Prune(2)
	assert.Equal(t, []int64{3, 4}, ids(q.Contents()))
	assert.Equal(t, int64(2), q.NewestPrunedID())

	// pruning below what is already gone is a no-op
	q.Prune(0)
	assert.Equal(t, []int64{3, 4}, ids(q.Contents()))

	// ids keep growing after a prune
	id, err := q.Push(events.NewHeartbeat(1))
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)

	q.Prune(100)
	assert.True(t, q.Empty())
	assert.Equal(t, int64(5), q.NewestPrunedID())
	assert.Equal(t, int64(5), q.LastEventID())
}

func TestEventQueueCoalescesRestarts(t *testing.T) {
	q := NewEventQueue("q1", 0)

	_, err := q.Push(events.NewRestart(1, 10, false))
	require.NoError(t, err)
	_, err = q.Push(events.NewRealmUserRemove(1, 3))
	require.NoError(t, err)
	_, err = q.Push(events.NewRestart(1, 11, true))
	require.NoError(t, err)

	contents := q.Contents()
	require.Len(t, contents, 2)
	assert.Equal(t, events.TypeRealmUser, contents[0].Type)
	assert.Equal(t, events.TypeRestart, contents[1].Type)
	assert.Equal(t, int64(2), contents[1].ID)
	assert.JSONEq(t, `{"type":"restart","server_generation":11,"immediate":true}`, string(contents[1].Body))
}

func TestEventQueueBounded(t *testing.T) {
	q := NewEventQueue("q1", 2)

	_, err := q.Push(events.NewHeartbeat(1))
	require.NoError(t, err)
	_, err = q.Push(events.NewHeartbeat(1))
	require.NoError(t, err)

	_, err = q.Push(events.NewHeartbeat(1))
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, 2, q.Len())

	// a rejected push does not consume an id
	q.Prune(0)
	id, err := q.Push(events.NewHeartbeat(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestQueuedEventWireShape(t *testing.T) {
	q := NewEventQueue("q1", 0)
	_, legacy := events.LinkifierEvents(1, []*types.Linkifier{{ID: 7, Pattern: "p", URLFormat: "u"}})
	_, err := q.Push(legacy)
	require.NoError(t, err)

	data, err := json.Marshal(q.Contents())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":0,"type":"realm_filters","realm_filters":[["p","u",7]]}]`, string(data))

	var decoded []QueuedEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, int64(0), decoded[0].ID)
	assert.Equal(t, events.TypeRealmFilters, decoded[0].Type)
	assert.JSONEq(t, string(q.Contents()[0].Body), string(decoded[0].Body))
}

func TestAccepts(t *testing.T) {
	tests := []struct {
		name   string
		client ClientDescriptor
		typ    events.Type
		want   bool
	}{
		{name: "no filter", client: ClientDescriptor{}, typ: events.TypeRealmUser, want: true},
		{name: "filtered out", client: ClientDescriptor{EventTypes: []events.Type{events.TypeRealm}}, typ: events.TypeRealmUser, want: false},
		{name: "filtered in", client: ClientDescriptor{EventTypes: []events.Type{events.TypeRealmUser}}, typ: events.TypeRealmUser, want: true},
		{name: "restart always", client: ClientDescriptor{EventTypes: []events.Type{events.TypeRealm}}, typ: events.TypeRestart, want: true},
		{name: "heartbeat always", client: ClientDescriptor{EventTypes: []events.Type{}}, typ: events.TypeHeartbeat, want: true},
		{name: "current client gets current shape", client: ClientDescriptor{}, typ: events.TypeRealmLinkifiers, want: true},
		{name: "current client skips legacy shape", client: ClientDescriptor{}, typ: events.TypeRealmFilters, want: false},
		{name: "legacy client gets legacy shape", client: ClientDescriptor{LegacyEventShapes: true}, typ: events.TypeRealmFilters, want: true},
		{name: "legacy client skips current shape", client: ClientDescriptor{LegacyEventShapes: true}, typ: events.TypeRealmLinkifiers, want: false},
		{
			name:   "legacy client filtering on current type",
			client: ClientDescriptor{LegacyEventShapes: true, EventTypes: []events.Type{events.TypeRealmLinkifiers}},
			typ:    events.TypeRealmFilters,
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.client.Accepts(tt.typ))
		})
	}
}

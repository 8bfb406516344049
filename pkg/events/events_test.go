package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/parleychat/parley/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureLinkifiers() []*types.Linkifier {
	return []*types.Linkifier{
		{ID: 4, RealmID: 1, Pattern: "#(?P<id>[0-9]+)", URLFormat: "https://trac.example.com/ticket/%(id)s", Order: 1},
		{ID: 2, RealmID: 1, Pattern: "GH-(?P<id>[0-9]+)", URLFormat: "https://github.com/zulip/zulip/issues/%(id)s", Order: 2},
		{ID: 9, RealmID: 1, Pattern: "CVE-(?P<id>[0-9-]+)", URLFormat: "https://cve.example.org/%(id)s", Order: 3},
	}
}

func TestLinkifierEventsAreConsistent(t *testing.T) {
	current, legacy := LinkifierEvents(1, fixtureLinkifiers())

	require.NoError(t, current.Validate())
	require.NoError(t, legacy.Validate())
	assert.Equal(t, TypeRealmLinkifiers, current.Type())
	assert.Equal(t, TypeRealmFilters, legacy.Type())
	assert.Equal(t, current.RealmID(), legacy.RealmID())

	objs := current.Payload().(RealmLinkifiers).Linkifiers
	tuples := legacy.Payload().(RealmFilters).Filters
	require.Len(t, objs, 3)
	require.Len(t, tuples, len(objs))

	for i := range objs {
		assert.Equal(t, objs[i].ID, tuples[i].ID, "id at %d", i)
		assert.Equal(t, objs[i].Pattern, tuples[i].Pattern, "pattern at %d", i)
		assert.Equal(t, objs[i].URLFormat, tuples[i].URLFormat, "url_format at %d", i)
	}
	// order is the input order, not ID order
	assert.Equal(t, []int64{4, 2, 9}, []int64{tuples[0].ID, tuples[1].ID, tuples[2].ID})
}

func TestWireShapes(t *testing.T) {
	current, legacy := LinkifierEvents(1, fixtureLinkifiers()[:1])

	data, err := json.Marshal(current)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "realm_linkifiers",
		"realm_linkifiers": [
			{"pattern": "#(?P<id>[0-9]+)", "url_format": "https://trac.example.com/ticket/%(id)s", "id": 4}
		]
	}`, string(data))

	data, err = json.Marshal(legacy)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "realm_filters",
		"realm_filters": [["#(?P<id>[0-9]+)", "https://trac.example.com/ticket/%(id)s", 4]]
	}`, string(data))
}

func TestEmptyLinkifierListEncodesAsEmptyArray(t *testing.T) {
	current, legacy := LinkifierEvents(1, nil)
	require.NoError(t, current.Validate())
	require.NoError(t, legacy.Validate())

	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"realm_filters","realm_filters":[]}`, string(data))
}

func TestRealmUserWireShape(t *testing.T) {
	e := NewRealmUserRoleUpdate(3, 11, types.RoleAdmin)
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"realm_user","op":"update","person":{"user_id":11,"role":200}}`, string(data))

	e = NewRealmUserActiveUpdate(3, 11, false)
	data, err = json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"realm_user","op":"update","person":{"user_id":11,"is_active":false}}`, string(data))
}

func TestRealmUpdateDictWireShape(t *testing.T) {
	methods := map[string]bool{"Email": true, "GitHub": false}
	e := NewRealmAuthMethodsUpdate(3, methods)

	// the event holds its own copy
	methods["Email"] = false

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "realm",
		"op": "update_dict",
		"property": "default",
		"data": {"authentication_methods": {"Email": true, "GitHub": false}}
	}`, string(data))
}

func TestDecodeRestoresTypedPayload(t *testing.T) {
	current, legacy := LinkifierEvents(7, fixtureLinkifiers())

	for _, e := range []Event{current, legacy, NewRestart(7, 3, true), NewRealmUserRemove(7, 5)} {
		data, err := json.Marshal(e)
		require.NoError(t, err)

		decoded, err := Decode(7, data)
		require.NoError(t, err)
		assert.Equal(t, e.Type(), decoded.Type())
		assert.Equal(t, e.Payload(), decoded.Payload())
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	_, err := Decode(1, []byte(`{"type":"message","content":"hi"}`))
	assert.True(t, errors.Is(err, ErrUnknownType))

	_, err = Decode(1, []byte(`{"type":"realm_filters","realm_filters":[["only-two", "x"]]}`))
	assert.Error(t, err)

	_, err = Decode(1, []byte(`not json`))
	assert.Error(t, err)

	_, err = Decode(0, []byte(`{"type":"heartbeat"}`))
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{name: "valid", event: NewRealmUserRoleUpdate(1, 2, types.RoleMember)},
		{name: "zero value", event: Event{}, wantErr: true},
		{name: "zero realm", event: NewHeartbeat(0), wantErr: true},
		{name: "nil payload", event: New(1, nil), wantErr: true},
		{name: "bad op", event: New(1, RealmUser{Op: "rename", Person: Person{UserID: 1}}), wantErr: true},
		{name: "missing user", event: New(1, RealmUser{Op: OpUpdate}), wantErr: true},
		{name: "bad realm op", event: New(1, RealmUpdateDict{Op: "update", Property: "default"}), wantErr: true},
		{name: "nil linkifier list", event: New(1, RealmLinkifiers{}), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLegacyTable(t *testing.T) {
	_, ok := Legacy(NewHeartbeat(1))
	assert.False(t, ok)

	to, ok := LegacyType(TypeRealmLinkifiers)
	assert.True(t, ok)
	assert.Equal(t, TypeRealmFilters, to)

	assert.True(t, IsLegacy(TypeRealmFilters))
	assert.False(t, IsLegacy(TypeRealmLinkifiers))
	assert.True(t, Known(TypeRealmFilters))
	assert.False(t, Known("message"))
}

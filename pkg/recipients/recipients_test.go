package recipients

import (
	"context"
	"errors"
	"testing"

	"github.com/parleychat/parley/pkg/storage"
	"github.com/parleychat/parley/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRealmWithUsers(t *testing.T, users ...*types.User) (*storage.BoltStore, int64) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	realm := &types.Realm{StringID: "zephyr"}
	require.NoError(t, store.CreateRealm(realm))
	for _, u := range users {
		u.RealmID = realm.ID
		require.NoError(t, store.CreateUser(u))
	}
	return store, realm.ID
}

func TestNewSet(t *testing.T) {
	tests := []struct {
		name string
		in   []int64
		want []int64
	}{
		{name: "empty", in: nil, want: []int64{}},
		{name: "sorted unique", in: []int64{1, 2, 3}, want: []int64{1, 2, 3}},
		{name: "duplicates", in: []int64{3, 1, 3, 2, 1}, want: []int64{1, 2, 3}},
		{name: "single", in: []int64{7}, want: []int64{7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSet(tt.in...)
			assert.Equal(t, tt.want, append([]int64{}, s.IDs()...))
			assert.Equal(t, len(tt.want), s.Len())
			for _, id := range tt.want {
				assert.True(t, s.Contains(id))
			}
			assert.False(t, s.Contains(100))
		})
	}
}

func TestSetIDsIsACopy(t *testing.T) {
	s := NewSet(1, 2)
	ids := s.IDs()
	ids[0] = 99
	assert.Equal(t, []int64{1, 2}, s.IDs())
}

func TestResolveAllActiveUsers(t *testing.T) {
	store, realmID := newRealmWithUsers(t,
		&types.User{Email: "a", IsActive: true},
		&types.User{Email: "b", IsActive: true},
		&types.User{Email: "c", IsActive: true},
	)
	r := NewResolver(store)

	set, err := r.Resolve(context.Background(), realmID, AllActiveUsers())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, set.IDs())

	// deactivate user 3, then resolve again: the set reflects the committed change
	u, err := store.GetUser(3)
	require.NoError(t, err)
	u.IsActive = false
	require.NoError(t, store.UpdateUser(u))

	set, err = r.Resolve(context.Background(), realmID, AllActiveUsers())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, set.IDs())
	assert.False(t, set.Contains(3))
}

func TestResolveEmptyRealm(t *testing.T) {
	store, realmID := newRealmWithUsers(t, &types.User{Email: "gone", IsActive: false})

	set, err := NewResolver(store).Resolve(context.Background(), realmID, AllActiveUsers())
	require.NoError(t, err)
	assert.True(t, set.IsEmpty())
}

func TestResolveAudiences(t *testing.T) {
	store, realmID := newRealmWithUsers(t,
		&types.User{Email: "owner", Role: types.RoleOwner, IsActive: true},
		&types.User{Email: "admin", Role: types.RoleAdmin, IsActive: true},
		&types.User{Email: "member", Role: types.RoleMember, IsActive: true},
		&types.User{Email: "old-admin", Role: types.RoleAdmin, IsActive: false},
	)
	r := NewResolver(store)

	tests := []struct {
		name     string
		audience Audience
		want     []int64
	}{
		{name: "admins", audience: RealmAdmins(), want: []int64{1, 2}},
		{name: "specific dedups", audience: SpecificUsers(3, 3, 1), want: []int64{1, 3}},
		{name: "specific empty", audience: SpecificUsers(), want: []int64{}},
		{name: "except", audience: ActiveUsersExcept(2), want: []int64{1, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := r.Resolve(context.Background(), realmID, tt.audience)
			require.NoError(t, err)
			assert.Equal(t, tt.want, append([]int64{}, set.IDs()...))
		})
	}
}

type failingReader struct{}

func (failingReader) ListActiveUserIDs(int64) ([]int64, error) {
	return nil, errors.New("connection reset")
}

func (failingReader) ListUsers(int64) ([]*types.User, error) {
	return nil, errors.New("connection reset")
}

func TestResolveFailureYieldsNoSet(t *testing.T) {
	r := NewResolver(failingReader{})

	for _, aud := range []Audience{AllActiveUsers(), RealmAdmins(), ActiveUsersExcept(1)} {
		set, err := r.Resolve(context.Background(), 1, aud)
		assert.True(t, errors.Is(err, ErrResolve), "%s: %v", aud, err)
		assert.True(t, set.IsEmpty())
	}
}

func TestResolveCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewResolver(failingReader{}).Resolve(ctx, 1, SpecificUsers(1))
	assert.True(t, errors.Is(err, ErrResolve))
}

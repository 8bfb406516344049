package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/parleychat/parley/pkg/storage"
	"github.com/parleychat/parley/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDropQueuesKeepsRealmState(t *testing.T) {
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.CreateRealm(&types.Realm{StringID: "zulip", Name: "Zulip Dev"}))
	require.NoError(t, store.SaveQueues(map[string][]byte{"q1": []byte(`{}`), "q2": []byte(`{}`)}))
	require.NoError(t, store.Close())

	backup := filepath.Join(t.TempDir(), "parley.db.backup")
	require.NoError(t, dataDropQueuesCmd.Flags().Set("data-dir", dir))
	require.NoError(t, dataDropQueuesCmd.Flags().Set("backup", backup))
	require.NoError(t, dataDropQueuesCmd.RunE(dataDropQueuesCmd, nil))

	info, err := os.Stat(backup)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	store, err = storage.NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	queues, err := store.LoadQueues()
	require.NoError(t, err)
	assert.Empty(t, queues)

	realms, err := store.ListRealms()
	require.NoError(t, err)
	assert.Len(t, realms, 1)
}

func TestOpenDataRequiresDatabase(t *testing.T) {
	require.NoError(t, dataInspectCmd.Flags().Set("data-dir", t.TempDir()))
	require.NoError(t, dataInspectCmd.Flags().Set("backup", "-"))

	err := dataInspectCmd.RunE(dataInspectCmd, nil)
	assert.ErrorContains(t, err, "no database")
}

package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/vrnode/pkg/vr"
)

func openTestStore(t *testing.T) *CheckpointStore {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLoadLatestEmptyStore(t *testing.T) {
	store := openTestStore(t)

	_, _, _, ok, err := store.LoadLatest(0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAndLoadLatest(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveCheckpoint(1, 2, 100, []byte("snapshot-100")))
	require.NoError(t, store.SaveCheckpoint(1, 3, 200, []byte("snapshot-200")))

	view, op, snapshot, ok, err := store.LoadLatest(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vr.View(3), view)
	assert.Equal(t, vr.OpNumber(200), op)
	assert.Equal(t, []byte("snapshot-200"), snapshot)
}

func TestReplicasAreNamespaced(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveCheckpoint(0, 0, 10, []byte("replica-0")))
	require.NoError(t, store.SaveCheckpoint(1, 0, 20, []byte("replica-1")))

	_, op0, snap0, ok, err := store.LoadLatest(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vr.OpNumber(10), op0)
	assert.Equal(t, []byte("replica-0"), snap0)

	_, op1, snap1, ok, err := store.LoadLatest(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vr.OpNumber(20), op1)
	assert.Equal(t, []byte("replica-1"), snap1)
}

func TestPrunePriorToKeepsLatest(t *testing.T) {
	store := openTestStore(t)

	for _, op := range []vr.OpNumber{100, 200, 300} {
		require.NoError(t, store.SaveCheckpoint(0, 0, op, []byte{byte(op / 100)}))
	}

	require.NoError(t, store.PrunePriorTo(0, 200))

	// The pointer still names op 300 and its snapshot survives.
	_, op, snapshot, ok, err := store.LoadLatest(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vr.OpNumber(300), op)
	assert.Equal(t, []byte{3}, snapshot)

	// Pruning below the retained floor does not touch another replica.
	require.NoError(t, store.SaveCheckpoint(1, 0, 150, []byte("other")))
	require.NoError(t, store.PrunePriorTo(0, 400))
	_, op1, _, ok, err := store.LoadLatest(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vr.OpNumber(150), op1)
}

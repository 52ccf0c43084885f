package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warp/studio-engine/store/storetest"
	"github.com/warp/studio-engine/studio"
)

func newTestStore(t *testing.T) studio.TxStore {
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestMigrateIsIdempotent(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Migrate(context.Background()))
}

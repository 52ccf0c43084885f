package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warp/studio-engine/store/storetest"
	"github.com/warp/studio-engine/studio"
)

// Set STUDIO_TEST_POSTGRES_URL to a disposable database to run these.
func newTestStore(t *testing.T) studio.TxStore {
	dsn := os.Getenv("STUDIO_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("STUDIO_TEST_POSTGRES_URL not set")
	}
	store, err := New(dsn)
	require.NoError(t, err)
	truncate(t, store)
	t.Cleanup(func() { store.Close() })
	return store
}

func truncate(t *testing.T, s *Store) {
	err := s.db.WithContext(context.Background()).Exec(
		`TRUNCATE credit_transactions, waitlist_entries, appointments, credit_lots, users`).Error
	require.NoError(t, err)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestIsSerializationFailure(t *testing.T) {
	require.False(t, isSerializationFailure(nil))
	require.True(t, isSerializationFailure(errString("ERROR: could not serialize access (SQLSTATE 40001)")))
	require.True(t, isSerializationFailure(errString("ERROR: deadlock detected (SQLSTATE 40P01)")))
	require.False(t, isSerializationFailure(errString("ERROR: duplicate key (SQLSTATE 23505)")))
}

type errString string

func (e errString) Error() string { return string(e) }

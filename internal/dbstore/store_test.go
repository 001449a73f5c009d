package dbstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullStoreNeverFails(t *testing.T) {
	var s Store = NullStore{}

	id, err := s.CreateActive(Incident{Kind: "blackscreen"})
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, s.Resolve(1))
	require.NoError(t, s.ResolveAllActiveForHost("host-1"))
	require.NoError(t, s.RecordZapIteration(ZapResult{TeamID: "default"}))
	require.NoError(t, s.UpsertResult(KPIResult{ExecutionResultID: "exec-1"}))
	require.NoError(t, s.Close())
}

func TestOpenRejectsUnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", "whatever")
	require.Error(t, err)
}

func TestOpenSQLiteInMemoryAutoMigrates(t *testing.T) {
	store, err := Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	defer store.Close()

	id, err := store.CreateActive(Incident{
		HostName: "host-1",
		DeviceID: "device1",
		Kind:     "freeze",
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	require.NoError(t, store.Resolve(id))
}

func TestDSNDescriptionRedacts(t *testing.T) {
	desc := DSNDescription("mysql", "user:password@tcp(127.0.0.1:3306)/hostdb")
	assert.NotContains(t, desc, "password")
}

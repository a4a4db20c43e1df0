package sqlite_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/txproxy/txproxy/internal/storage"
	"github.com/txproxy/txproxy/internal/storage/sqlite"
)

func newTestStorage(t *testing.T) *sqlite.Storage {
	t.Helper()
	dir := t.TempDir()
	s, err := sqlite.New(context.Background(), filepath.Join(dir, "txproxy.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnqueuePersistAndReload(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	entry := storage.LogEntryRecord{
		TransactionIdentifier: "tr1",
		Savepoint:             "tr1/1",
		Index:                 0,
		Kind:                  "attribute_change",
		ObjectKey:             "User/1",
		AttributeKey:          "User/1/first",
		Payload:               []byte(`{"old_value":"John","new_value":"Foo"}`),
	}
	require.NoError(t, s.Enqueue(ctx, entry))

	persisted, err := s.Persist(ctx, "tr1", "tr1/1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.NotZero(t, persisted[0].EntryID)

	entries, err := s.LogEntries(ctx, "tr1", "tr1/1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "attribute_change", entries[0].Kind)

	ids, err := s.TransactionIdentifiers(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, "tr1")

	savepoints, err := s.Savepoints(ctx, "tr1")
	require.NoError(t, err)
	require.Len(t, savepoints, 1)
	require.Equal(t, 1, savepoints[0].SavepointVersion)
}

func TestEnqueueRejectsDuplicateIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	entry := storage.LogEntryRecord{TransactionIdentifier: "tr1", Savepoint: "tr1/1", Index: 0, Kind: "attribute_read", ObjectKey: "User/1"}
	require.NoError(t, s.Enqueue(ctx, entry))
	err := s.Enqueue(ctx, entry)
	require.Error(t, err)
	require.True(t, storage.IsPersistenceError(err))
}

func TestResetTransactionRemovesAllData(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Enqueue(ctx, storage.LogEntryRecord{TransactionIdentifier: "tr1", Savepoint: "tr1/1", Index: 0, Kind: "attribute_read", ObjectKey: "User/1"}))
	_, err := s.Persist(ctx, "tr1", "tr1/1")
	require.NoError(t, err)

	require.NoError(t, s.ResetTransaction(ctx, "tr1"))

	ids, err := s.TransactionIdentifiers(ctx)
	require.NoError(t, err)
	require.NotContains(t, ids, "tr1")
}

package memory_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/txproxy/txproxy/internal/storage"
	"github.com/txproxy/txproxy/internal/storage/memory"
)

func TestEnqueuePersistAndReload(t *testing.T) {
	ctx := context.Background()
	s := memory.New(slog.Default())

	entry := storage.LogEntryRecord{
		TransactionIdentifier: "tr1",
		Savepoint:             "tr1/1",
		Index:                 0,
		Kind:                  "attribute_change",
		ObjectKey:             "User/1",
		AttributeKey:          "User/1/first",
	}
	require.NoError(t, s.Enqueue(ctx, entry))

	persisted, err := s.Persist(ctx, "tr1", "tr1/1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.NotZero(t, persisted[0].EntryID)

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
	s := memory.New(slog.Default())

	entry := storage.LogEntryRecord{TransactionIdentifier: "tr1", Savepoint: "tr1/1", Index: 0, Kind: "attribute_read", ObjectKey: "User/1"}
	require.NoError(t, s.Enqueue(ctx, entry))
	err := s.Enqueue(ctx, entry)
	require.Error(t, err)
	require.True(t, storage.IsPersistenceError(err))
}

func TestResetTransactionRemovesAllData(t *testing.T) {
	ctx := context.Background()
	s := memory.New(slog.Default())

	require.NoError(t, s.Enqueue(ctx, storage.LogEntryRecord{TransactionIdentifier: "tr1", Savepoint: "tr1/1", Index: 0, Kind: "attribute_read", ObjectKey: "User/1"}))
	_, err := s.Persist(ctx, "tr1", "tr1/1")
	require.NoError(t, err)

	require.NoError(t, s.ResetTransaction(ctx, "tr1"))

	ids, err := s.TransactionIdentifiers(ctx)
	require.NoError(t, err)
	require.NotContains(t, ids, "tr1")
}

func TestWithObjectLockIsExclusiveNonSuspending(t *testing.T) {
	ctx := context.Background()
	s := memory.New(slog.Default())

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithObjectLock(ctx, "User/1", true, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithObjectLock(ctx, "User/1", false, func(context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, storage.IsLockError(err))
	close(release)
}

func TestWithGlobalLockIsExclusiveNonSuspending(t *testing.T) {
	ctx := context.Background()
	s := memory.New(slog.Default())

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithGlobalLock(ctx, true, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithGlobalLock(ctx, false, func(context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, storage.IsLockError(err))
	close(release)
}

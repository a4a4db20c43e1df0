package postgres_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txproxy/txproxy/internal/storage"
	"github.com/txproxy/txproxy/internal/storage/postgres"
)

// setupAdapter starts a real PostgreSQL container and returns an initialized
// adapter, mirroring the reference codebase's own container-backed
// repository tests rather than mocking the driver.
func setupAdapter(t *testing.T) *postgres.Adapter {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("txproxy_test"),
		tcpostgres.WithUsername("txproxy"),
		tcpostgres.WithPassword("txproxy"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := postgres.DefaultConfig()
	cfg.Host = host
	cfg.Port = port.Int()
	cfg.Database = "txproxy_test"
	cfg.User = "txproxy"
	cfg.Password = "txproxy"
	pool := postgres.NewPostgresPool(cfg, slog.Default())
	require.NoError(t, pool.Connect(ctx))
	t.Cleanup(func() { _ = pool.Close() })

	adapter := postgres.NewAdapter(pool, slog.Default())
	require.NoError(t, adapter.InitSchema(ctx))
	return adapter
}

func TestAdapterPersistAndReload(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	adapter := setupAdapter(t)

	entry := storage.LogEntryRecord{
		TransactionIdentifier: "tr1",
		Savepoint:             "tr1/1",
		Index:                 0,
		Kind:                  "attribute_change",
		ObjectKey:             "User/1",
		AttributeKey:          "User/1/first",
	}
	require.NoError(t, adapter.Enqueue(ctx, entry))

	entries, err := adapter.Persist(ctx, "tr1", "tr1/1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	ids, err := adapter.TransactionIdentifiers(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, "tr1")
}

func TestAdapterObjectLockIsExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()
	adapter := setupAdapter(t)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = adapter.WithObjectLock(ctx, "User/1", true, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := adapter.WithObjectLock(ctx, "User/1", false, func(context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, storage.IsLockError(err))
	close(release)
}

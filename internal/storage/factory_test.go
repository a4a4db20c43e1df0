package storage_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/txproxy/txproxy/internal/config"
	"github.com/txproxy/txproxy/internal/storage"
)

func liteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Profile: config.ProfileLite,
		Storage: config.StorageConfig{
			Backend:        config.StorageBackendSQLite,
			FilesystemPath: filepath.Join(t.TempDir(), "txproxy.db"),
			LockBackend:    config.LockBackendFile,
		},
		Log: config.LogConfig{Level: "info"},
		App: config.AppConfig{Name: "txproxy-test"},
	}
}

func TestNewAdapterLiteProfile(t *testing.T) {
	ctx := context.Background()
	cfg := liteConfig(t)

	adapter, err := storage.NewAdapter(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer adapter.Close()

	entry := storage.LogEntryRecord{
		TransactionIdentifier: "tr1",
		Savepoint:             "tr1/1",
		Index:                 0,
		Kind:                  "attribute_read",
		ObjectKey:             "User/1",
	}
	require.NoError(t, adapter.Enqueue(ctx, entry))
	_, err = adapter.Persist(ctx, "tr1", "tr1/1")
	require.NoError(t, err)

	require.NoError(t, adapter.WithObjectLock(ctx, "User/1", false, func(context.Context) error { return nil }))
}

func TestNewAdapterRejectsInvalidProfile(t *testing.T) {
	ctx := context.Background()
	cfg := liteConfig(t)
	cfg.Storage.Backend = config.StorageBackendPostgres // mismatched with lite profile

	_, err := storage.NewAdapter(ctx, cfg, slog.Default())
	require.Error(t, err)
	var invalid *storage.ErrInvalidProfile
	require.ErrorAs(t, err, &invalid)
}

package proxycache_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txproxy/txproxy/internal/storage/memory"
	"github.com/txproxy/txproxy/internal/txengine/configurator"
	"github.com/txproxy/txproxy/internal/txengine/proxycache"
	"github.com/txproxy/txproxy/internal/txengine/transaction"
)

type widget struct{ name string }

func newConfigurator() *configurator.Configurator {
	cfg := configurator.New()
	cfg.Register("Widget", configurator.ClassConfig{
		AttributeReader: configurator.Names("name"),
		Invoke: func(ctx context.Context, obj any, method string, args ...any) (any, error) {
			return obj.(*widget).name, nil
		},
	})
	return cfg
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFetchMemoizesProxy(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New(testLogger())
	cfg := newConfigurator()
	tx, err := transaction.Open(ctx, "tr1", adapter, cfg, testLogger(), false)
	require.NoError(t, err)

	cache, err := proxycache.New(tx, cfg, 128)
	require.NoError(t, err)

	calls := 0
	producer := func(ctx context.Context) (any, bool, error) {
		calls++
		return &widget{name: "gear"}, false, nil
	}

	p1, err := cache.Fetch(ctx, "Widget", "1", producer)
	require.NoError(t, err)
	p2, err := cache.Fetch(ctx, "Widget", "1", producer)
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, 1, calls)
}

func TestNextIDIsSequential(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New(testLogger())
	cfg := newConfigurator()
	tx, err := transaction.Open(ctx, "tr1", adapter, cfg, testLogger(), false)
	require.NoError(t, err)

	cache, err := proxycache.New(tx, cfg, 128)
	require.NoError(t, err)

	assert.Equal(t, "new_00001", cache.NextID())
	assert.Equal(t, "new_00002", cache.NextID())
}

func TestFatefulDelegatesToTransaction(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New(testLogger())
	cfg := newConfigurator()
	tx, err := transaction.Open(ctx, "tr1", adapter, cfg, testLogger(), false)
	require.NoError(t, err)

	tx.LogAttributeChange("Widget/1", "Widget/1/name", false, "gear", "cog", "name", "name=")
	tx.LogObjectPersistence("Widget/1", false, "save")

	cache, err := proxycache.New(tx, cfg, 128)
	require.NoError(t, err)

	assert.Equal(t, []string{"Widget/1"}, cache.Fateful())
}

package configurator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txproxy/txproxy/internal/storage"
	"github.com/txproxy/txproxy/internal/txengine/configurator"
)

func TestLookupWalksParentChain(t *testing.T) {
	c := configurator.New()
	c.Register("Base", configurator.ClassConfig{
		AttributeReader: configurator.Names("first", "last"),
		IDMethod:        func(obj any) (string, error) { return "base-id", nil },
	})
	c.Register("User", configurator.ClassConfig{
		Parent:          "Base",
		AttributeWriter: configurator.Names("first="),
	})

	assert.True(t, c.IsAttributeReader("User", "first"))
	assert.False(t, c.IsAttributeReader("User", "missing"))
	assert.True(t, c.IsAttributeWriter("User", "first="))

	id, err := c.IDMethod("User")
	require.NoError(t, err)
	got, err := id(nil)
	require.NoError(t, err)
	assert.Equal(t, "base-id", got)
}

func TestChildOverridesParentPredicate(t *testing.T) {
	c := configurator.New()
	c.Register("Base", configurator.ClassConfig{AttributeReader: configurator.Always(true)})
	c.Register("User", configurator.ClassConfig{Parent: "Base", AttributeReader: configurator.Always(false)})

	assert.False(t, c.IsAttributeReader("User", "anything"))
	assert.True(t, c.IsAttributeReader("Base", "anything"))
}

func TestUnregisteredClassReturnsConfigurationError(t *testing.T) {
	c := configurator.New()
	_, err := c.IDMethod("Ghost")
	require.Error(t, err)
	assert.True(t, storage.IsConfigurationError(err))
}

func TestInvokeWalksParentChain(t *testing.T) {
	c := configurator.New()
	invoked := make(chan string, 1)
	c.Register("Base", configurator.ClassConfig{
		Invoke: func(ctx context.Context, obj any, method string, args ...any) (any, error) {
			invoked <- method
			return nil, nil
		},
	})
	c.Register("User", configurator.ClassConfig{Parent: "Base"})

	_, err := c.Invoke(context.Background(), "User", struct{}{}, "save")
	require.NoError(t, err)
	assert.Equal(t, "save", <-invoked)
}

func TestFlagsDefaultFalseUntilSet(t *testing.T) {
	c := configurator.New()
	c.Register("Base", configurator.ClassConfig{})
	assert.False(t, c.ProxyInstances("Base"))

	enabled := true
	c.Register("Base", configurator.ClassConfig{ProxyInstances: &enabled})
	assert.True(t, c.ProxyInstances("Base"))
}

func TestDynamicReaderResolution(t *testing.T) {
	c := configurator.New()
	c.Register("Base", configurator.ClassConfig{
		DynamicAttributeReader: configurator.Names("full_name"),
		DynamicReaders: map[string]configurator.DynamicReaderFunc{
			"full_name": func(ctx context.Context, proxy configurator.ProxyHandle, args ...any) (any, error) {
				first, _ := proxy.Call(ctx, "first")
				return first, nil
			},
		},
	})

	assert.True(t, c.IsDynamicAttributeReader("Base", "full_name"))
	fn, ok := c.DynamicReader("Base", "full_name")
	require.True(t, ok)
	assert.NotNil(t, fn)
}

package transaction_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txproxy/txproxy/internal/storage/memory"
	"github.com/txproxy/txproxy/internal/txengine/configurator"
	"github.com/txproxy/txproxy/internal/txengine/transaction"
)

type fakeUser struct {
	id    string
	first string
}

func newConfigurator(users map[string]*fakeUser) *configurator.Configurator {
	cfg := configurator.New()
	cfg.Register("User", configurator.ClassConfig{
		LookupMethod: func(ctx context.Context, id string) (any, error) {
			u, ok := users[id]
			if !ok {
				u = &fakeUser{id: id}
				users[id] = u
			}
			return u, nil
		},
		Invoke: func(ctx context.Context, obj any, method string, args ...any) (any, error) {
			u := obj.(*fakeUser)
			switch method {
			case "first":
				return u.first, nil
			case "first=":
				u.first = args[0].(string)
				return nil, nil
			case "save":
				return nil, nil
			}
			return nil, nil
		},
	})
	return cfg
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCommitAppliesWritesAndResetsTransaction(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New(testLogger())
	users := map[string]*fakeUser{"1": {id: "1", first: "John"}}
	cfg := newConfigurator(users)

	tr, err := transaction.Open(ctx, "tr1", adapter, cfg, testLogger(), false)
	require.NoError(t, err)

	tr.LogAttributeChange("User/1", "User/1/first", false, "John", "Foo", "first", "first=")
	tr.LogObjectPersistence("User/1", false, "save")

	require.NoError(t, tr.Persist(ctx))
	require.NoError(t, tr.Commit(ctx))

	assert.True(t, tr.Committed)
	assert.Equal(t, "Foo", users["1"].first)
}

func TestVerifyAttributeIntegrityDetectsWriteClash(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New(testLogger())
	users := map[string]*fakeUser{"1": {id: "1", first: "John"}}
	cfg := newConfigurator(users)

	tr, err := transaction.Open(ctx, "tr1", adapter, cfg, testLogger(), false)
	require.NoError(t, err)

	tr.LogAttributeChange("User/1", "User/1/first", false, "John", "Foo", "first", "first=")

	// External change to the same attribute after our read.
	users["1"].first = "Karl"

	err = tr.VerifyAttributeIntegrity(ctx, "User/1/first", true)
	require.Error(t, err)

	clash, ok := err.(*transaction.WriteClashError)
	require.True(t, ok, "expected *WriteClashError, got %T", err)
	assert.Equal(t, "Foo", clash.OurValue)
	assert.Equal(t, "Karl", clash.ExternalValue)
}

func TestVerifyAttributeIntegrityDetectsReadIntegrityError(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New(testLogger())
	users := map[string]*fakeUser{"1": {id: "1", first: "John"}}
	cfg := newConfigurator(users)

	tr, err := transaction.Open(ctx, "tr1", adapter, cfg, testLogger(), false)
	require.NoError(t, err)

	tr.LogAttributeRead("User/1", "User/1/first", false, "John", "first")
	users["1"].first = "Karl"

	err = tr.VerifyAttributeIntegrity(ctx, "User/1/first", true)
	require.Error(t, err)

	rie, ok := err.(*transaction.ReadIntegrityError)
	require.True(t, ok, "expected *ReadIntegrityError, got %T", err)
	assert.Equal(t, "John", rie.LastReadValue)
	assert.Equal(t, "Karl", rie.ExternalValue)
}

func TestWriteClashUseTheirsVetoesOurChange(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New(testLogger())
	users := map[string]*fakeUser{"1": {id: "1", first: "John"}}
	cfg := newConfigurator(users)

	tr, err := transaction.Open(ctx, "tr1", adapter, cfg, testLogger(), false)
	require.NoError(t, err)

	tr.LogAttributeChange("User/1", "User/1/first", false, "John", "Foo", "first", "first=")
	users["1"].first = "Karl"

	err = tr.VerifyAttributeIntegrity(ctx, "User/1/first", true)
	require.Error(t, err)
	clash := err.(*transaction.WriteClashError)
	clash.UseTheirs()

	assert.False(t, tr.AttributeChanged("User/1/first"))
	assert.True(t, tr.AttributeChangeVetoed("User/1/first"))
}

func TestRollbackDiscardsUnpersistedSection(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New(testLogger())
	users := map[string]*fakeUser{"1": {id: "1", first: "John"}}
	cfg := newConfigurator(users)

	tr, err := transaction.Open(ctx, "tr1", adapter, cfg, testLogger(), false)
	require.NoError(t, err)

	tr.LogAttributeChange("User/1", "User/1/first", false, "John", "Foo", "first", "first=")
	require.NoError(t, tr.Rollback())

	_, ok := tr.AttributeValue("User/1/first")
	assert.False(t, ok)
}

func TestFatefulObjectKeysExcludesNewObjects(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New(testLogger())
	users := map[string]*fakeUser{}
	cfg := newConfigurator(users)

	tr, err := transaction.Open(ctx, "tr1", adapter, cfg, testLogger(), false)
	require.NoError(t, err)

	tr.LogObjectInitialization("User/new_1", "initialize")
	tr.LogAttributeChange("User/new_1", "User/new_1/first", true, nil, "Fresh", "first", "first=")
	tr.LogObjectPersistence("User/new_1", true, "save")

	tr.LogAttributeChange("User/1", "User/1/first", false, "John", "Foo", "first", "first=")
	tr.LogObjectPersistence("User/1", false, "save")

	assert.Equal(t, []string{"User/1"}, tr.FatefulObjectKeys())
}

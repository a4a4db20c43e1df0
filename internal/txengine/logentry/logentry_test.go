package logentry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txproxy/txproxy/internal/txengine/logentry"
)

func TestRecordRoundTrip(t *testing.T) {
	e := &logentry.LogEntry{
		TransactionIdentifier: "tr1",
		Savepoint:             "tr1/1",
		SavepointVersion:      1,
		Index:                 0,
		Kind:                  logentry.KindAttributeChange,
		ObjectKey:             "User/1",
		AttributeKey:          "User/1/first",
		Method:                "first=",
		OldValue:              "John",
		NewValue:              "Foo",
	}

	rec, err := e.ToRecord()
	require.NoError(t, err)
	assert.Equal(t, "attribute_change", rec.Kind)

	back, err := logentry.FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, e.Method, back.Method)
	assert.Equal(t, e.OldValue, back.OldValue)
	assert.Equal(t, e.NewValue, back.NewValue)
}

func TestShouldPersist(t *testing.T) {
	override := &logentry.LogEntry{Kind: logentry.KindReadIntegrityOverride}
	assert.True(t, override.ShouldPersist())

	veto := &logentry.LogEntry{Kind: logentry.KindAttributeChangeVeto}
	assert.True(t, veto.ShouldPersist())

	unpersistedChange := &logentry.LogEntry{Kind: logentry.KindAttributeChange, ObjectPersisted: false}
	assert.False(t, unpersistedChange.ShouldPersist())

	persistedChange := &logentry.LogEntry{Kind: logentry.KindAttributeChange, ObjectPersisted: true}
	assert.True(t, persistedChange.ShouldPersist())
}

func TestApplyAttributeChangeSkippedWhenVetoed(t *testing.T) {
	var called bool
	invoke := func(ctx context.Context, obj any, method string, args ...any) (any, error) {
		called = true
		return nil, nil
	}

	e := &logentry.LogEntry{Kind: logentry.KindAttributeChange, Method: "first=", NewValue: "Foo"}
	require.NoError(t, e.Apply(context.Background(), invoke, nil, true))
	assert.False(t, called, "vetoed change must not invoke the writer")

	require.NoError(t, e.Apply(context.Background(), invoke, nil, false))
	assert.True(t, called)
}

func TestApplyObjectPersistencePassesArgs(t *testing.T) {
	var gotArgs []any
	invoke := func(ctx context.Context, obj any, method string, args ...any) (any, error) {
		gotArgs = args
		return nil, nil
	}

	e := &logentry.LogEntry{Kind: logentry.KindObjectPersistence, Method: "save", Args: []any{true}}
	require.NoError(t, e.Apply(context.Background(), invoke, nil, false))
	assert.Equal(t, []any{true}, gotArgs)
}

func TestOrdering(t *testing.T) {
	a := &logentry.LogEntry{SavepointVersion: 1, Index: 3}
	b := &logentry.LogEntry{SavepointVersion: 2, Index: 0}
	assert.True(t, logentry.Less(a, b))
	assert.False(t, logentry.Less(b, a))

	c := &logentry.LogEntry{SavepointVersion: 1, Index: 1}
	d := &logentry.LogEntry{SavepointVersion: 1, Index: 2}
	assert.True(t, logentry.Less(c, d))
}

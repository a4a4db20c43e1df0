package manager_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txproxy/txproxy/internal/storage"
	"github.com/txproxy/txproxy/internal/storage/memory"
	"github.com/txproxy/txproxy/internal/txengine/configurator"
	"github.com/txproxy/txproxy/internal/txengine/manager"
	"github.com/txproxy/txproxy/internal/txengine/proxy"
	"github.com/txproxy/txproxy/internal/txengine/proxycache"
	"github.com/txproxy/txproxy/internal/txengine/transaction"
)

// These tests exercise the engine end to end — manager, transaction, section,
// proxy and proxy cache together against the in-memory adapter — one test per
// concrete end-to-end scenario: two-section uncommitted writes, read
// integrity violations, write clashes and their resolution, change-veto
// shadowing, lock-ordered commit contention and new-object creation.

// simpleUser is the fixture application type every scenario below proxies.
// It stands in for "the live object" an application would otherwise own
// directly; its fields are mutated either by the proxy (inside a
// transaction) or directly (to simulate an external, out-of-band change).
type simpleUser struct {
	id          string
	first, last string
}

// userStore plays the role of the application's own repository: the thing
// lookup_method reads from and id_method/init_method populate. The engine
// never touches it except through the configured invoker.
type userStore struct {
	mu   sync.Mutex
	byID map[string]*simpleUser
}

func newUserStore() *userStore { return &userStore{byID: make(map[string]*simpleUser)} }

func (s *userStore) put(u *simpleUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[u.id] = u
}

func (s *userStore) get(id string) (*simpleUser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	return u, ok
}

func newUserConfigurator(store *userStore) *configurator.Configurator {
	cfg := configurator.New()
	cfg.Register("SimpleUser", configurator.ClassConfig{
		IDMethod: func(obj any) (string, error) { return obj.(*simpleUser).id, nil },
		LookupMethod: func(ctx context.Context, id string) (any, error) {
			u, ok := store.get(id)
			if !ok {
				return nil, errors.New("simpleuser: no user with id " + id)
			}
			return u, nil
		},
		AttributeReader:   configurator.Names("first", "last"),
		AttributeWriter:   configurator.Names("first=", "last="),
		PersistenceMethod: configurator.Names("save"),
		Invoke: func(ctx context.Context, obj any, method string, args ...any) (any, error) {
			u := obj.(*simpleUser)
			switch method {
			case "first":
				return u.first, nil
			case "first=":
				u.first = args[0].(string)
			case "last":
				return u.last, nil
			case "last=":
				u.last = args[0].(string)
			case "save":
				// the store already holds this pointer; nothing further to do.
			}
			return nil, nil
		},
	})
	return cfg
}

func integrationLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// Scenario: two uncommitted sections accumulate writes against the same
// transaction identifier, invisible to the outside world, until an explicit
// commit applies them both to the live object in one step.
func TestScenarioTwoSectionUncommittedWrite(t *testing.T) {
	ctx := context.Background()
	store := newUserStore()
	user := &simpleUser{id: "1", first: "John", last: "Doe"}
	store.put(user)

	cfg := newUserConfigurator(store)
	adapter := memory.New(integrationLogger())
	m := manager.New(adapter, cfg, integrationLogger(), false)
	p := proxy.New("SimpleUser", "1", user, false, cfg)

	_, err := m.WithTransaction(ctx, "tr1", func(ctx context.Context, tx *transaction.Transaction) error {
		_, err := p.Call(ctx, "first=", "Foo")
		require.NoError(t, err)
		_, err = p.Call(ctx, "save")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "John", user.first, "uncommitted section must not touch the live object")

	_, err = m.WithTransaction(ctx, "tr1", func(ctx context.Context, tx *transaction.Transaction) error {
		v, err := p.Call(ctx, "first")
		require.NoError(t, err)
		assert.Equal(t, "Foo", v, "resumed transaction must see its own prior section's write")

		_, err = p.Call(ctx, "last=", "Bar")
		require.NoError(t, err)
		_, err = p.Call(ctx, "save")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "John", user.first, "still uncommitted")

	_, err = m.WithTransaction(ctx, "tr1", func(ctx context.Context, tx *transaction.Transaction) error {
		return transaction.ErrCommit
	})
	require.NoError(t, err)
	assert.Equal(t, "Foo", user.first)
	assert.Equal(t, "Bar", user.last)
}

// Scenario: an attribute this transaction only read changes externally
// between sections; the next read inside the transaction must surface a
// ReadIntegrityError carrying both values, resolvable with Ignore.
func TestScenarioReadIntegrityError(t *testing.T) {
	ctx := context.Background()
	store := newUserStore()
	user := &simpleUser{id: "2", first: "Karl"}
	store.put(user)

	cfg := newUserConfigurator(store)
	adapter := memory.New(integrationLogger())
	m := manager.New(adapter, cfg, integrationLogger(), true) // instant fail: check on every read, not just at commit
	p := proxy.New("SimpleUser", "2", user, false, cfg)

	_, err := m.WithTransaction(ctx, "tr2", func(ctx context.Context, tx *transaction.Transaction) error {
		_, err := p.Call(ctx, "first")
		return err
	})
	require.NoError(t, err)

	user.first = "Olaf" // external change, out of band

	_, err = m.WithTransaction(ctx, "tr2", func(ctx context.Context, tx *transaction.Transaction) error {
		_, err := p.Call(ctx, "first")
		var rie *transaction.ReadIntegrityError
		require.True(t, errors.As(err, &rie))
		assert.Equal(t, "Karl", rie.LastReadValue)
		assert.Equal(t, "Olaf", rie.ExternalValue)

		rie.Ignore(true)

		v, err := p.Call(ctx, "first")
		require.NoError(t, err, "no further error once the override is recorded")
		assert.Equal(t, "Olaf", v)
		return nil
	})
	require.NoError(t, err)

	_, err = m.WithTransaction(ctx, "tr2", func(ctx context.Context, tx *transaction.Transaction) error {
		v, err := p.Call(ctx, "first")
		require.NoError(t, err, "the override must still hold in a later section")
		assert.Equal(t, "Olaf", v)
		return nil
	})
	require.NoError(t, err)
}

// Scenario: an attribute this transaction both read and wrote changes
// externally; the clash is resolved with UseTheirs, after which further
// reads see the external value and commit never invokes the writer for it.
func TestScenarioWriteClash(t *testing.T) {
	ctx := context.Background()
	store := newUserStore()
	user := &simpleUser{id: "3", first: "Base"}
	store.put(user)

	cfg := newUserConfigurator(store)
	adapter := memory.New(integrationLogger())
	m := manager.New(adapter, cfg, integrationLogger(), true)
	p := proxy.New("SimpleUser", "3", user, false, cfg)

	_, err := m.WithTransaction(ctx, "tr3", func(ctx context.Context, tx *transaction.Transaction) error {
		_, err := p.Call(ctx, "first=", "Foo")
		require.NoError(t, err)
		_, err = p.Call(ctx, "save")
		return err
	})
	require.NoError(t, err)

	user.first = "Moo" // external change clashes with our pending "Foo"

	_, err = m.WithTransaction(ctx, "tr3", func(ctx context.Context, tx *transaction.Transaction) error {
		_, err := p.Call(ctx, "first")
		var wce *transaction.WriteClashError
		require.True(t, errors.As(err, &wce))
		assert.Equal(t, "Foo", wce.OurValue)
		assert.Equal(t, "Moo", wce.ExternalValue)

		wce.UseTheirs()

		v, err := p.Call(ctx, "first")
		require.NoError(t, err)
		assert.Equal(t, "Moo", v, "the veto's read override wins over our own pending write")
		return nil
	})
	require.NoError(t, err)

	_, err = m.WithTransaction(ctx, "tr3", func(ctx context.Context, tx *transaction.Transaction) error {
		return transaction.ErrCommit
	})
	require.NoError(t, err)
	assert.Equal(t, "Moo", user.first, "commit must not re-apply a vetoed write")
}

// Scenario: a write clash is resolved with UseTheirs (vetoing the pending
// write), but the attribute is changed again afterwards, in a later section
// — the veto only shadows the change that preceded it, so the fresh change
// survives commit.
func TestScenarioChangeVetoDroppedByLaterChange(t *testing.T) {
	ctx := context.Background()
	store := newUserStore()
	user := &simpleUser{id: "4", first: "Base4"}
	store.put(user)

	cfg := newUserConfigurator(store)
	adapter := memory.New(integrationLogger())
	m := manager.New(adapter, cfg, integrationLogger(), true)
	p := proxy.New("SimpleUser", "4", user, false, cfg)

	_, err := m.WithTransaction(ctx, "tr4", func(ctx context.Context, tx *transaction.Transaction) error {
		_, err := p.Call(ctx, "first=", "Foo")
		require.NoError(t, err)
		_, err = p.Call(ctx, "save")
		return err
	})
	require.NoError(t, err)

	user.first = "Moo"

	_, err = m.WithTransaction(ctx, "tr4", func(ctx context.Context, tx *transaction.Transaction) error {
		_, err := p.Call(ctx, "first")
		var wce *transaction.WriteClashError
		require.True(t, errors.As(err, &wce))
		wce.UseTheirs()
		return nil
	})
	require.NoError(t, err)

	_, err = m.WithTransaction(ctx, "tr4", func(ctx context.Context, tx *transaction.Transaction) error {
		_, err := p.Call(ctx, "first=", "Zap")
		require.NoError(t, err)
		assert.False(t, tx.AttributeChangeVetoed("SimpleUser/4/first"), "the fresh change lifts the veto")
		assert.True(t, tx.AttributeChanged("SimpleUser/4/first"), "the fresh change postdates the veto")
		_, err = p.Call(ctx, "save")
		return err
	})
	require.NoError(t, err)

	_, err = m.WithTransaction(ctx, "tr4", func(ctx context.Context, tx *transaction.Transaction) error {
		return transaction.ErrCommit
	})
	require.NoError(t, err)
	assert.Equal(t, "Zap", user.first, "the later change must win over the earlier veto")
}

// Scenario: commit acquires fateful object locks in sorted-key order with
// suspend=false; a transaction that cannot acquire one fails fast with a
// LockError rather than blocking, so two transactions racing to commit over
// the same objects can never deadlock each other.
func TestScenarioDeadlockFreeParallelCommit(t *testing.T) {
	ctx := context.Background()
	store := newUserStore()
	o1 := &simpleUser{id: "5", first: "o1-start"}
	o2 := &simpleUser{id: "6", first: "o2-start"}
	store.put(o1)
	store.put(o2)

	cfg := newUserConfigurator(store)
	adapter := memory.New(integrationLogger())
	m := manager.New(adapter, cfg, integrationLogger(), false)

	seed := func(identifier, value string) {
		_, err := m.WithTransaction(ctx, identifier, func(ctx context.Context, tx *transaction.Transaction) error {
			tx.LogAttributeChange("SimpleUser/5", "SimpleUser/5/first", false, o1.first, value, "first", "first=")
			tx.LogObjectPersistence("SimpleUser/5", false, "save")
			tx.LogAttributeChange("SimpleUser/6", "SimpleUser/6/first", false, o2.first, value, "first", "first=")
			tx.LogObjectPersistence("SimpleUser/6", false, "save")
			return nil
		})
		require.NoError(t, err)
	}
	seed("tA", "from-A")
	seed("tB", "from-B")

	txA, err := transaction.Open(ctx, "tA", adapter, cfg, integrationLogger(), false)
	require.NoError(t, err)
	txB, err := transaction.Open(ctx, "tB", adapter, cfg, integrationLogger(), false)
	require.NoError(t, err)

	locked := make(chan struct{})
	release := make(chan struct{})
	unlocked := make(chan struct{})
	go func() {
		_ = adapter.WithObjectLock(ctx, "SimpleUser/5", true, func(ctx context.Context) error {
			close(locked)
			<-release
			return nil
		})
		close(unlocked)
	}()
	<-locked

	err = txB.Commit(ctx)
	require.Error(t, err)
	assert.True(t, storage.IsLockError(err), "a transaction that loses the race must fail fast, not block")
	assert.Equal(t, "o1-start", o1.first, "the failed commit must not have touched the live object")

	close(release)
	<-unlocked

	require.NoError(t, txA.Commit(ctx))
	assert.Equal(t, "from-A", o1.first)
	assert.Equal(t, "from-A", o2.first)

	// The contended lock is free again, so tB's retried commit gets past the
	// locks; but tA's commit changed attributes tB had read, so the retry
	// surfaces a write clash and leaves the live objects as tA wrote them.
	txB2, err := transaction.Open(ctx, "tB", adapter, cfg, integrationLogger(), false)
	require.NoError(t, err)
	err = txB2.Commit(ctx)
	var wce *transaction.WriteClashError
	require.True(t, errors.As(err, &wce), "tB's reads are stale after tA's commit")
	assert.Equal(t, "from-A", o1.first)
	assert.Equal(t, "from-A", o2.first)
}

// Scenario: a brand-new object, created inside a transaction via the proxy
// cache's lazy "new_NNNNN" identifier, is registered with the host store up
// front so lookup_method can resolve it, while its logged attribute writes
// reach it only when commit applies the log.
func TestScenarioNewObjectCreation(t *testing.T) {
	ctx := context.Background()
	store := newUserStore()
	cfg := newUserConfigurator(store)
	adapter := memory.New(integrationLogger())
	m := manager.New(adapter, cfg, integrationLogger(), false)

	var newID string
	_, err := m.WithTransaction(ctx, "tr6", func(ctx context.Context, tx *transaction.Transaction) error {
		cache, err := proxycache.New(tx, cfg, 0)
		require.NoError(t, err)

		newID = cache.NextID()
		assert.Equal(t, "new_00001", newID)

		created := &simpleUser{id: newID}
		store.put(created) // host publishes the new identity immediately so lookup_method can resolve it at commit

		p, err := cache.Fetch(ctx, "SimpleUser", newID, func(ctx context.Context) (any, bool, error) {
			return created, true, nil
		})
		require.NoError(t, err)

		tx.LogObjectInitialization(p.ObjectKey(), "new")
		_, err = p.Call(ctx, "first=", "A")
		require.NoError(t, err)
		_, err = p.Call(ctx, "save")
		return err
	})
	require.NoError(t, err)

	_, err = m.WithTransaction(ctx, "tr6", func(ctx context.Context, tx *transaction.Transaction) error {
		return transaction.ErrCommit
	})
	require.NoError(t, err)

	created, ok := store.get(newID)
	require.True(t, ok)
	assert.Equal(t, "A", created.first)
}

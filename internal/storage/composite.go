package storage

// Composite pairs an independent PersistenceStore and LockProvider into a
// single Adapter. The Lite profile uses this to combine the SQLite
// persistence store with OS file locks; the Standard profile uses it when
// Redis, rather than PostgreSQL advisory locks, is the lock provider.
type Composite struct {
	PersistenceStore
	LockProvider
}

// NewComposite builds an Adapter from separately-constructed store and lock
// implementations.
func NewComposite(store PersistenceStore, locks LockProvider) *Composite {
	return &Composite{PersistenceStore: store, LockProvider: locks}
}

var _ Adapter = (*Composite)(nil)

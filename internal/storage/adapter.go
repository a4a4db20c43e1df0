package storage

import "context"

// LogEntryRecord is the durable, storage-agnostic representation of a single
// transaction log entry (§3). Adapters persist and reload this shape; the
// logentry package is responsible for the richer in-memory LogEntry type built
// from it.
type LogEntryRecord struct {
	EntryID               int64
	TransactionIdentifier string
	Savepoint             string
	SavepointVersion      int
	Index                 int
	Kind                  string
	ObjectKey             string
	AttributeKey          string
	NewObject             bool
	ObjectPersisted       bool
	TransactionPersisted  bool
	Payload               []byte // kind-specific fields, opaque to the adapter
}

// SectionInfo is the durable record for one savepoint (§6: "information" record).
type SectionInfo struct {
	TransactionIdentifier string
	Savepoint             string
	SavepointVersion      int
}

// Adapter is the persistence & lock contract of §4.B. Any backend satisfying it
// may back the transaction engine; this repo ships memory, sqlite and postgres
// persistence implementations and file/redis/postgres-advisory lock providers.
type Adapter interface {
	PersistenceStore
	LockProvider
}

// PersistenceStore is the durable half of the adapter contract.
type PersistenceStore interface {
	// Enqueue adds entry to the pending queue for its section. Fails with
	// *storage.PersistenceError if the entry (by section+index) is already enqueued.
	Enqueue(ctx context.Context, entry LogEntryRecord) error

	// Persist flushes the enqueued queue for the given transaction/savepoint,
	// assigning each entry a section-unique EntryID, and returns the persisted
	// records. Must be called while holding the transaction lock. Idempotent
	// when the queue is empty.
	Persist(ctx context.Context, txID, savepoint string) ([]LogEntryRecord, error)

	// TransactionIdentifiers lists every transaction with at least one persisted section.
	TransactionIdentifiers(ctx context.Context) ([]string, error)

	// Savepoints lists the savepoint names previously persisted for a transaction.
	Savepoints(ctx context.Context, txID string) ([]SectionInfo, error)

	// LogEntries returns the entries previously persisted for a section, in
	// insertion order.
	LogEntries(ctx context.Context, txID, savepoint string) ([]LogEntryRecord, error)

	// ResetTransaction removes all persisted data for the transaction.
	ResetTransaction(ctx context.Context, txID string) error

	// Close releases any resources (connections, file handles) held by the adapter.
	Close() error
}

// LockProvider is the advisory-locking half of the adapter contract. Suspend
// controls whether the call blocks until the lock is free (honoring ctx
// cancellation) or fails fast with *storage.LockError when suspend is false.
type LockProvider interface {
	WithGlobalLock(ctx context.Context, suspend bool, fn func(context.Context) error) error
	WithTransactionLock(ctx context.Context, txID string, suspend bool, fn func(context.Context) error) error
	WithObjectLock(ctx context.Context, objectKey string, suspend bool, fn func(context.Context) error) error
}

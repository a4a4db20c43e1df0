package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/txproxy/txproxy/internal/storage"
)

// Adapter implements storage.Adapter for the Standard deployment profile:
// durable row storage for transactions/sections/log entries in PostgreSQL,
// plus the three lock kinds via native PostgreSQL session-level advisory
// locks (pg_advisory_lock/pg_try_advisory_lock) — no separate lock service
// required when Postgres itself is the shared authority.
type Adapter struct {
	pool   *PostgresPool
	logger *slog.Logger
}

// NewAdapter wraps an already-connected PostgresPool as a storage.Adapter.
func NewAdapter(pool *PostgresPool, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{pool: pool, logger: logger}
}

// InitSchema creates the adapter's tables if absent. Production deployments
// should instead run the goose migrations under internal/storage/migrations;
// this exists for tests and ad-hoc embedding.
func (a *Adapter) InitSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sections (
    transaction_identifier TEXT NOT NULL,
    savepoint               TEXT NOT NULL,
    savepoint_version       INTEGER NOT NULL,
    PRIMARY KEY (transaction_identifier, savepoint)
);

CREATE TABLE IF NOT EXISTS log_entries (
    id                      BIGSERIAL PRIMARY KEY,
    transaction_identifier  TEXT NOT NULL,
    savepoint               TEXT NOT NULL,
    savepoint_version       INTEGER NOT NULL,
    entry_index             INTEGER NOT NULL,
    kind                    TEXT NOT NULL,
    object_key              TEXT NOT NULL,
    attribute_key           TEXT,
    new_object              BOOLEAN NOT NULL DEFAULT FALSE,
    object_persisted        BOOLEAN NOT NULL DEFAULT FALSE,
    transaction_persisted   BOOLEAN NOT NULL DEFAULT FALSE,
    payload                 BYTEA,
    UNIQUE (transaction_identifier, savepoint, entry_index)
);

CREATE INDEX IF NOT EXISTS idx_log_entries_tx ON log_entries(transaction_identifier);
`
	_, err := a.pool.Exec(ctx, schema)
	return err
}

func (a *Adapter) Enqueue(ctx context.Context, entry storage.LogEntryRecord) error {
	tag, err := a.pool.Exec(ctx, `
INSERT INTO log_entries (transaction_identifier, savepoint, savepoint_version, entry_index, kind,
    object_key, attribute_key, new_object, object_persisted, transaction_persisted, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (transaction_identifier, savepoint, entry_index) DO NOTHING`,
		entry.TransactionIdentifier, entry.Savepoint, entry.SavepointVersion, entry.Index, entry.Kind,
		entry.ObjectKey, nullString(entry.AttributeKey), entry.NewObject, entry.ObjectPersisted,
		entry.TransactionPersisted, entry.Payload)
	if err != nil {
		return &storage.PersistenceError{Op: "enqueue", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &storage.PersistenceError{Op: "enqueue", Cause: fmt.Errorf("entry %d already enqueued for %s/%s", entry.Index, entry.TransactionIdentifier, entry.Savepoint)}
	}
	return nil
}

// Persist ensures the section row exists (assigning the next savepoint
// version for the transaction if new) and returns the section's entries.
// Entries in this adapter are written directly by Enqueue with a caller-
// supplied Index, so Persist's role is to fix up the savepoint_version and
// surface the durable rows — unlike the memory/sqlite adapters it does not
// buffer a separate pending queue.
func (a *Adapter) Persist(ctx context.Context, txID, savepoint string) ([]storage.LogEntryRecord, error) {
	var version int
	err := a.pool.QueryRow(ctx,
		`SELECT savepoint_version FROM sections WHERE transaction_identifier = $1 AND savepoint = $2`,
		txID, savepoint).Scan(&version)
	if err == pgx.ErrNoRows {
		err = a.pool.QueryRow(ctx,
			`SELECT COALESCE(MAX(savepoint_version), 0) + 1 FROM sections WHERE transaction_identifier = $1`,
			txID).Scan(&version)
		if err != nil {
			return nil, &storage.PersistenceError{Op: "persist", Cause: err}
		}
		if _, err := a.pool.Exec(ctx,
			`INSERT INTO sections (transaction_identifier, savepoint, savepoint_version) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`, txID, savepoint, version); err != nil {
			return nil, &storage.PersistenceError{Op: "persist", Cause: err}
		}
		if _, err := a.pool.Exec(ctx,
			`UPDATE log_entries SET savepoint_version = $1 WHERE transaction_identifier = $2 AND savepoint = $3`,
			version, txID, savepoint); err != nil {
			return nil, &storage.PersistenceError{Op: "persist", Cause: err}
		}
	} else if err != nil {
		return nil, &storage.PersistenceError{Op: "persist", Cause: err}
	}

	return a.LogEntries(ctx, txID, savepoint)
}

func (a *Adapter) TransactionIdentifiers(ctx context.Context) ([]string, error) {
	rows, err := a.pool.Query(ctx, `SELECT DISTINCT transaction_identifier FROM sections ORDER BY transaction_identifier`)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "transaction_identifiers", Cause: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (a *Adapter) Savepoints(ctx context.Context, txID string) ([]storage.SectionInfo, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT savepoint, savepoint_version FROM sections WHERE transaction_identifier = $1 ORDER BY savepoint_version`, txID)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "savepoints", Cause: err}
	}
	defer rows.Close()

	var out []storage.SectionInfo
	for rows.Next() {
		info := storage.SectionInfo{TransactionIdentifier: txID}
		if err := rows.Scan(&info.Savepoint, &info.SavepointVersion); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (a *Adapter) LogEntries(ctx context.Context, txID, savepoint string) ([]storage.LogEntryRecord, error) {
	rows, err := a.pool.Query(ctx, `
SELECT id, transaction_identifier, savepoint, savepoint_version, entry_index, kind, object_key,
       COALESCE(attribute_key, ''), new_object, object_persisted, transaction_persisted, payload
FROM log_entries WHERE transaction_identifier = $1 AND savepoint = $2 ORDER BY entry_index`,
		txID, savepoint)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "log_entries", Cause: err}
	}
	defer rows.Close()

	var out []storage.LogEntryRecord
	for rows.Next() {
		var e storage.LogEntryRecord
		if err := rows.Scan(&e.EntryID, &e.TransactionIdentifier, &e.Savepoint, &e.SavepointVersion,
			&e.Index, &e.Kind, &e.ObjectKey, &e.AttributeKey, &e.NewObject, &e.ObjectPersisted,
			&e.TransactionPersisted, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (a *Adapter) ResetTransaction(ctx context.Context, txID string) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return &storage.PersistenceError{Op: "reset_transaction", Cause: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM log_entries WHERE transaction_identifier = $1`, txID); err != nil {
		return &storage.PersistenceError{Op: "reset_transaction", Cause: err}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sections WHERE transaction_identifier = $1`, txID); err != nil {
		return &storage.PersistenceError{Op: "reset_transaction", Cause: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &storage.PersistenceError{Op: "reset_transaction", Cause: err}
	}
	return nil
}

func (a *Adapter) Close() error {
	return a.pool.Close()
}

// advisoryKey hashes a lock name to the int64 key pg_advisory_lock expects.
func advisoryKey(kind storage.LockKind, name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(string(kind)))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func (a *Adapter) withAdvisoryLock(ctx context.Context, kind storage.LockKind, name string, suspend bool, fn func(context.Context) error) error {
	key := advisoryKey(kind, name)

	conn, err := a.pool.Pool().Acquire(ctx)
	if err != nil {
		return &storage.LockError{Kind: kind, Name: name, Cause: err}
	}
	defer conn.Release()

	if suspend {
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
			return &storage.LockError{Kind: kind, Name: name, Cause: err}
		}
		defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		return fn(ctx)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return &storage.LockError{Kind: kind, Name: name, Cause: err}
	}
	if !acquired {
		return &storage.LockError{Kind: kind, Name: name, Cause: fmt.Errorf("advisory lock held by another session")}
	}
	defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
	return fn(ctx)
}

func (a *Adapter) WithGlobalLock(ctx context.Context, suspend bool, fn func(context.Context) error) error {
	return a.withAdvisoryLock(ctx, storage.LockKindGlobal, "global", suspend, fn)
}

func (a *Adapter) WithTransactionLock(ctx context.Context, txID string, suspend bool, fn func(context.Context) error) error {
	return a.withAdvisoryLock(ctx, storage.LockKindTransaction, txID, suspend, fn)
}

func (a *Adapter) WithObjectLock(ctx context.Context, objectKey string, suspend bool, fn func(context.Context) error) error {
	return a.withAdvisoryLock(ctx, storage.LockKindObject, objectKey, suspend, fn)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ storage.Adapter = (*Adapter)(nil)

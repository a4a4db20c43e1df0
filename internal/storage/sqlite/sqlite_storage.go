// Package sqlite implements storage.PersistenceStore on top of an embedded
// SQLite database. It backs the Lite deployment profile (single node, no
// external services); locking for that profile is provided separately by
// sqlite.FileLock, built on gofrs/flock.
//
// Features carried over from the reference storage layer this is patterned
// on: WAL mode for concurrent reads during writes, secure file permissions
// (0600), and a bounded connection pool sized for a single-node deployment.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// Pure Go SQLite driver (no CGO, easier cross-compilation).
	_ "modernc.org/sqlite"

	"github.com/txproxy/txproxy/internal/storage"
)

// Storage implements storage.PersistenceStore using a SQLite database file.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
	path   string

	mu      sync.Mutex // protects pending
	pending map[string][]storage.LogEntryRecord
}

// New opens (creating if necessary) a SQLite-backed persistence store at path.
func New(ctx context.Context, path string, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("invalid path contains '..': %s", path)
	}
	for _, prefix := range []string{"/etc", "/sys", "/proc", "/dev"} {
		if strings.HasPrefix(path, prefix) {
			return nil, fmt.Errorf("forbidden path prefix %s: %s", prefix, path)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Storage{
		db:      db,
		logger:  logger,
		path:    path,
		pending: make(map[string][]storage.LogEntryRecord),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, &storage.ErrStorageInitFailed{Backend: "sqlite", Profile: "lite", Cause: err}
	}

	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("failed to set sqlite file permissions to 0600", "path", path, "error", err)
	}

	logger.Info("sqlite persistence store initialized", "path", path, "wal_mode", true)
	return s, nil
}

func (s *Storage) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS sections (
    transaction_identifier TEXT NOT NULL,
    savepoint               TEXT NOT NULL,
    savepoint_version       INTEGER NOT NULL,
    PRIMARY KEY (transaction_identifier, savepoint)
);

CREATE TABLE IF NOT EXISTS log_entries (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    transaction_identifier  TEXT NOT NULL,
    savepoint               TEXT NOT NULL,
    savepoint_version       INTEGER NOT NULL,
    entry_index             INTEGER NOT NULL,
    kind                    TEXT NOT NULL,
    object_key              TEXT NOT NULL,
    attribute_key           TEXT,
    new_object              INTEGER NOT NULL DEFAULT 0,
    object_persisted        INTEGER NOT NULL DEFAULT 0,
    transaction_persisted   INTEGER NOT NULL DEFAULT 0,
    payload                 BLOB,
    UNIQUE(transaction_identifier, savepoint, entry_index)
);

CREATE INDEX IF NOT EXISTS idx_log_entries_tx ON log_entries(transaction_identifier);
CREATE INDEX IF NOT EXISTS idx_log_entries_section ON log_entries(transaction_identifier, savepoint);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Storage) Enqueue(ctx context.Context, entry storage.LogEntryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sectionKey(entry.TransactionIdentifier, entry.Savepoint)
	for _, existing := range s.pending[key] {
		if existing.Index == entry.Index {
			return &storage.PersistenceError{Op: "enqueue", Cause: fmt.Errorf("entry %d already enqueued for %s", entry.Index, key)}
		}
	}
	s.pending[key] = append(s.pending[key], entry)
	return nil
}

func (s *Storage) Persist(ctx context.Context, txID, savepoint string) ([]storage.LogEntryRecord, error) {
	s.mu.Lock()
	key := sectionKey(txID, savepoint)
	queue := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "persist", Cause: err}
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT savepoint_version FROM sections WHERE transaction_identifier = ? AND savepoint = ?`,
		txID, savepoint).Scan(&version)
	if err == sql.ErrNoRows {
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(savepoint_version), 0) + 1 FROM sections WHERE transaction_identifier = ?`,
			txID).Scan(&version)
		if err != nil {
			return nil, &storage.PersistenceError{Op: "persist", Cause: err}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sections (transaction_identifier, savepoint, savepoint_version) VALUES (?, ?, ?)`,
			txID, savepoint, version); err != nil {
			return nil, &storage.PersistenceError{Op: "persist", Cause: err}
		}
	} else if err != nil {
		return nil, &storage.PersistenceError{Op: "persist", Cause: err}
	}

	for i := range queue {
		queue[i].SavepointVersion = version
		res, err := tx.ExecContext(ctx, `
INSERT INTO log_entries (transaction_identifier, savepoint, savepoint_version, entry_index, kind,
    object_key, attribute_key, new_object, object_persisted, transaction_persisted, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			queue[i].TransactionIdentifier, queue[i].Savepoint, queue[i].SavepointVersion, queue[i].Index,
			queue[i].Kind, queue[i].ObjectKey, nullableString(queue[i].AttributeKey),
			boolToInt(queue[i].NewObject), boolToInt(queue[i].ObjectPersisted), boolToInt(queue[i].TransactionPersisted),
			queue[i].Payload)
		if err != nil {
			return nil, &storage.PersistenceError{Op: "persist", Cause: err}
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, &storage.PersistenceError{Op: "persist", Cause: err}
		}
		queue[i].EntryID = id
	}

	if err := tx.Commit(); err != nil {
		return nil, &storage.PersistenceError{Op: "persist", Cause: err}
	}

	if len(queue) > 0 {
		s.logger.Debug("section persisted", "tx_id", txID, "savepoint", savepoint, "entries", len(queue))
	}
	return s.LogEntries(ctx, txID, savepoint)
}

func (s *Storage) TransactionIdentifiers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT transaction_identifier FROM sections ORDER BY transaction_identifier`)
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

func (s *Storage) Savepoints(ctx context.Context, txID string) ([]storage.SectionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT savepoint, savepoint_version FROM sections WHERE transaction_identifier = ? ORDER BY savepoint_version`, txID)
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

func (s *Storage) LogEntries(ctx context.Context, txID, savepoint string) ([]storage.LogEntryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, transaction_identifier, savepoint, savepoint_version, entry_index, kind, object_key,
       attribute_key, new_object, object_persisted, transaction_persisted, payload
FROM log_entries WHERE transaction_identifier = ? AND savepoint = ? ORDER BY entry_index`,
		txID, savepoint)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "log_entries", Cause: err}
	}
	defer rows.Close()

	var out []storage.LogEntryRecord
	for rows.Next() {
		var e storage.LogEntryRecord
		var attrKey sql.NullString
		var newObj, objPersisted, txPersisted int
		if err := rows.Scan(&e.EntryID, &e.TransactionIdentifier, &e.Savepoint, &e.SavepointVersion,
			&e.Index, &e.Kind, &e.ObjectKey, &attrKey, &newObj, &objPersisted, &txPersisted, &e.Payload); err != nil {
			return nil, err
		}
		e.AttributeKey = attrKey.String
		e.NewObject = newObj != 0
		e.ObjectPersisted = objPersisted != 0
		e.TransactionPersisted = txPersisted != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Storage) ResetTransaction(ctx context.Context, txID string) error {
	s.mu.Lock()
	for key := range s.pending {
		if strings.HasPrefix(key, txID+"/") {
			delete(s.pending, key)
		}
	}
	s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &storage.PersistenceError{Op: "reset_transaction", Cause: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM log_entries WHERE transaction_identifier = ?`, txID); err != nil {
		return &storage.PersistenceError{Op: "reset_transaction", Cause: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE transaction_identifier = ?`, txID); err != nil {
		return &storage.PersistenceError{Op: "reset_transaction", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return &storage.PersistenceError{Op: "reset_transaction", Cause: err}
	}
	s.logger.Debug("transaction reset", "tx_id", txID)
	return nil
}

func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Health checks database connection liveness.
func (s *Storage) Health(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.PingContext(ctx)
}

// GetFileSize returns the current database file size in bytes, 0 if absent.
func (s *Storage) GetFileSize() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func sectionKey(txID, savepoint string) string { return txID + "/" + savepoint }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ storage.PersistenceStore = (*Storage)(nil)

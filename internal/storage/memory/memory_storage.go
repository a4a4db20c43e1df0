// Package memory implements storage.Adapter entirely in process memory.
//
// WARNING: nothing here survives a process restart. This adapter exists for
// unit tests and single-process embedding, never for a deployment that needs
// a transaction to be resumable from another process (§4.B lists it as the
// non-durable third option alongside the Lite and Standard adapters).
package memory

import (
	"context"
	"sort"
	"sync"

	"log/slog"

	"github.com/txproxy/txproxy/internal/storage"
)

// Storage implements storage.Adapter using in-memory maps guarded by a mutex,
// plus per-name in-process mutexes standing in for advisory locks. A
// suspending lock acquisition blocks until the lock is free and does not
// observe ctx cancellation.
type Storage struct {
	mu       sync.RWMutex
	pending  map[string][]storage.LogEntryRecord // "txID/savepoint" -> queued entries
	persisted map[string][]storage.LogEntryRecord // "txID/savepoint" -> persisted entries
	sections map[string][]storage.SectionInfo    // txID -> savepoints, in version order
	nextID   map[string]int64                    // "txID/savepoint" -> next entry id
	logger   *slog.Logger

	lockMu sync.Mutex
	global sync.Mutex
	txLock map[string]*sync.Mutex
	objLock map[string]*sync.Mutex
}

// New creates an empty in-memory adapter.
func New(logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		pending:   make(map[string][]storage.LogEntryRecord),
		persisted: make(map[string][]storage.LogEntryRecord),
		sections:  make(map[string][]storage.SectionInfo),
		nextID:    make(map[string]int64),
		logger:    logger,
		txLock:    make(map[string]*sync.Mutex),
		objLock:   make(map[string]*sync.Mutex),
	}
}

func sectionKey(txID, savepoint string) string { return txID + "/" + savepoint }

func (s *Storage) Enqueue(ctx context.Context, entry storage.LogEntryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sectionKey(entry.TransactionIdentifier, entry.Savepoint)
	for _, existing := range s.pending[key] {
		if existing.Index == entry.Index {
			return &storage.PersistenceError{Op: "enqueue", Cause: errAlreadyEnqueued}
		}
	}
	s.pending[key] = append(s.pending[key], entry)
	return nil
}

func (s *Storage) Persist(ctx context.Context, txID, savepoint string) ([]storage.LogEntryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sectionKey(txID, savepoint)
	queue := s.pending[key]
	if len(queue) == 0 {
		return s.persisted[key], nil
	}

	for i := range queue {
		s.nextID[key]++
		queue[i].EntryID = s.nextID[key]
	}
	s.persisted[key] = append(s.persisted[key], queue...)
	delete(s.pending, key)

	if !s.hasSection(txID, savepoint) {
		version := len(s.sections[txID]) + 1
		s.sections[txID] = append(s.sections[txID], storage.SectionInfo{
			TransactionIdentifier: txID,
			Savepoint:             savepoint,
			SavepointVersion:      version,
		})
	}

	s.logger.Debug("section persisted", "tx_id", txID, "savepoint", savepoint, "entries", len(queue))
	return s.persisted[key], nil
}

func (s *Storage) hasSection(txID, savepoint string) bool {
	for _, sec := range s.sections[txID] {
		if sec.Savepoint == savepoint {
			return true
		}
	}
	return false
}

func (s *Storage) TransactionIdentifiers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sections))
	for id, secs := range s.sections {
		if len(secs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Storage) Savepoints(ctx context.Context, txID string) ([]storage.SectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.SectionInfo, len(s.sections[txID]))
	copy(out, s.sections[txID])
	return out, nil
}

func (s *Storage) LogEntries(ctx context.Context, txID, savepoint string) ([]storage.LogEntryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.persisted[sectionKey(txID, savepoint)]
	out := make([]storage.LogEntryRecord, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Storage) ResetTransaction(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sec := range s.sections[txID] {
		key := sectionKey(txID, sec.Savepoint)
		delete(s.pending, key)
		delete(s.persisted, key)
		delete(s.nextID, key)
	}
	delete(s.sections, txID)
	s.logger.Debug("transaction reset", "tx_id", txID)
	return nil
}

func (s *Storage) Close() error {
	s.logger.Info("memory storage closed (data discarded)")
	return nil
}

func (s *Storage) WithGlobalLock(ctx context.Context, suspend bool, fn func(context.Context) error) error {
	if !suspend {
		if !s.global.TryLock() {
			return &storage.LockError{Kind: storage.LockKindGlobal, Name: "global", Cause: errLockHeld}
		}
		defer s.global.Unlock()
		return fn(ctx)
	}
	s.global.Lock()
	defer s.global.Unlock()
	return fn(ctx)
}

func (s *Storage) namedLock(registry map[string]*sync.Mutex, name string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := registry[name]
	if !ok {
		m = &sync.Mutex{}
		registry[name] = m
	}
	return m
}

func (s *Storage) WithTransactionLock(ctx context.Context, txID string, suspend bool, fn func(context.Context) error) error {
	m := s.namedLock(s.txLock, txID)
	if !suspend {
		if !m.TryLock() {
			return &storage.LockError{Kind: storage.LockKindTransaction, Name: txID, Cause: errLockHeld}
		}
		defer m.Unlock()
		return fn(ctx)
	}
	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

func (s *Storage) WithObjectLock(ctx context.Context, objectKey string, suspend bool, fn func(context.Context) error) error {
	m := s.namedLock(s.objLock, objectKey)
	if !suspend {
		if !m.TryLock() {
			return &storage.LockError{Kind: storage.LockKindObject, Name: objectKey, Cause: errLockHeld}
		}
		defer m.Unlock()
		return fn(ctx)
	}
	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

var _ storage.Adapter = (*Storage)(nil)

// Package section implements one savepoint's worth of transactional state
// (§4.D): the read set, write set, integrity overrides, change vetoes and the
// ordered log entries that back them, all scoped to a single section.
package section

import (
	"context"
	"fmt"
	"sync"

	"github.com/txproxy/txproxy/internal/storage"
	"github.com/txproxy/txproxy/internal/txengine/logentry"
)

// Section is one contiguous execution slice of a transaction (one savepoint).
// Safe for concurrent use; callers normally hold the transaction's own lock
// for the duration of a logical operation anyway.
type Section struct {
	mu sync.Mutex

	TransactionIdentifier string
	Savepoint             string
	SavepointVersion      int
	Persisted             bool

	entries       []*logentry.LogEntry
	readSet       map[string]any  // attributeKey -> value, this section only
	writeSet      map[string]any  // attributeKey -> value, this section only
	readOverrides map[string]any  // attributeKey -> latest external_value override, this section only
	changeVetoes  map[string]bool // attributeKey -> latest veto is active, this section only
}

// New creates an empty, unpersisted section.
func New(txID, savepoint string, version int) *Section {
	return &Section{
		TransactionIdentifier: txID,
		Savepoint:             savepoint,
		SavepointVersion:      version,
		readSet:               make(map[string]any),
		writeSet:              make(map[string]any),
		readOverrides:         make(map[string]any),
		changeVetoes:          make(map[string]bool),
	}
}

// LoadFromRecords reconstructs an already-persisted section from its durable
// log entries, re-deriving read_set/write_set/overrides/vetoes exactly as a
// live section would have accumulated them (§8 idempotent resumption).
func LoadFromRecords(txID, savepoint string, version int, records []storage.LogEntryRecord) (*Section, error) {
	s := New(txID, savepoint, version)
	s.Persisted = true
	for _, rec := range records {
		e, err := logentry.FromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("section: loading %s: %w", savepoint, err)
		}
		s.entries = append(s.entries, e)
		s.applyToSets(e)
	}
	return s, nil
}

func (s *Section) applyToSets(e *logentry.LogEntry) {
	switch e.Kind {
	case logentry.KindAttributeRead:
		s.readSet[e.AttributeKey] = e.Value
	case logentry.KindAttributeChange:
		s.writeSet[e.AttributeKey] = e.NewValue
	case logentry.KindReadIntegrityOverride:
		s.readOverrides[e.AttributeKey] = e.ExternalValue
	case logentry.KindAttributeChangeVeto:
		s.changeVetoes[e.AttributeKey] = true
		delete(s.writeSet, e.AttributeKey)
	}
}

func (s *Section) append(e *logentry.LogEntry) *logentry.LogEntry {
	e.TransactionIdentifier = s.TransactionIdentifier
	e.Savepoint = s.Savepoint
	e.SavepointVersion = s.SavepointVersion
	e.Index = len(s.entries)
	s.entries = append(s.entries, e)
	s.applyToSets(e)
	return e
}

// LogAttributeRead appends an attribute_read entry, unless this section
// already has a read for attributeKey (idempotent within a section, per
// §4.D) — a prior call already recorded the value a caller would see.
func (s *Section) LogAttributeRead(objectKey, attributeKey string, newObject bool, value any, method string) *logentry.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.readSet[attributeKey]; ok {
		return nil
	}
	return s.append(&logentry.LogEntry{
		Kind:         logentry.KindAttributeRead,
		ObjectKey:    objectKey,
		AttributeKey: attributeKey,
		NewObject:    newObject,
		Value:        value,
		Method:       method,
	})
}

// LogAttributeChange appends an attribute_change entry and returns it, along
// with the attribute_read entry emitted first when hadPriorRead is false (the
// caller — the owning Transaction, which can see the whole history — has
// already determined whether any section ever read this attribute). The
// synthetic read is tagged with readMethod (the reader name, e.g. "first"),
// since VerifyAttributeIntegrity later replays it with zero arguments —
// tagging it with the writer name would invoke the writer's case instead.
// When old == new no change is logged and change is nil; read is still
// returned when hadPriorRead is false.
func (s *Section) LogAttributeChange(objectKey, attributeKey string, newObject bool, hadPriorRead bool, old, new any, readMethod, method string) (read, change *logentry.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !hadPriorRead {
		read = s.append(&logentry.LogEntry{
			Kind:         logentry.KindAttributeRead,
			ObjectKey:    objectKey,
			AttributeKey: attributeKey,
			NewObject:    newObject,
			Value:        old,
			Method:       readMethod,
		})
	}
	if old == new {
		return read, nil
	}
	change = s.append(&logentry.LogEntry{
		Kind:         logentry.KindAttributeChange,
		ObjectKey:    objectKey,
		AttributeKey: attributeKey,
		NewObject:    newObject,
		OldValue:     old,
		NewValue:     new,
		Method:       method,
	})
	return read, change
}

// LogObjectInitialization records that objectKey was born in this transaction.
func (s *Section) LogObjectInitialization(objectKey, method string) *logentry.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(&logentry.LogEntry{
		Kind:      logentry.KindObjectInitialization,
		ObjectKey: objectKey,
		NewObject: true,
		Method:    method,
	})
}

// LogObjectPersistence appends an object_persistence entry and marks every
// prior entry for objectKey, plus every prior attribute_read in this section,
// as ObjectPersisted (§4.D: "a persistence call effectively commits
// read-dependencies too").
func (s *Section) LogObjectPersistence(objectKey string, newObject bool, method string, args ...any) *logentry.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markPersisted(objectKey)
	return s.append(&logentry.LogEntry{
		Kind:            logentry.KindObjectPersistence,
		ObjectKey:       objectKey,
		NewObject:       newObject,
		Method:          method,
		Args:            args,
		ObjectPersisted: true,
	})
}

// LogObjectDestruction appends an object_destruction entry with the same
// persistence propagation as LogObjectPersistence.
func (s *Section) LogObjectDestruction(objectKey string, newObject bool, method string) *logentry.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markPersisted(objectKey)
	return s.append(&logentry.LogEntry{
		Kind:            logentry.KindObjectDestruction,
		ObjectKey:       objectKey,
		NewObject:       newObject,
		Method:          method,
		ObjectPersisted: true,
	})
}

func (s *Section) markPersisted(objectKey string) {
	for _, e := range s.entries {
		if e.ObjectKey == objectKey || e.Kind == logentry.KindAttributeRead {
			e.ObjectPersisted = true
		}
	}
}

// LogReadIntegrityOverride appends a read_integrity_override entry (always
// persisted); when updateValue is true it also logs a fresh attribute_read so
// subsequent reads in this section observe externalValue.
func (s *Section) LogReadIntegrityOverride(objectKey, attributeKey string, newObject bool, externalValue any, updateValue bool, method string) *logentry.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.append(&logentry.LogEntry{
		Kind:            logentry.KindReadIntegrityOverride,
		ObjectKey:       objectKey,
		AttributeKey:    attributeKey,
		NewObject:       newObject,
		ExternalValue:   externalValue,
		ObjectPersisted: true,
	})
	if updateValue {
		s.readSet[attributeKey] = externalValue
		s.append(&logentry.LogEntry{
			Kind:         logentry.KindAttributeRead,
			ObjectKey:    objectKey,
			AttributeKey: attributeKey,
			NewObject:    newObject,
			Value:        externalValue,
			Method:       method,
		})
	}
	return entry
}

// LogAttributeChangeVeto appends an attribute_change_veto entry (always
// persisted), logs a fresh attribute_read of externalValue, and clears this
// section's write_set entry for attributeKey.
func (s *Section) LogAttributeChangeVeto(objectKey, attributeKey string, newObject bool, externalValue any, method string) *logentry.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.append(&logentry.LogEntry{
		Kind:            logentry.KindAttributeChangeVeto,
		ObjectKey:       objectKey,
		AttributeKey:    attributeKey,
		NewObject:       newObject,
		ExternalValue:   externalValue,
		ObjectPersisted: true,
	})
	s.readSet[attributeKey] = externalValue
	s.append(&logentry.LogEntry{
		Kind:         logentry.KindAttributeRead,
		ObjectKey:    objectKey,
		AttributeKey: attributeKey,
		NewObject:    newObject,
		Value:        externalValue,
		Method:       method,
	})
	return entry
}

// Entries returns the section's log entries in insertion order. The slice
// must not be mutated by callers.
func (s *Section) Entries() []*logentry.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries
}

// ReadValue returns this section's latest read value for attributeKey, if any.
func (s *Section) ReadValue(attributeKey string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.readSet[attributeKey]
	return v, ok
}

// WriteValue returns this section's latest write-set value for attributeKey, if any.
func (s *Section) WriteValue(attributeKey string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.writeSet[attributeKey]
	return v, ok
}

// ReadOverride returns this section's latest read-integrity override for attributeKey, if any.
func (s *Section) ReadOverride(attributeKey string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.readOverrides[attributeKey]
	return v, ok
}

// ChangeVetoed reports whether this section's latest entry for attributeKey is a veto.
func (s *Section) ChangeVetoed(attributeKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changeVetoes[attributeKey]
}

// ApplyLogEntries invokes apply for every entry satisfying persist? (§4.C's
// ShouldPersist), in insertion order (§4.D apply_log_entries!).
func (s *Section) ApplyLogEntries(ctx context.Context, apply func(context.Context, *logentry.LogEntry) error) error {
	s.mu.Lock()
	entries := make([]*logentry.LogEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for _, e := range entries {
		if !e.ShouldPersist() {
			continue
		}
		if err := apply(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears this section's pending state. Legal only on a non-persisted
// section (§4.D); the savepoint name/version are preserved.
func (s *Section) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Persisted {
		return fmt.Errorf("section: cannot reset persisted savepoint %s", s.Savepoint)
	}
	s.entries = nil
	s.readSet = make(map[string]any)
	s.writeSet = make(map[string]any)
	s.readOverrides = make(map[string]any)
	s.changeVetoes = make(map[string]bool)
	return nil
}

// MarkPersisted records that the adapter has flushed this section's entries,
// replacing them with their durable, EntryID-assigned counterparts.
func (s *Section) MarkPersisted(entries []*logentry.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.Persisted = true
}

// PendingRecords converts every not-yet-persisted entry to its durable
// record shape, ready for Adapter.Enqueue.
func (s *Section) PendingRecords() ([]storage.LogEntryRecord, error) {
	s.mu.Lock()
	entries := make([]*logentry.LogEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	records := make([]storage.LogEntryRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := e.ToRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

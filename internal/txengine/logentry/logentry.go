// Package logentry implements the tagged log-entry record (§4.C): the seven
// kinds of event a Section can hold, their apply-at-commit semantics, and
// their serialization to and from the storage layer's opaque payload bytes.
package logentry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/txproxy/txproxy/internal/storage"
	"github.com/txproxy/txproxy/internal/txengine/configurator"
)

// Kind identifies one of the seven tagged log entry variants.
type Kind string

const (
	KindAttributeRead         Kind = "attribute_read"
	KindAttributeChange       Kind = "attribute_change"
	KindObjectInitialization  Kind = "object_initialization"
	KindObjectPersistence     Kind = "object_persistence"
	KindObjectDestruction     Kind = "object_destruction"
	KindReadIntegrityOverride Kind = "read_integrity_override"
	KindAttributeChangeVeto   Kind = "attribute_change_veto"
)

// LogEntry is the in-memory representation of one persisted transaction event.
// Only the fields relevant to Kind are meaningful; see §3 for the mapping.
type LogEntry struct {
	EntryID               int64
	TransactionIdentifier string
	Savepoint             string
	SavepointVersion      int
	Index                 int
	Kind                  Kind
	ObjectKey             string
	AttributeKey          string
	NewObject             bool
	ObjectPersisted       bool
	TransactionPersisted  bool

	Method        string // attribute_read, attribute_change, object_initialization/persistence/destruction
	Value         any    // attribute_read
	OldValue      any    // attribute_change
	NewValue      any    // attribute_change
	ExternalValue any    // read_integrity_override, attribute_change_veto
	Args          []any  // object_persistence
}

// Less reports whether a sorts before b under the ordering of §3: by
// savepoint version, then by in-section insertion index.
func Less(a, b *LogEntry) bool {
	if a.SavepointVersion != b.SavepointVersion {
		return a.SavepointVersion < b.SavepointVersion
	}
	return a.Index < b.Index
}

// ShouldPersist implements persist? (§4.C): overrides and vetoes are always
// persisted since they only ever arise from exceptional, user-acknowledged
// paths; everything else persists only once its object has been persisted.
func (e *LogEntry) ShouldPersist() bool {
	switch e.Kind {
	case KindReadIntegrityOverride, KindAttributeChangeVeto:
		return true
	default:
		return e.ObjectPersisted
	}
}

// Apply invokes the underlying method per the apply! semantics of §4.C.
// vetoed must be true when a later attribute_change_veto in the transaction
// covers this entry's attribute; it is ignored for every other kind.
func (e *LogEntry) Apply(ctx context.Context, invoke configurator.MethodInvoker, obj any, vetoed bool) error {
	switch e.Kind {
	case KindAttributeChange:
		if vetoed {
			return nil
		}
		_, err := invoke(ctx, obj, e.Method, e.NewValue)
		return err
	case KindObjectPersistence:
		_, err := invoke(ctx, obj, e.Method, e.Args...)
		return err
	case KindObjectDestruction:
		_, err := invoke(ctx, obj, e.Method)
		return err
	case KindAttributeRead, KindReadIntegrityOverride, KindAttributeChangeVeto, KindObjectInitialization:
		return nil
	default:
		return fmt.Errorf("logentry: unknown kind %q", e.Kind)
	}
}

// payload is the JSON shape stored in storage.LogEntryRecord.Payload; fields
// irrelevant to a given Kind are simply omitted.
type payload struct {
	Method        string `json:"method,omitempty"`
	Value         any    `json:"value,omitempty"`
	OldValue      any    `json:"old_value,omitempty"`
	NewValue      any    `json:"new_value,omitempty"`
	ExternalValue any    `json:"external_value,omitempty"`
	Args          []any  `json:"args,omitempty"`
}

// ToRecord converts e into the storage-agnostic record an Adapter persists.
func (e *LogEntry) ToRecord() (storage.LogEntryRecord, error) {
	p := payload{
		Method:        e.Method,
		Value:         e.Value,
		OldValue:      e.OldValue,
		NewValue:      e.NewValue,
		ExternalValue: e.ExternalValue,
		Args:          e.Args,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return storage.LogEntryRecord{}, fmt.Errorf("logentry: marshal payload: %w", err)
	}
	return storage.LogEntryRecord{
		EntryID:               e.EntryID,
		TransactionIdentifier: e.TransactionIdentifier,
		Savepoint:             e.Savepoint,
		SavepointVersion:      e.SavepointVersion,
		Index:                 e.Index,
		Kind:                  string(e.Kind),
		ObjectKey:             e.ObjectKey,
		AttributeKey:          e.AttributeKey,
		NewObject:             e.NewObject,
		ObjectPersisted:       e.ObjectPersisted,
		TransactionPersisted:  e.TransactionPersisted,
		Payload:               raw,
	}, nil
}

// FromRecord reconstructs a LogEntry from a persisted record, e.g. while
// resuming a transaction.
func FromRecord(rec storage.LogEntryRecord) (*LogEntry, error) {
	var p payload
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, fmt.Errorf("logentry: unmarshal payload: %w", err)
		}
	}
	return &LogEntry{
		EntryID:               rec.EntryID,
		TransactionIdentifier: rec.TransactionIdentifier,
		Savepoint:             rec.Savepoint,
		SavepointVersion:      rec.SavepointVersion,
		Index:                 rec.Index,
		Kind:                  Kind(rec.Kind),
		ObjectKey:             rec.ObjectKey,
		AttributeKey:          rec.AttributeKey,
		NewObject:             rec.NewObject,
		ObjectPersisted:       rec.ObjectPersisted,
		TransactionPersisted:  rec.TransactionPersisted,
		Method:                p.Method,
		Value:                 p.Value,
		OldValue:              p.OldValue,
		NewValue:              p.NewValue,
		ExternalValue:         p.ExternalValue,
		Args:                  p.Args,
	}, nil
}

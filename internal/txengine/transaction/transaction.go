// Package transaction implements the Transaction type (§4.E): the ordered
// sequence of Sections that make up one resumable unit of work, the
// cross-section attribute queries, the read-integrity/commit protocols, and
// rollback/reset/persist.
//
// A *Transaction is not safe for concurrent use by multiple goroutines; the
// engine is synchronous per transaction (§5). The adapter's transaction lock
// is held only inside Open, Persist and Commit; nothing else serializes access
// to one transaction identifier.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/txproxy/txproxy/internal/storage"
	"github.com/txproxy/txproxy/internal/txengine/configurator"
	"github.com/txproxy/txproxy/internal/txengine/logentry"
	"github.com/txproxy/txproxy/internal/txengine/section"
	pkglogger "github.com/txproxy/txproxy/pkg/logger"
)

// Transaction is one resumable, identifier-keyed unit of work: an ordered
// list of Sections plus the bookkeeping needed to query, verify and commit
// across all of them (§4.E).
type Transaction struct {
	Identifier string
	Committed  bool

	sections []*section.Section

	adapter                  storage.Adapter
	cfg                      *configurator.Configurator
	logger                   *slog.Logger
	instantReadIntegrityFail bool
}

// Open resumes (or begins) the transaction named identifier: every
// previously persisted savepoint is loaded, under the transaction lock, and a
// fresh current section is appended for new work (§3, §4.B).
func Open(ctx context.Context, identifier string, adapter storage.Adapter, cfg *configurator.Configurator, logger *slog.Logger, instantReadIntegrityFail bool) (*Transaction, error) {
	t := &Transaction{
		Identifier:               identifier,
		adapter:                  adapter,
		cfg:                      cfg,
		logger:                   logger,
		instantReadIntegrityFail: instantReadIntegrityFail,
	}

	err := adapter.WithTransactionLock(ctx, identifier, true, func(ctx context.Context) error {
		infos, err := adapter.Savepoints(ctx, identifier)
		if err != nil {
			return fmt.Errorf("transaction: listing savepoints for %s: %w", identifier, err)
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].SavepointVersion < infos[j].SavepointVersion })

		for _, info := range infos {
			records, err := adapter.LogEntries(ctx, identifier, info.Savepoint)
			if err != nil {
				return fmt.Errorf("transaction: loading %s: %w", info.Savepoint, err)
			}
			s, err := section.LoadFromRecords(identifier, info.Savepoint, info.SavepointVersion, records)
			if err != nil {
				return err
			}
			t.sections = append(t.sections, s)
		}

		nextVersion := len(infos) + 1
		t.sections = append(t.sections, section.New(identifier, fmt.Sprintf("%s/%d", identifier, nextVersion), nextVersion))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transaction) current() *section.Section {
	return t.sections[len(t.sections)-1]
}

// log returns a logger correlated to this transaction's identifier, pulling
// any additional tx_id already on ctx through first (§10: every commit,
// rollback and reset is logged with the transaction identifier).
func (t *Transaction) log(ctx context.Context) *slog.Logger {
	return pkglogger.FromContext(ctx, t.logger).With("transaction", t.Identifier)
}

// Sections returns every section, oldest first, including the current one.
func (t *Transaction) Sections() []*section.Section {
	return t.sections
}

// BeginSection starts a fresh current section on top of the existing ones,
// used when a transaction block is retried without discarding prior history.
func (t *Transaction) BeginSection() {
	version := t.current().SavepointVersion + 1
	t.sections = append(t.sections, section.New(t.Identifier, fmt.Sprintf("%s/%d", t.Identifier, version), version))
}

// splitObjectKey splits "<class_name>/<object_id>" into its parts.
func splitObjectKey(objectKey string) (className, objectID string) {
	if i := strings.Index(objectKey, "/"); i >= 0 {
		return objectKey[:i], objectKey[i+1:]
	}
	return objectKey, ""
}

// attrTrack is the latest-seen state for one attribute key as of some point
// in the chronological entry scan; seq orders it against the other kinds.
type attrTrack struct {
	objectKey string
	newObject bool
	value     any
	method    string
	seq       int
}

// txState is a snapshot of the transaction's combined read/write/override/
// veto state, derived by a single forward scan over every section's entries
// in chronological order (§3's ordering).
type txState struct {
	reads     map[string]attrTrack
	writes    map[string]attrTrack
	overrides map[string]attrTrack
	vetoes    map[string]int // attributeKey -> seq of the latest veto
}

func (t *Transaction) deriveState() txState {
	st := txState{
		reads:     make(map[string]attrTrack),
		writes:    make(map[string]attrTrack),
		overrides: make(map[string]attrTrack),
		vetoes:    make(map[string]int),
	}
	seq := 0
	for _, s := range t.sections {
		for _, e := range s.Entries() {
			seq++
			switch e.Kind {
			case logentry.KindAttributeRead:
				st.reads[e.AttributeKey] = attrTrack{objectKey: e.ObjectKey, newObject: e.NewObject, value: e.Value, method: e.Method, seq: seq}
			case logentry.KindAttributeChange:
				st.writes[e.AttributeKey] = attrTrack{objectKey: e.ObjectKey, newObject: e.NewObject, value: e.NewValue, method: e.Method, seq: seq}
			case logentry.KindReadIntegrityOverride:
				st.overrides[e.AttributeKey] = attrTrack{value: e.ExternalValue, seq: seq}
			case logentry.KindAttributeChangeVeto:
				st.vetoes[e.AttributeKey] = seq
			}
		}
	}
	return st
}

func (st txState) attributeChanged(attrKey string) bool {
	w, ok := st.writes[attrKey]
	if !ok {
		return false
	}
	if v, ok := st.vetoes[attrKey]; ok && v > w.seq {
		return false
	}
	return true
}

func (st txState) overrideValidFor(attrKey string, live any) bool {
	ov, ok := st.overrides[attrKey]
	if !ok {
		return false
	}
	if r, ok := st.reads[attrKey]; ok && ov.seq <= r.seq {
		return false
	}
	return ov.value == live
}

// AttributeValue is attribute_value(attr): the newest write-set value across
// every section, if this transaction has ever written the attribute.
func (t *Transaction) AttributeValue(attributeKey string) (any, bool) {
	w, ok := t.deriveState().writes[attributeKey]
	if !ok {
		return nil, false
	}
	return w.value, true
}

// AttributeChanged is attribute_value?(attr): true iff a write exists and no
// later veto covers it.
func (t *Transaction) AttributeChanged(attributeKey string) bool {
	return t.deriveState().attributeChanged(attributeKey)
}

// ReadAttributeValue is read_attribute_value(attr): the newest read-set value
// across every section.
func (t *Transaction) ReadAttributeValue(attributeKey string) (any, bool) {
	r, ok := t.deriveState().reads[attributeKey]
	return r.value, ok
}

// ReadIntegrityOverrideValid is read_integrity_override?(attr, external):
// true iff the latest override postdates the latest read and matches external.
func (t *Transaction) ReadIntegrityOverrideValid(attributeKey string, externalValue any) bool {
	return t.deriveState().overrideValidFor(attributeKey, externalValue)
}

// AttributeChangeVetoed is attribute_change_veto?(attr): true iff the latest
// veto postdates the latest change.
func (t *Transaction) AttributeChangeVetoed(attributeKey string) bool {
	st := t.deriveState()
	w, hasWrite := st.writes[attributeKey]
	v, hasVeto := st.vetoes[attributeKey]
	return hasWrite && hasVeto && v > w.seq
}

// VerifyAttributeIntegrity implements verify_attribute_integrity! (§4.E).
// force skips the instant_read_integrity_fail gate, as commit does for every
// attribute in the combined read set.
func (t *Transaction) VerifyAttributeIntegrity(ctx context.Context, attributeKey string, force bool) error {
	st := t.deriveState()

	track, everRead := st.reads[attributeKey]
	if !everRead {
		return nil
	}
	if !force && !t.instantReadIntegrityFail {
		return nil
	}
	if track.newObject {
		return nil
	}

	className, objectID := splitObjectKey(track.objectKey)
	lookup, err := t.cfg.LookupMethod(className)
	if err != nil {
		return err
	}
	obj, err := lookup(ctx, objectID)
	if err != nil {
		return fmt.Errorf("transaction: looking up %s: %w", track.objectKey, err)
	}

	live, err := t.cfg.Invoke(ctx, className, obj, track.method)
	if err != nil {
		return fmt.Errorf("transaction: reading %s: %w", attributeKey, err)
	}
	if live == track.value {
		return nil
	}

	if st.overrideValidFor(attributeKey, live) {
		return nil
	}

	if st.attributeChanged(attributeKey) {
		w := st.writes[attributeKey]
		return &WriteClashError{
			tx: t, objectKey: track.objectKey, attributeKey: attributeKey, newObject: track.newObject, method: track.method,
			OurValue: w.value, ExternalValue: live,
		}
	}
	return &ReadIntegrityError{
		tx: t, objectKey: track.objectKey, attributeKey: attributeKey, newObject: track.newObject, method: track.method,
		LastReadValue: track.value, ExternalValue: live,
	}
}

// FatefulObjectKeys returns every object key carrying at least one persisted
// entry, excluding objects born in this transaction, in order of first
// appearance in the log (§4.H's Fateful query). Commit sorts this list
// before acquiring locks.
func (t *Transaction) FatefulObjectKeys() []string {
	seen := make(map[string]bool)
	isNew := make(map[string]bool)
	var order []string
	for _, s := range t.sections {
		for _, e := range s.Entries() {
			if e.NewObject {
				isNew[e.ObjectKey] = true
			}
			if e.ShouldPersist() && !seen[e.ObjectKey] {
				seen[e.ObjectKey] = true
				order = append(order, e.ObjectKey)
			}
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		if !isNew[k] {
			out = append(out, k)
		}
	}
	return out
}

func (t *Transaction) withObjectLocksChain(ctx context.Context, keys []string, fn func(context.Context) error) error {
	if len(keys) == 0 {
		return fn(ctx)
	}
	return t.adapter.WithObjectLock(ctx, keys[0], false, func(ctx context.Context) error {
		return t.withObjectLocksChain(ctx, keys[1:], fn)
	})
}

func (t *Transaction) resolveLive(ctx context.Context, objectKey string, cache map[string]any) (any, error) {
	if obj, ok := cache[objectKey]; ok {
		return obj, nil
	}
	className, objectID := splitObjectKey(objectKey)
	lookup, err := t.cfg.LookupMethod(className)
	if err != nil {
		return nil, err
	}
	obj, err := lookup(ctx, objectID)
	if err != nil {
		return nil, fmt.Errorf("transaction: looking up %s: %w", objectKey, err)
	}
	cache[objectKey] = obj
	return obj, nil
}

// Commit implements the commit! protocol (§4.E, §5): acquire the transaction
// lock, lock every fateful object in sorted order (failing fast, suspend=
// false, releasing whatever was already held), revalidate the combined read
// set, apply every section's log entries in version order, then reset the
// transaction's durable state.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.adapter.WithTransactionLock(ctx, t.Identifier, true, func(ctx context.Context) error {
		fateful := t.FatefulObjectKeys()
		sorted := append([]string(nil), fateful...)
		sort.Strings(sorted)

		return t.withObjectLocksChain(ctx, sorted, func(ctx context.Context) error {
			st := t.deriveState()
			for attrKey := range st.reads {
				if err := t.VerifyAttributeIntegrity(ctx, attrKey, true); err != nil {
					return err
				}
			}

			objCache := make(map[string]any)
			for _, s := range t.sections {
				err := s.ApplyLogEntries(ctx, func(ctx context.Context, e *logentry.LogEntry) error {
					obj, err := t.resolveLive(ctx, e.ObjectKey, objCache)
					if err != nil {
						return err
					}

					// A change is suppressed iff a later veto covers its attribute
					// across the *whole* transaction (st.attributeChanged), not
					// whether a veto happened to precede it in the apply scan —
					// §4.C's "change, unless a later veto" is a trailing condition.
					vetoed := e.Kind == logentry.KindAttributeChange && !st.attributeChanged(e.AttributeKey)
					return e.Apply(ctx, t.cfg.Invoke, obj, vetoed)
				})
				if err != nil {
					t.log(ctx).Error("commit failed applying section", "savepoint", s.Savepoint, "error", err)
					return fmt.Errorf("transaction: applying %s: %w", s.Savepoint, err)
				}
			}

			t.Committed = true
			if err := t.adapter.ResetTransaction(ctx, t.Identifier); err != nil {
				return err
			}
			t.log(ctx).Info("transaction committed", "sections", len(t.sections))
			return nil
		})
	})
}

// Persist flushes the current section's pending entries to the adapter
// (§4.B/§4.D), assigning them durable EntryIDs.
func (t *Transaction) Persist(ctx context.Context) error {
	cur := t.current()
	records, err := cur.PendingRecords()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	return t.adapter.WithTransactionLock(ctx, t.Identifier, true, func(ctx context.Context) error {
		for _, rec := range records {
			if err := t.adapter.Enqueue(ctx, rec); err != nil {
				return err
			}
		}
		persisted, err := t.adapter.Persist(ctx, t.Identifier, cur.Savepoint)
		if err != nil {
			return err
		}
		entries := make([]*logentry.LogEntry, 0, len(persisted))
		for _, rec := range persisted {
			e, err := logentry.FromRecord(rec)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		cur.MarkPersisted(entries)
		return nil
	})
}

// Rollback discards the current section, provided it was never persisted
// (§4.E) — the savepoint preceding it, if any, is untouched.
func (t *Transaction) Rollback() error {
	cur := t.current()
	if cur.Persisted {
		return nil
	}
	err := cur.Reset()
	t.log(context.Background()).Info("section rolled back", "savepoint", cur.Savepoint, "error", err)
	return err
}

// ResetTransaction discards every persisted section for this transaction and
// clears all in-memory state (§4.E's Reset).
func (t *Transaction) ResetTransaction(ctx context.Context) error {
	if err := t.adapter.ResetTransaction(ctx, t.Identifier); err != nil {
		return err
	}
	t.sections = nil
	t.log(ctx).Info("transaction reset")
	return nil
}

func (t *Transaction) logReadIntegrityOverride(objectKey, attributeKey string, newObject bool, externalValue any, updateValue bool, method string) {
	t.current().LogReadIntegrityOverride(objectKey, attributeKey, newObject, externalValue, updateValue, method)
}

func (t *Transaction) logAttributeChangeVeto(objectKey, attributeKey string, newObject bool, externalValue any, method string) {
	t.current().LogAttributeChangeVeto(objectKey, attributeKey, newObject, externalValue, method)
}

// LogAttributeRead records an attribute read on the current section.
func (t *Transaction) LogAttributeRead(objectKey, attributeKey string, newObject bool, value any, method string) {
	t.current().LogAttributeRead(objectKey, attributeKey, newObject, value, method)
}

// LogAttributeChange records an attribute write on the current section,
// determining hadPriorRead from the whole transaction's history rather than
// just the current section's (only the Transaction can see across sections).
// readMethod is the reader name used if a synthetic prior-read entry must be
// emitted; method is the writer name recorded on the change entry itself.
func (t *Transaction) LogAttributeChange(objectKey, attributeKey string, newObject bool, old, new any, readMethod, method string) {
	_, hadPriorRead := t.deriveState().reads[attributeKey]
	t.current().LogAttributeChange(objectKey, attributeKey, newObject, hadPriorRead, old, new, readMethod, method)
}

// LogObjectInitialization records that objectKey was born in this transaction.
func (t *Transaction) LogObjectInitialization(objectKey, method string) {
	t.current().LogObjectInitialization(objectKey, method)
}

// LogObjectPersistence records a persistence call on the current section.
func (t *Transaction) LogObjectPersistence(objectKey string, newObject bool, method string, args ...any) {
	t.current().LogObjectPersistence(objectKey, newObject, method, args...)
}

// LogObjectDestruction records a destruction call on the current section.
func (t *Transaction) LogObjectDestruction(objectKey string, newObject bool, method string) {
	t.current().LogObjectDestruction(objectKey, newObject, method)
}

// Entries flattens every section's entries, oldest first.
func (t *Transaction) Entries() []*logentry.LogEntry {
	var all []*logentry.LogEntry
	for _, s := range t.sections {
		all = append(all, s.Entries()...)
	}
	return all
}

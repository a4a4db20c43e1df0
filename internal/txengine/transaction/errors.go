package transaction

import (
	"errors"
	"fmt"
)

// Control-flow sentinels (§6, §7): never true application errors, these unwind
// a transaction block. They are returned by the block (ErrRollback, ErrReset
// and ErrRetry also by the Rollback/Reset/Retry methods of ReadIntegrityError
// and WriteClashError), and are absorbed by the Manager — they must never leak
// past Manager.WithTransaction.
var (
	ErrRollback         = errors.New("txengine: rollback")
	ErrReset            = errors.New("txengine: reset")
	ErrRetry            = errors.New("txengine: retry")
	ErrCommit           = errors.New("txengine: commit")
	ErrAbortTransaction = errors.New("txengine: abort transaction")
)

// ReadIntegrityError is raised by VerifyAttributeIntegrity when an attribute
// this transaction only read (never wrote) changed externally since the read
// (§4.E step 8). It carries a resolution handle back to the transaction.
type ReadIntegrityError struct {
	tx           *Transaction
	objectKey    string
	attributeKey string
	newObject    bool
	method       string // reader method VerifyAttributeIntegrity re-invoked to detect this

	LastReadValue any
	ExternalValue any
}

func (e *ReadIntegrityError) Error() string {
	return fmt.Sprintf("read integrity violation on %s: last_read=%v external=%v",
		e.attributeKey, e.LastReadValue, e.ExternalValue)
}

// Retry signals the transaction block should abort, roll back and restart.
func (e *ReadIntegrityError) Retry() error { return ErrRetry }

// Rollback signals the current (unpersisted) section should be discarded.
func (e *ReadIntegrityError) Rollback() error { return ErrRollback }

// Reset signals the whole transaction should be discarded.
func (e *ReadIntegrityError) Reset() error { return ErrReset }

// Continue resumes the original call site with a substitute value instead of
// the value that triggered the error (§9's stand-in for the source's
// continuation-based continue!).
func (e *ReadIntegrityError) Continue(substitute any) any { return substitute }

// Ignore records a read-integrity override acknowledging the external value;
// when updateValue is true, subsequent reads in this section observe it.
func (e *ReadIntegrityError) Ignore(updateValue bool) {
	e.tx.logReadIntegrityOverride(e.objectKey, e.attributeKey, e.newObject, e.ExternalValue, updateValue, e.method)
}

// WriteClashError is raised when an attribute this transaction both read and
// wrote changed externally since the read (§4.E step 7).
type WriteClashError struct {
	tx           *Transaction
	objectKey    string
	attributeKey string
	newObject    bool
	method       string // reader method VerifyAttributeIntegrity re-invoked to detect this

	OurValue      any
	ExternalValue any
}

func (e *WriteClashError) Error() string {
	return fmt.Sprintf("write clash on %s: our=%v external=%v", e.attributeKey, e.OurValue, e.ExternalValue)
}

func (e *WriteClashError) Retry() error               { return ErrRetry }
func (e *WriteClashError) Rollback() error             { return ErrRollback }
func (e *WriteClashError) Reset() error                { return ErrReset }
func (e *WriteClashError) Continue(substitute any) any { return substitute }

// UseOurs keeps this transaction's change, acknowledging the external value
// (equivalent to Ignore, per §6).
func (e *WriteClashError) UseOurs() {
	e.tx.logReadIntegrityOverride(e.objectKey, e.attributeKey, e.newObject, e.ExternalValue, false, e.method)
}

// UseTheirs discards this transaction's change by vetoing it, so commit will
// not invoke the writer for this attribute.
func (e *WriteClashError) UseTheirs() {
	e.tx.logAttributeChangeVeto(e.objectKey, e.attributeKey, e.newObject, e.ExternalValue, e.method)
}

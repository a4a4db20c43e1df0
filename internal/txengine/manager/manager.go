// Package manager implements the Transaction Manager (§4.F): a context-scoped
// stack of transactions and the control-flow dispatch around running a block
// of application code against one of them.
package manager

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/txproxy/txproxy/internal/storage"
	"github.com/txproxy/txproxy/internal/txengine/configurator"
	"github.com/txproxy/txproxy/internal/txengine/transaction"
	pkglogger "github.com/txproxy/txproxy/pkg/logger"
)

// Manager owns the stack of transactions active on one logical call path. It
// is never a package-level singleton — one is created per root context via
// EnsureManager and threaded through context.Context from there on (§4.F).
type Manager struct {
	mu    sync.Mutex
	stack []*transaction.Transaction

	adapter                  storage.Adapter
	cfg                      *configurator.Configurator
	logger                   *slog.Logger
	instantReadIntegrityFail bool
}

// New creates a Manager backed by adapter/cfg. Most callers want
// EnsureManager instead, to respect the "at most one manager per root
// context" invariant.
func New(adapter storage.Adapter, cfg *configurator.Configurator, logger *slog.Logger, instantReadIntegrityFail bool) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{adapter: adapter, cfg: cfg, logger: logger, instantReadIntegrityFail: instantReadIntegrityFail}
}

type contextKey struct{}

// FromContext returns the Manager attached to ctx, if any.
func FromContext(ctx context.Context) (*Manager, bool) {
	m, ok := ctx.Value(contextKey{}).(*Manager)
	return m, ok
}

// WithManager returns a context carrying m.
func WithManager(ctx context.Context, m *Manager) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// EnsureManager returns ctx unchanged (and its existing Manager) if one is
// already attached; otherwise it creates one and returns a derived context
// carrying it. This is what gives a root context at most one manager (§4.F).
func EnsureManager(ctx context.Context, adapter storage.Adapter, cfg *configurator.Configurator, logger *slog.Logger, instantReadIntegrityFail bool) (context.Context, *Manager) {
	if m, ok := FromContext(ctx); ok {
		return ctx, m
	}
	m := New(adapter, cfg, logger, instantReadIntegrityFail)
	return WithManager(ctx, m), m
}

// Current returns the innermost transaction on ctx's manager's stack, if any
// — how the Object Proxy (§4.G) finds the transaction to log against without
// it being threaded explicitly through every call.
func Current(ctx context.Context) (*transaction.Transaction, bool) {
	m, ok := FromContext(ctx)
	if !ok {
		return nil, false
	}
	return m.Top()
}

func (m *Manager) push(tx *transaction.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stack = append(m.stack, tx)
}

func (m *Manager) pop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stack = m.stack[:len(m.stack)-1]
}

// Top returns the innermost transaction currently pushed, if any.
func (m *Manager) Top() (*transaction.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) == 0 {
		return nil, false
	}
	return m.stack[len(m.stack)-1], true
}

func runProtected(ctx context.Context, tx *transaction.Transaction, fn func(context.Context, *transaction.Transaction) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	return fn(ctx, tx)
}

// WithTransaction pushes the transaction named identifier (creating or
// resuming it), runs fn, and dispatches on the control-flow signal it returns
// or panics with (§4.F). When identifier is empty a fresh one is generated
// (google/uuid), since a transaction with no prior persisted state has
// nothing to resume by name; the identifier actually used — supplied or
// generated — is always returned alongside the error.
//
//   - transaction.ErrRollback: roll back the current section, absorb.
//   - transaction.ErrReset: reset the whole transaction, absorb.
//   - transaction.ErrRetry: roll back the current section, restart fn.
//   - transaction.ErrCommit: run the commit protocol, absorb.
//   - transaction.ErrAbortTransaction: absorb without touching the
//     transaction's state — it only exits fn.
//   - a *transaction.ReadIntegrityError/*transaction.WriteClashError escaping
//     unresolved, or any other error: reset the transaction, re-raise.
//   - nil, transaction not yet committed: persist the current section
//     (rolling it back if persistence itself fails).
func (m *Manager) WithTransaction(ctx context.Context, identifier string, fn func(ctx context.Context, tx *transaction.Transaction) error) (string, error) {
	if identifier == "" {
		identifier = uuid.NewString()
	}
	ctx = pkglogger.WithTxID(ctx, identifier)
	ctx = WithManager(ctx, m)

	for {
		tx, err := transaction.Open(ctx, identifier, m.adapter, m.cfg, m.logger, m.instantReadIntegrityFail)
		if err != nil {
			return identifier, err
		}

		m.push(tx)
		runErr := runProtected(ctx, tx, fn)
		m.pop()

		switch {
		case runErr == nil:
			if tx.Committed {
				return identifier, nil
			}
			if perr := tx.Persist(ctx); perr != nil {
				_ = tx.Rollback()
				return identifier, perr
			}
			return identifier, nil

		case runErr == transaction.ErrRollback:
			return identifier, tx.Rollback()

		case runErr == transaction.ErrReset:
			return identifier, tx.ResetTransaction(ctx)

		case runErr == transaction.ErrRetry:
			if rerr := tx.Rollback(); rerr != nil {
				return identifier, rerr
			}
			pkglogger.FromContext(ctx, m.logger).Info("transaction retrying")
			continue

		case runErr == transaction.ErrCommit:
			return identifier, tx.Commit(ctx)

		case runErr == transaction.ErrAbortTransaction:
			return identifier, nil

		default:
			if rerr := tx.ResetTransaction(ctx); rerr != nil {
				pkglogger.FromContext(ctx, m.logger).Error("reset after error failed", "original_error", runErr, "reset_error", rerr)
			}
			return identifier, runErr
		}
	}
}

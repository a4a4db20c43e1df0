package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/txproxy/txproxy/internal/storage"
)

// FileLock implements storage.LockProvider using OS advisory file locks
// (gofrs/flock), the Lite profile's lock mechanism for a single machine with
// a shared filesystem — no database or Redis instance required.
type FileLock struct {
	dir string

	mu    sync.Mutex
	locks map[string]*flock.Flock

	pollInterval time.Duration
}

// NewFileLock creates a lock provider rooted at dir; dir is created if absent
// (a failure to create it surfaces when a lock is first taken).
func NewFileLock(dir string) *FileLock {
	_ = os.MkdirAll(dir, 0o700)
	return &FileLock{
		dir:          dir,
		locks:        make(map[string]*flock.Flock),
		pollInterval: 25 * time.Millisecond,
	}
}

func (f *FileLock) lockFor(kind storage.LockKind, name string) *flock.Flock {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := string(kind) + "/" + name
	fl, ok := f.locks[key]
	if !ok {
		path := filepath.Join(f.dir, fmt.Sprintf("%s_%s.lock", kind, sanitize(name)))
		fl = flock.New(path)
		f.locks[key] = fl
	}
	return fl
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '/' || r == '\\' || r == ' ' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func (f *FileLock) withLock(ctx context.Context, kind storage.LockKind, name string, suspend bool, fn func(context.Context) error) error {
	fl := f.lockFor(kind, name)

	if !suspend {
		ok, err := fl.TryLock()
		if err != nil {
			return &storage.LockError{Kind: kind, Name: name, Cause: err}
		}
		if !ok {
			return &storage.LockError{Kind: kind, Name: name, Cause: fmt.Errorf("lock held by another process")}
		}
		defer fl.Unlock()
		return fn(ctx)
	}

	locked, err := fl.TryLockContext(ctx, f.pollInterval)
	if err != nil {
		return &storage.LockError{Kind: kind, Name: name, Cause: err}
	}
	if !locked {
		return &storage.LockError{Kind: kind, Name: name, Cause: ctx.Err()}
	}
	defer fl.Unlock()
	return fn(ctx)
}

func (f *FileLock) WithGlobalLock(ctx context.Context, suspend bool, fn func(context.Context) error) error {
	return f.withLock(ctx, storage.LockKindGlobal, "global", suspend, fn)
}

func (f *FileLock) WithTransactionLock(ctx context.Context, txID string, suspend bool, fn func(context.Context) error) error {
	return f.withLock(ctx, storage.LockKindTransaction, txID, suspend, fn)
}

func (f *FileLock) WithObjectLock(ctx context.Context, objectKey string, suspend bool, fn func(context.Context) error) error {
	return f.withLock(ctx, storage.LockKindObject, objectKey, suspend, fn)
}

var _ storage.LockProvider = (*FileLock)(nil)

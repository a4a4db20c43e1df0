package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/txproxy/txproxy/internal/storage"
	"github.com/txproxy/txproxy/internal/storage/sqlite"
)

func TestFileLockNonSuspendingFailsWhenHeld(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	lockA := sqlite.NewFileLock(dir)
	lockB := sqlite.NewFileLock(dir)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = lockA.WithObjectLock(ctx, "User/1", true, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := lockB.WithObjectLock(ctx, "User/1", false, func(context.Context) error { return nil })
	require.Error(t, err)
	var lockErr *storage.LockError
	require.ErrorAs(t, err, &lockErr)
	require.Equal(t, storage.LockKindObject, lockErr.Kind)

	close(release)
}

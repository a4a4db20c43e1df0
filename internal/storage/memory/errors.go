package memory

import "errors"

var (
	errAlreadyEnqueued = errors.New("entry already enqueued for this section")
	errLockHeld        = errors.New("lock is currently held")
)

// Package sync provides the spinlock used to serialize structural changes to
// the memory manager's shared state.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinAttemptsBeforeYield is the number of failed acquisition attempts after
// which a waiting task gives up its time slice.
const spinAttemptsBeforeYield = 64

var (
	// yieldFn is invoked while spinning; tests may replace it.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempt++ {
		if attempt%spinAttemptsBeforeYield == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

package vm

import (
	"sync"

	"github.com/sasha-s/go-deadlock"
)

// VMAccess is the token compile threads hold while they look at VM state.
// Any number of compile threads share it; stop-the-world operations such
// as class unloading take it exclusively. A compile thread must release it
// before it blocks on the network.
type VMAccess struct {
	mu sync.RWMutex
}

// Acquire takes shared access. It waits for any pending exclusive holder.
func (a *VMAccess) Acquire() { a.mu.RLock() }

// Release drops shared access.
func (a *VMAccess) Release() { a.mu.RUnlock() }

// AcquireExclusive stops the world: it waits until every compile thread
// has released its shared access.
func (a *VMAccess) AcquireExclusive() { a.mu.Lock() }

// ReleaseExclusive resumes the world.
func (a *VMAccess) ReleaseExclusive() { a.mu.Unlock() }

// ConfigureDeadlockDetection switches lock-order and timeout checking on
// the class table lock on or off. It must be called before any VM is
// created.
func ConfigureDeadlockDetection(enabled bool) {
	deadlock.Opts.Disable = !enabled
}

package store

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrLockTimeout reports a load that exceeded its lock acquisition timeout.
// The error names the current holder and its acquisition call stack so
// leaked locks can be diagnosed; the caller may retry. The sentinel sits in
// the Unwrap chain, so plain errors.Is classification works.
var ErrLockTimeout = errors.New("timed out waiting for instance lock")

// locks holds one instance lock per store id for the whole process, so
// every Store handle opened for the same id contends on the same lock.
var locks = xsync.NewMapOf[string, *instanceLock]()

func lockForId(id string) *instanceLock {
	l, _ := locks.LoadOrCompute(id, newInstanceLock)
	return l
}

// lockHolder records who holds the instance lock and where it was taken.
type lockHolder struct {
	owner      string
	acquiredAt time.Time
	stack      string
}

// instanceLock serializes access to one store instance's working directory
// and engine handle. At most one holder exists at a time; acquisition
// blocks up to a timeout and then fails with holder diagnostics.
type instanceLock struct {
	sem chan struct{}

	mu     sync.Mutex
	holder *lockHolder
}

func newInstanceLock() *instanceLock {
	return &instanceLock{sem: make(chan struct{}, 1)}
}

func (l *instanceLock) setHolder(owner string) {
	l.mu.Lock()
	l.holder = &lockHolder{
		owner:      owner,
		acquiredAt: time.Now(),
		stack:      string(debug.Stack()),
	}
	l.mu.Unlock()
}

// acquire blocks up to timeout for the lock.
func (l *instanceLock) acquire(owner string, timeout time.Duration) error {
	select {
	case l.sem <- struct{}{}:
		l.setHolder(owner)
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.sem <- struct{}{}:
		l.setHolder(owner)
		return nil
	case <-timer.C:
		l.mu.Lock()
		h := l.holder
		l.mu.Unlock()
		if h == nil {
			// Holder released between the timeout firing and this read.
			return errors.Wrapf(ErrLockTimeout, "gave up after %s", timeout)
		}
		return errors.Wrapf(ErrLockTimeout,
			"gave up after %s; held by %q since %s, acquired at:\n%s",
			timeout, h.owner, h.acquiredAt.Format(time.RFC3339Nano), h.stack)
	}
}

// tryAcquire takes the lock only if it is free. Used by the maintenance
// scheduler, which must never block a writer.
func (l *instanceLock) tryAcquire(owner string) bool {
	select {
	case l.sem <- struct{}{}:
		l.setHolder(owner)
		return true
	default:
		return false
	}
}

func (l *instanceLock) release() {
	l.mu.Lock()
	held := l.holder != nil
	l.holder = nil
	l.mu.Unlock()
	if held {
		<-l.sem
	}
}

func (l *instanceLock) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder != nil
}

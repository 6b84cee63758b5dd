package locktree

import (
	"context"
	"time"

	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/ValentinKolb/locktree/lib/txnid"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// LockType selects shared or exclusive access.
type LockType int

const (
	ReadLock LockType = iota
	WriteLock
)

func (t LockType) String() string {
	if t == WriteLock {
		return "write"
	}
	return "read"
}

// State is the lifecycle state of a LockRequest.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StatePending
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StatePending:
		return "pending"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// RequestHooks lets tests run code at fixed points of a request's life.
type RequestHooks struct {
	// BeforeRegister runs in Start after the attempt failed and before the
	// request is registered as pending, while the pending set is locked.
	BeforeRegister func()
	// AfterGranted runs after a retry pass granted the request.
	AfterGranted func()
}

// RequestOption configures a LockRequest.
type RequestOption func(*LockRequest)

// WithTestHooks installs hooks.
func WithTestHooks(hooks RequestHooks) RequestOption {
	return func(r *LockRequest) {
		r.hooks = hooks
	}
}

// WithDeadlockCallback registers fn to be called with the requesting
// transaction whenever Start refuses the request because of a deadlock.
func WithDeadlockCallback(fn func(id txnid.TxnID)) RequestOption {
	return func(r *LockRequest) {
		r.onDeadlock = fn
	}
}

// WithBigTxn marks the requesting transaction as big; see
// Locktree.AcquireWriteLock.
func WithBigTxn(big bool) RequestOption {
	return func(r *LockRequest) {
		r.bigTxn = big
	}
}

// --------------------------------------------------------------------------
// Lock request
// --------------------------------------------------------------------------

// LockRequest acquires one lock, waiting for conflicting locks to go away if
// needed. The typical sequence is Set, Start and, if Start returned
// ErrLockNotGranted, Wait.
//
// Thread-safety: a request is driven by one goroutine. Retry passes of other
// goroutines complete it concurrently.
type LockRequest struct {
	lt   *Locktree
	info *lockRequestInfo

	txnid      txnid.TxnID
	left       keyrange.Key
	right      keyrange.Key
	typ        LockType
	bigTxn     bool
	keysCopied bool

	// guarded by info.mu once the request is pending
	state            State
	conflictingTxnid txnid.TxnID
	completeErr      error
	done             chan struct{}
	startTime        time.Time

	hooks      RequestHooks
	onDeadlock func(id txnid.TxnID)
}

// NewLockRequest returns an uninitialized request.
func NewLockRequest(opts ...RequestOption) *LockRequest {
	r := &LockRequest{state: StateUninitialized}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Less orders requests by transaction id in the pending set.
func (r *LockRequest) Less(than btree.Item) bool {
	return r.txnid < pendingKeyOf(than)
}

// Set records what to lock. With copyKeys the keys are copied, otherwise they
// must stay valid until the request completes or starts waiting.
func (r *LockRequest) Set(lt *Locktree, id txnid.TxnID, left, right keyrange.Key, typ LockType, copyKeys bool) {
	if r.state == StatePending {
		panic(errors.AssertionFailedf("lock request of txn %s reset while pending", r.txnid))
	}
	r.lt = lt
	r.info = &lt.reqs
	r.txnid = id
	r.left, r.right = left, right
	r.typ = typ
	r.keysCopied = false
	r.conflictingTxnid = txnid.None
	r.completeErr = nil
	r.done = nil
	if copyKeys {
		r.copyKeys()
	}
	r.state = StateInitialized
}

func (r *LockRequest) copyKeys() {
	if r.keysCopied {
		return
	}
	r.left = r.left.Copy()
	r.right = r.right.Copy()
	r.keysCopied = true
}

// TxnID returns the requesting transaction.
func (r *LockRequest) TxnID() txnid.TxnID {
	return r.txnid
}

// Type returns the requested lock type.
func (r *LockRequest) Type() LockType {
	return r.typ
}

// State returns the current state.
func (r *LockRequest) State() State {
	if r.info == nil {
		return r.state
	}
	r.info.mu.Lock()
	defer r.info.mu.Unlock()
	return r.state
}

// CompletionError returns the result of a complete request.
func (r *LockRequest) CompletionError() error {
	if r.info == nil {
		return r.completeErr
	}
	r.info.mu.Lock()
	defer r.info.mu.Unlock()
	return r.completeErr
}

// ConflictingTxnID returns the first transaction found blocking the request,
// or txnid.None.
func (r *LockRequest) ConflictingTxnID() txnid.TxnID {
	if r.info == nil {
		return r.conflictingTxnid
	}
	r.info.mu.Lock()
	defer r.info.mu.Unlock()
	return r.conflictingTxnid
}

// Start tries to take the lock. It returns nil when granted, ErrDeadlock when
// waiting would close a cycle of waiting transactions, and ErrLockNotGranted
// when the request is now pending and must be waited for. Other errors
// (ErrOutOfLocks) complete the request as well.
func (r *LockRequest) Start() error {
	if r.state != StateInitialized {
		panic(errors.AssertionFailedf("lock request of txn %s started in state %s", r.txnid, r.state))
	}
	info := r.info
	info.starting.Add(1)
	info.mu.Lock()
	unlock := func() {
		info.starting.Add(-1)
		info.mu.Unlock()
	}

	var conflicts txnid.Set
	first, err := r.lt.acquireLock(r.typ == WriteLock, r.txnid, r.left, r.right, &conflicts, r.bigTxn)
	if !errors.Is(err, ErrLockNotGranted) {
		r.complete(err)
		unlock()
		return err
	}

	if r.hooks.BeforeRegister != nil {
		r.hooks.BeforeRegister()
	}
	r.copyKeys()
	r.conflictingTxnid = first
	r.state = StatePending
	r.startTime = time.Now()
	r.done = make(chan struct{})
	info.insert(r)

	if r.deadlockExists(&conflicts) {
		info.remove(r)
		r.complete(ErrDeadlock)
		unlock()

		r.lt.stats.deadlockCount.Inc()
		Logger.Debugf("locktree %d: deadlock detected for txn %s waiting on %s", r.lt.dictID, r.txnid, first)
		if r.onDeadlock != nil {
			r.onDeadlock(r.txnid)
		}
		return ErrDeadlock
	}
	unlock()

	r.lt.stats.waitCount.Inc()
	return ErrLockNotGranted
}

// Wait blocks until the request is granted or timeoutMs milliseconds have
// passed. On timeout the request is withdrawn and ErrLockNotGranted returned.
// A complete request returns its result at once.
func (r *LockRequest) Wait(timeoutMs uint64) error {
	return r.WaitContext(context.Background(), timeoutMs)
}

// WaitContext is Wait that also gives up when ctx is done. The returned error
// then wraps both ErrLockNotGranted and the context error.
func (r *LockRequest) WaitContext(ctx context.Context, timeoutMs uint64) error {
	info := r.info
	if info == nil {
		panic(errors.AssertionFailedf("waiting on a lock request that was never set"))
	}
	info.mu.Lock()
	switch r.state {
	case StateComplete:
		err := r.completeErr
		info.mu.Unlock()
		return err
	case StatePending:
	default:
		info.mu.Unlock()
		panic(errors.AssertionFailedf("waiting on lock request of txn %s in state %s", r.txnid, r.state))
	}
	done := r.done
	info.mu.Unlock()

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	var cause error
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		cause = ctx.Err()
	}

	info.mu.Lock()
	timedOut := false
	if r.state == StatePending {
		info.remove(r)
		if cause != nil {
			r.complete(errors.Mark(errors.Wrapf(cause, "lock wait of txn %s aborted", r.txnid), ErrLockNotGranted))
		} else {
			r.complete(ErrLockNotGranted)
			timedOut = true
		}
	}
	err := r.completeErr
	info.mu.Unlock()

	r.lt.stats.noteWait(time.Since(r.startTime))
	if timedOut {
		r.lt.stats.timeoutCount.Inc()
		Logger.Debugf("locktree %d: lock wait of txn %s timed out after %dms", r.lt.dictID, r.txnid, timeoutMs)
	}
	return err
}

// Destroy drops the copied keys. It panics if the request is pending.
func (r *LockRequest) Destroy() {
	if r.State() == StatePending {
		panic(errors.AssertionFailedf("destroying pending lock request of txn %s", r.txnid))
	}
	r.left, r.right = keyrange.Key{}, keyrange.Key{}
	r.keysCopied = false
	r.lt, r.info = nil, nil
	r.state = StateUninitialized
}

// complete records the result. info.mu is held, unless the request was never
// pending.
func (r *LockRequest) complete(err error) {
	r.state = StateComplete
	r.completeErr = err
	if r.done != nil {
		close(r.done)
	}
}

// retry re-attempts a pending request. info.mu is held.
func (r *LockRequest) retry() bool {
	var conflicts txnid.Set
	first, err := r.lt.acquireLock(r.typ == WriteLock, r.txnid, r.left, r.right, &conflicts, r.bigTxn)
	if err != nil {
		if first != txnid.None {
			r.conflictingTxnid = first
		}
		return false
	}
	r.info.remove(r)
	r.complete(nil)
	if r.hooks.AfterGranted != nil {
		r.hooks.AfterGranted()
	}
	return true
}

// RetryAllLockRequests re-attempts every pending request of lt and wakes the
// ones that got their lock. It runs after locks were released.
func RetryAllLockRequests(lt *Locktree) {
	info := &lt.reqs
	if !info.shouldRetry() {
		return
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	for _, r := range info.snapshot() {
		r.retry()
	}
}

// --------------------------------------------------------------------------
// Deadlock detection
// --------------------------------------------------------------------------

// deadlockExists builds the wait-for graph reachable from r through pending
// requests of the same locktree and looks for a cycle back to r. info.mu is
// held.
func (r *LockRequest) deadlockExists(conflicts *txnid.Set) bool {
	g := newWaitForGraph()
	r.buildWaitGraph(g, conflicts)
	return g.cycleExistsFrom(r.txnid)
}

func (r *LockRequest) buildWaitGraph(g *waitForGraph, conflicts *txnid.Set) {
	conflicts.Each(func(holder txnid.TxnID) bool {
		other := r.info.find(holder)
		if other == nil {
			// the holder is not waiting, so no cycle runs through it
			return true
		}
		seen := g.nodeExists(holder)
		g.addEdge(r.txnid, holder)
		if !seen {
			var next txnid.Set
			other.lt.GetConflicts(other.typ == WriteLock, other.txnid, other.left, other.right, &next)
			other.buildWaitGraph(g, &next)
		}
		return true
	})
}

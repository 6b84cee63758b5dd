package locktree

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/ValentinKolb/locktree/lib/txnid"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

func newTestManager(t *testing.T, opts ManagerOptions) (*Manager, *Locktree) {
	t.Helper()
	m := NewManager(opts)
	lt, err := m.GetLT(1, nil, keyrange.BytewiseComparator, nil)
	if err != nil {
		t.Fatalf("GetLT failed: %v", err)
	}
	return m, lt
}

func statusValue(t *testing.T, m *Manager, name string) uint64 {
	t.Helper()
	v, ok := m.GetStatus().Get(name)
	if !ok {
		t.Fatalf("status row %s missing", name)
	}
	return v
}

func newRequest(lt *Locktree, id txnid.TxnID, left, right uint64, typ LockType, opts ...RequestOption) *LockRequest {
	r := NewLockRequest(opts...)
	r.Set(lt, id, k(left), k(right), typ, false)
	return r
}

func TestLockRequestGrantedImmediately(t *testing.T) {
	m, lt := newTestManager(t, ManagerOptions{})
	defer m.Destroy()
	defer m.ReleaseLT(lt)

	r := newRequest(lt, 1, 1, 10, WriteLock)
	if r.State() != StateInitialized {
		t.Fatalf("expected initialized request, got %s", r.State())
	}
	if err := r.Start(); err != nil {
		t.Fatalf("expected immediate grant, got %v", err)
	}
	if r.State() != StateComplete || r.CompletionError() != nil {
		t.Fatalf("expected complete request without error, got %s / %v", r.State(), r.CompletionError())
	}
	// waiting on a complete request returns its result
	if err := r.Wait(0); err != nil {
		t.Fatalf("expected nil from Wait, got %v", err)
	}
	r.Destroy()

	if n := statusValue(t, m, StatusWaitCount); n != 0 {
		t.Errorf("expected no waits, got %d", n)
	}
	lt.ReleaseLocks(1, ranges(1, 10))
}

func TestLockRequestWaitsForRelease(t *testing.T) {
	m, lt := newTestManager(t, ManagerOptions{})
	defer m.Destroy()
	defer m.ReleaseLT(lt)

	mustGrant(t, lt.AcquireWriteLock(1, k(5), k(5), nil, false))

	r := newRequest(lt, 2, 5, 5, ReadLock)
	defer r.Destroy()
	if err := r.Start(); !errors.Is(err, ErrLockNotGranted) {
		t.Fatalf("expected ErrLockNotGranted from Start, got %v", err)
	}
	if r.State() != StatePending {
		t.Fatalf("expected pending request, got %s", r.State())
	}
	if r.ConflictingTxnID() != 1 {
		t.Errorf("expected txn 1 to block the request, got %s", r.ConflictingTxnID())
	}
	if n := statusValue(t, m, StatusLockRequestsPending); n != 1 {
		t.Errorf("expected 1 pending request, got %d", n)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Wait(10000)
	}()

	time.Sleep(20 * time.Millisecond)
	lt.ReleaseLocks(1, ranges(5, 5))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected lock to be granted after release, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("waiter was not woken by the release")
	}
	if r.State() != StateComplete {
		t.Errorf("expected complete request, got %s", r.State())
	}
	if n := statusValue(t, m, StatusWaitCount); n != 1 {
		t.Errorf("expected 1 wait, got %d", n)
	}
	if n := statusValue(t, m, StatusLockRequestsPending); n != 0 {
		t.Errorf("expected no pending requests, got %d", n)
	}
	lt.ReleaseLocks(2, ranges(5, 5))
}

func TestLockRequestTimeout(t *testing.T) {
	m, lt := newTestManager(t, ManagerOptions{})
	defer m.Destroy()

	mustGrant(t, lt.AcquireWriteLock(1, k(1), k(1), nil, false))

	r := newRequest(lt, 2, 1, 1, WriteLock)
	if err := r.Start(); !errors.Is(err, ErrLockNotGranted) {
		t.Fatalf("expected ErrLockNotGranted from Start, got %v", err)
	}

	const timeout = 50
	start := time.Now()
	err := r.Wait(timeout)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrLockNotGranted) {
		t.Fatalf("expected ErrLockNotGranted after timeout, got %v", err)
	}
	if elapsed < timeout*time.Millisecond {
		t.Errorf("Wait returned after %s, before the %dms timeout", elapsed, timeout)
	}
	if r.State() != StateComplete {
		t.Errorf("expected complete request, got %s", r.State())
	}
	r.Destroy()

	lt.ReleaseLocks(1, ranges(1, 1))
	m.ReleaseLT(lt)

	// counters outlive the locktree
	if n := statusValue(t, m, StatusTimeoutCount); n != 1 {
		t.Errorf("expected 1 timeout, got %d", n)
	}
	if n := statusValue(t, m, StatusWaitTime); n < timeout*1000 {
		t.Errorf("expected at least %dus of waiting, got %d", timeout*1000, n)
	}
	if n := statusValue(t, m, StatusNumLocktrees); n != 0 {
		t.Errorf("expected no locktrees, got %d", n)
	}
}

func TestLockRequestContextCancel(t *testing.T) {
	m, lt := newTestManager(t, ManagerOptions{})
	defer m.Destroy()
	defer m.ReleaseLT(lt)

	mustGrant(t, lt.AcquireWriteLock(1, k(1), k(1), nil, false))

	r := newRequest(lt, 2, 1, 1, ReadLock)
	defer r.Destroy()
	if err := r.Start(); !errors.Is(err, ErrLockNotGranted) {
		t.Fatalf("expected ErrLockNotGranted from Start, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.WaitContext(ctx, 10000)
	if !errors.Is(err, ErrLockNotGranted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrLockNotGranted caused by context.Canceled, got %v", err)
	}
	if n := statusValue(t, m, StatusTimeoutCount); n != 0 {
		t.Errorf("cancellation must not count as timeout, got %d", n)
	}
	lt.ReleaseLocks(1, ranges(1, 1))
}

func TestDeadlockDetected(t *testing.T) {
	m, lt := newTestManager(t, ManagerOptions{})
	defer m.Destroy()
	defer m.ReleaseLT(lt)

	const a, b = txnid.TxnID(1), txnid.TxnID(2)
	mustGrant(t, lt.AcquireWriteLock(a, k(1), k(1), nil, false))
	mustGrant(t, lt.AcquireWriteLock(b, k(2), k(2), nil, false))

	ra := newRequest(lt, a, 2, 2, WriteLock)
	defer ra.Destroy()
	if err := ra.Start(); !errors.Is(err, ErrLockNotGranted) {
		t.Fatalf("expected a to wait for b, got %v", err)
	}

	var victim atomic.Uint64
	rb := newRequest(lt, b, 1, 1, WriteLock, WithDeadlockCallback(func(id txnid.TxnID) {
		victim.Store(uint64(id))
	}))
	defer rb.Destroy()
	if err := rb.Start(); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("expected ErrDeadlock for b, got %v", err)
	}
	if rb.State() != StateComplete {
		t.Errorf("deadlocked request must be complete, got %s", rb.State())
	}
	if txnid.TxnID(victim.Load()) != b {
		t.Errorf("expected deadlock callback for txn %s, got %d", b, victim.Load())
	}
	if n := statusValue(t, m, StatusDeadlockCount); n != 1 {
		t.Errorf("expected 1 deadlock, got %d", n)
	}

	// a keeps waiting until b is gone
	lt.ReleaseLocks(a, ranges(1, 1))
	if ra.State() != StatePending {
		t.Fatalf("a must still wait for b, got %s", ra.State())
	}
	lt.ReleaseLocks(b, ranges(2, 2))
	if err := ra.Wait(1000); err != nil {
		t.Fatalf("expected a to get the lock, got %v", err)
	}
	lt.ReleaseLocks(a, ranges(2, 2))
}

func TestDeadlockBystanderTimesOut(t *testing.T) {
	cases := []struct {
		name string
		key  uint64
		typ  LockType
	}{
		{"write held by a", 1, WriteLock},
		{"write held by b", 2, WriteLock},
		{"read held by a", 1, ReadLock},
		{"read held by b", 2, ReadLock},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m, lt := newTestManager(t, ManagerOptions{})
			defer m.Destroy()
			defer m.ReleaseLT(lt)

			const a, b, bystander = txnid.TxnID(1), txnid.TxnID(2), txnid.TxnID(3)
			mustGrant(t, lt.AcquireWriteLock(a, k(1), k(1), nil, false))
			mustGrant(t, lt.AcquireWriteLock(b, k(2), k(2), nil, false))

			ra := newRequest(lt, a, 2, 2, WriteLock)
			defer ra.Destroy()
			if err := ra.Start(); !errors.Is(err, ErrLockNotGranted) {
				t.Fatalf("expected a to wait for b, got %v", err)
			}
			rb := newRequest(lt, b, 1, 1, WriteLock)
			defer rb.Destroy()
			if err := rb.Start(); !errors.Is(err, ErrDeadlock) {
				t.Fatalf("expected ErrDeadlock for b, got %v", err)
			}

			rc := newRequest(lt, bystander, c.key, c.key, c.typ)
			defer rc.Destroy()
			if err := rc.Start(); !errors.Is(err, ErrLockNotGranted) {
				t.Fatalf("expected the third transaction to wait, got %v", err)
			}
			err := rc.Wait(20)
			if !errors.Is(err, ErrLockNotGranted) || errors.Is(err, ErrDeadlock) {
				t.Fatalf("expected a plain timeout, got %v", err)
			}
			if n := statusValue(t, m, StatusDeadlockCount); n != 1 {
				t.Errorf("waiting on a deadlocked pair is no deadlock, got %d deadlocks", n)
			}
			if n := statusValue(t, m, StatusTimeoutCount); n != 1 {
				t.Errorf("expected 1 timeout, got %d", n)
			}

			lt.ReleaseLocks(b, ranges(2, 2))
			if err := ra.Wait(1000); err != nil {
				t.Fatalf("expected a to get the lock, got %v", err)
			}
			lt.ReleaseLocks(a, ranges(1, 2))
		})
	}
}

func TestNoDeadlockWithoutCycle(t *testing.T) {
	m, lt := newTestManager(t, ManagerOptions{})
	defer m.Destroy()
	defer m.ReleaseLT(lt)

	mustGrant(t, lt.AcquireWriteLock(1, k(1), k(1), nil, false))
	mustGrant(t, lt.AcquireWriteLock(2, k(2), k(2), nil, false))

	// 2 waits for 1, 3 waits for 2: a chain, not a cycle
	r2 := newRequest(lt, 2, 1, 1, WriteLock)
	defer r2.Destroy()
	if err := r2.Start(); !errors.Is(err, ErrLockNotGranted) {
		t.Fatalf("expected 2 to wait, got %v", err)
	}
	r3 := newRequest(lt, 3, 2, 2, WriteLock)
	defer r3.Destroy()
	if err := r3.Start(); !errors.Is(err, ErrLockNotGranted) {
		t.Fatalf("expected 3 to wait, got %v", err)
	}

	lt.ReleaseLocks(1, ranges(1, 1))
	if err := r2.Wait(1000); err != nil {
		t.Fatalf("expected 2 to get the lock, got %v", err)
	}
	lt.ReleaseLocks(2, ranges(1, 1, 2, 2))
	if err := r3.Wait(1000); err != nil {
		t.Fatalf("expected 3 to get the lock, got %v", err)
	}
	lt.ReleaseLocks(3, ranges(2, 2))
}

func TestReleaseRacingWithStart(t *testing.T) {
	m, lt := newTestManager(t, ManagerOptions{})
	defer m.Destroy()
	defer m.ReleaseLT(lt)

	mustGrant(t, lt.AcquireWriteLock(1, k(1), k(1), nil, false))

	retried := make(chan struct{})
	r := newRequest(lt, 2, 1, 1, WriteLock, WithTestHooks(RequestHooks{
		BeforeRegister: func() {
			// the lock goes away after the failed attempt but before the
			// request is visible as pending
			lt.releaseLocks(1, ranges(1, 1))
			go func() {
				RetryAllLockRequests(lt)
				close(retried)
			}()
			time.Sleep(20 * time.Millisecond)
		},
	}))
	defer r.Destroy()

	if err := r.Start(); !errors.Is(err, ErrLockNotGranted) {
		t.Fatalf("expected ErrLockNotGranted from Start, got %v", err)
	}
	if err := r.Wait(5000); err != nil {
		t.Fatalf("release during Start was lost: %v", err)
	}
	<-retried
	lt.ReleaseLocks(2, ranges(1, 1))
}

func TestManyReadersWaitForWriter(t *testing.T) {
	m, lt := newTestManager(t, ManagerOptions{})
	defer m.Destroy()
	defer m.ReleaseLT(lt)

	mustGrant(t, lt.AcquireWriteLock(1, k(1), k(10), nil, false))

	var granted atomic.Int32
	reqs := make([]*LockRequest, 0, 4)
	for id := txnid.TxnID(2); id <= 5; id++ {
		r := newRequest(lt, id, uint64(id), uint64(id), ReadLock, WithTestHooks(RequestHooks{
			AfterGranted: func() { granted.Add(1) },
		}))
		if err := r.Start(); !errors.Is(err, ErrLockNotGranted) {
			t.Fatalf("expected txn %s to wait, got %v", id, err)
		}
		reqs = append(reqs, r)
	}

	var g errgroup.Group
	for _, r := range reqs {
		g.Go(func() error {
			return r.Wait(5000)
		})
	}
	lt.ReleaseLocks(1, ranges(1, 10))
	if err := g.Wait(); err != nil {
		t.Fatalf("expected every reader to get its lock, got %v", err)
	}
	if n := granted.Load(); n != 4 {
		t.Errorf("expected 4 grants by retry, got %d", n)
	}
	for _, r := range reqs {
		lt.ReleaseLocks(r.TxnID(), ranges(uint64(r.TxnID()), uint64(r.TxnID())))
		r.Destroy()
	}
}

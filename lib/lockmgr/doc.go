// Package lockmgr implements named exclusive locks on top of a
// locktree.Locktree. Each key is locked as a single point range, so keys of
// one lock manager never interfere unless they are equal.
//
// Every AcquireLock runs as a fresh transaction. The caller receives a random
// owner ID and must present it to ReleaseLock; a release with a wrong owner ID
// is refused. Waiting acquisitions are woken by the release of the current
// holder through the lock request machinery of the locktree, so no polling is
// involved.
//
// Core Functionality:
//   - Lock acquisition with an optional wait (timeout in milliseconds)
//   - Safe release operations that verify ownership
//
// Thread Safety:
//
//	All methods are safe for concurrent use. The owner table is an
//	xsync.MapOf, the locks themselves are guarded by the locktree.
//
// Usage Example:
//
//	mgr := locktree.NewManager(locktree.ManagerOptions{})
//	lt, _ := mgr.GetLT(1, nil, keyrange.BytewiseComparator, nil)
//	locks := lockmgr.NewLockManager(lt)
//
//	acquired, ownerID, err := locks.AcquireLock("resource:123", 500)
//	if err != nil {
//	    // Handle error
//	}
//
//	if acquired {
//	    // Use the resource safely
//	    // ...
//
//	    released, err := locks.ReleaseLock("resource:123", ownerID)
//	}
//
// Performance Impact:
//
//	An uncontended AcquireLock is one locktree acquisition. A release is one
//	locktree release followed by a retry pass over the waiting requests.
package lockmgr

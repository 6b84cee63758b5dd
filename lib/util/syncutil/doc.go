// Package syncutil provides the mutex types used by the range tree and the
// locktree. Building with `-tags deadlock` swaps them for the lock-order
// checking mutexes of github.com/sasha-s/go-deadlock, which report a potential
// deadlock instead of hanging a stress test forever.
package syncutil

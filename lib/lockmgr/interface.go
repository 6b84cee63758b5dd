package lockmgr

// ILockManager defines the interface for a lockmgr provider.
type ILockManager interface {
	// AcquireLock acquires an exclusive lock on the given key, waiting at most
	// timeout milliseconds for the current holder to release it (0 tries once).
	// Return a boolean indicating whether the lock was acquired, an owner ID, and an error if any.
	AcquireLock(key string, timeout uint64) (ok bool, ownerID []byte, err error)

	// ReleaseLock releases the lock for the given key.
	// Return a boolean indicating whether the lock was released, and an error if any.
	// The method will also return True if the lock did not exist.
	ReleaseLock(key string, ownerID []byte) (ok bool, err error)
}

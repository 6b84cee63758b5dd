package keyrange

import (
	"bytes"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Key comparison capability
// --------------------------------------------------------------------------

// Descriptor is opaque schema context handed to the key comparator. The
// comparator keeps a pointer to it, so changes to Data are visible to later
// comparisons.
type Descriptor struct {
	Data []byte
}

// KeyComparator orders two user keys. It must be a strict total order that is
// stable for the lifetime of a locktree. It is never called with a sentinel.
type KeyComparator interface {
	CompareKeys(desc *Descriptor, a, b []byte) int
}

// CompareFunc adapts a plain function to the KeyComparator interface.
type CompareFunc func(desc *Descriptor, a, b []byte) int

func (f CompareFunc) CompareKeys(desc *Descriptor, a, b []byte) int {
	return f(desc, a, b)
}

// BytewiseComparator orders keys like memcmp and ignores the descriptor.
var BytewiseComparator KeyComparator = CompareFunc(func(_ *Descriptor, a, b []byte) int {
	return bytes.Compare(a, b)
})

// --------------------------------------------------------------------------
// Comparator
// --------------------------------------------------------------------------

// Comparator wraps a KeyComparator and the descriptor it is called with. It
// orders the infinity sentinels itself.
//
// Thread-safety: Compare may be called concurrently. SetDescriptor is safe to
// call between operations.
type Comparator struct {
	keys KeyComparator
	desc atomic.Pointer[Descriptor]
}

// NewComparator creates a comparator. desc may be nil.
func NewComparator(keys KeyComparator, desc *Descriptor) *Comparator {
	if keys == nil {
		keys = BytewiseComparator
	}
	c := &Comparator{keys: keys}
	c.desc.Store(desc)
	return c
}

// SetDescriptor swaps the descriptor pointer used by later comparisons.
func (c *Comparator) SetDescriptor(desc *Descriptor) {
	c.desc.Store(desc)
}

// Descriptor returns the current descriptor pointer.
func (c *Comparator) Descriptor() *Descriptor {
	return c.desc.Load()
}

// Compare returns a negative number, zero or a positive number if a is less
// than, equal to or greater than b.
func (c *Comparator) Compare(a, b Key) int {
	if a.kind != kindData || b.kind != kindData {
		return int(rank(a)) - int(rank(b))
	}
	return c.keys.CompareKeys(c.desc.Load(), a.data, b.data)
}

// rank places a key relative to the sentinels. Two data keys never reach this.
func rank(k Key) int8 {
	switch k.kind {
	case kindNegInf:
		return -1
	case kindPosInf:
		return 1
	}
	return 0
}

// Package keyrange defines keys, the comparator that orders them and the
// inclusive key ranges the locktree locks.
//
// Keys:
//
//	A Key wraps user bytes without copying them. The two sentinels NegInf and
//	PosInf are recognized by a flag, never by their bytes, so the user
//	comparator is never asked to order them and Copy never duplicates them.
//
// Comparator:
//
//	Comparator wraps a KeyComparator (the storage engine's key order) and a
//	pointer to a Descriptor. The descriptor is passed to every comparison, so
//	a descriptor changed in place or swapped with SetDescriptor is observed by
//	the next comparison.
//
// Keyranges:
//
//	A Keyrange is [left, right], inclusive on both ends. Compare classifies two
//	ranges as disjoint (LessThan, GreaterThan) or as one of five overlapping
//	relations (Equals, Contains, ContainedBy, OverlapsLeft, OverlapsRight).
//	Extend computes the union used when a transaction's locks are
//	consolidated.
//
// Usage Example:
//
//	cmp := keyrange.NewComparator(keyrange.BytewiseComparator, nil)
//	a := keyrange.New(keyrange.FromString("a"), keyrange.FromString("f"))
//	b := keyrange.New(keyrange.FromString("d"), keyrange.PosInf)
//	if a.Overlaps(cmp, b) {
//	    union := a.Extend(cmp, b) // [a, +inf]
//	}
package keyrange

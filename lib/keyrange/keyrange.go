package keyrange

import "fmt"

// keyrangeOverhead approximates the fixed per-range cost counted against the
// lock memory budget.
const keyrangeOverhead = 64

// Comparison classifies how one keyrange relates to another.
type Comparison int

const (
	// LessThan means the range ends before the other starts.
	LessThan Comparison = iota
	// GreaterThan means the range starts after the other ends.
	GreaterThan
	// Equals means both endpoints are equal.
	Equals
	// Contains means the range covers the other and is wider on at least one side.
	Contains
	// ContainedBy means the other range covers this one and is wider on at least one side.
	ContainedBy
	// OverlapsLeft means the range starts before the other and ends inside it.
	OverlapsLeft
	// OverlapsRight means the range starts inside the other and ends after it.
	OverlapsRight
)

// Overlapping reports whether the classification implies a shared key.
func (c Comparison) Overlapping() bool {
	return c >= Equals
}

func (c Comparison) String() string {
	switch c {
	case LessThan:
		return "less-than"
	case GreaterThan:
		return "greater-than"
	case Equals:
		return "equals"
	case Contains:
		return "contains"
	case ContainedBy:
		return "contained-by"
	case OverlapsLeft:
		return "overlaps-left"
	case OverlapsRight:
		return "overlaps-right"
	}
	return "unknown"
}

// Keyrange is an inclusive interval [left, right] with left <= right. It does
// not own its keys unless built by Copy.
type Keyrange struct {
	left  Key
	right Key
}

// New builds the range [left, right]. The caller guarantees left <= right.
func New(left, right Key) Keyrange {
	return Keyrange{left: left, right: right}
}

// Point builds the range [k, k].
func Point(k Key) Keyrange {
	return Keyrange{left: k, right: k}
}

// Infinite is the range covering every key.
func Infinite() Keyrange {
	return Keyrange{left: NegInf, right: PosInf}
}

func (r Keyrange) Left() Key {
	return r.left
}

func (r Keyrange) Right() Key {
	return r.right
}

// Copy deep copies both keys. Sentinels are kept as they are.
func (r Keyrange) Copy() Keyrange {
	return Keyrange{left: r.left.Copy(), right: r.right.Copy()}
}

// MemorySize is the number of bytes this range is charged for.
func (r Keyrange) MemorySize() uint64 {
	return uint64(keyrangeOverhead + r.left.Size() + r.right.Size())
}

// Overlaps reports whether the ranges share at least one key.
func (r Keyrange) Overlaps(cmp *Comparator, other Keyrange) bool {
	return cmp.Compare(r.left, other.right) <= 0 && cmp.Compare(other.left, r.right) <= 0
}

// Contains reports whether other lies entirely within r.
func (r Keyrange) Contains(cmp *Comparator, other Keyrange) bool {
	return cmp.Compare(r.left, other.left) <= 0 && cmp.Compare(r.right, other.right) >= 0
}

// Compare classifies r relative to other.
func (r Keyrange) Compare(cmp *Comparator, other Keyrange) Comparison {
	if cmp.Compare(r.right, other.left) < 0 {
		return LessThan
	}
	if cmp.Compare(r.left, other.right) > 0 {
		return GreaterThan
	}
	ll := cmp.Compare(r.left, other.left)
	rr := cmp.Compare(r.right, other.right)
	switch {
	case ll == 0 && rr == 0:
		return Equals
	case ll <= 0 && rr >= 0:
		return Contains
	case ll >= 0 && rr <= 0:
		return ContainedBy
	case ll < 0:
		return OverlapsLeft
	default:
		return OverlapsRight
	}
}

// Extend returns the smallest range covering both r and other. For disjoint
// ranges the gap between them is covered too.
func (r Keyrange) Extend(cmp *Comparator, other Keyrange) Keyrange {
	out := r
	if cmp.Compare(other.left, out.left) < 0 {
		out.left = other.left
	}
	if cmp.Compare(other.right, out.right) > 0 {
		out.right = other.right
	}
	return out
}

func (r Keyrange) String() string {
	return fmt.Sprintf("[%s, %s]", r.left, r.right)
}

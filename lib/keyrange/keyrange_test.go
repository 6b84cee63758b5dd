package keyrange

import (
	"bytes"
	"testing"
)

func u(v uint64) Key {
	return Uint64(v)
}

func TestComparatorInfinities(t *testing.T) {
	calls := 0
	cmp := NewComparator(CompareFunc(func(_ *Descriptor, a, b []byte) int {
		calls++
		return bytes.Compare(a, b)
	}), nil)

	if cmp.Compare(NegInf, u(0)) >= 0 {
		t.Errorf("-inf must be less than every key")
	}
	if cmp.Compare(PosInf, u(1<<63)) <= 0 {
		t.Errorf("+inf must be greater than every key")
	}
	if cmp.Compare(NegInf, PosInf) >= 0 || cmp.Compare(PosInf, NegInf) <= 0 {
		t.Errorf("-inf must be less than +inf")
	}
	if cmp.Compare(NegInf, NegInf) != 0 || cmp.Compare(PosInf, PosInf) != 0 {
		t.Errorf("a sentinel must equal itself")
	}
	if calls != 0 {
		t.Errorf("user comparator invoked %d times for sentinel comparisons", calls)
	}
	if cmp.Compare(u(1), u(2)) >= 0 || calls != 1 {
		t.Errorf("expected user comparator to order data keys")
	}
}

func TestComparatorDescriptorIsLive(t *testing.T) {
	// the descriptor selects ascending or descending order
	desc := &Descriptor{Data: []byte{0}}
	cmp := NewComparator(CompareFunc(func(d *Descriptor, a, b []byte) int {
		c := bytes.Compare(a, b)
		if d != nil && len(d.Data) > 0 && d.Data[0] == 1 {
			return -c
		}
		return c
	}), desc)

	if cmp.Compare(u(1), u(2)) >= 0 {
		t.Fatalf("expected ascending order")
	}
	desc.Data[0] = 1
	if cmp.Compare(u(1), u(2)) <= 0 {
		t.Fatalf("expected in-place descriptor change to be visible")
	}
	cmp.SetDescriptor(&Descriptor{Data: []byte{0}})
	if cmp.Compare(u(1), u(2)) >= 0 {
		t.Fatalf("expected swapped descriptor to be used")
	}
}

func TestKeyCopy(t *testing.T) {
	if c := NegInf.Copy(); !c.IsNegInf() || c.Data() != nil {
		t.Errorf("copy of -inf must stay the sentinel")
	}
	if c := PosInf.Copy(); !c.IsPosInf() {
		t.Errorf("copy of +inf must stay the sentinel")
	}

	raw := []byte("hello")
	k := FromBytes(raw)
	c := k.Copy()
	raw[0] = 'j'
	if string(c.Data()) != "hello" {
		t.Errorf("copy shares memory with the original: %q", c.Data())
	}
	if string(k.Data()) != "jello" {
		t.Errorf("FromBytes must not copy")
	}
}

func TestKeyrangeCompare(t *testing.T) {
	cmp := NewComparator(BytewiseComparator, nil)
	r := New(u(10), u(20))

	check := func(other Keyrange, want Comparison) {
		t.Helper()
		if got := r.Compare(cmp, other); got != want {
			t.Errorf("%s vs %s: got %s, want %s", r, other, got, want)
		}
	}

	check(New(u(21), u(30)), LessThan)
	check(New(u(0), u(9)), GreaterThan)
	check(New(u(10), u(20)), Equals)
	check(New(u(12), u(18)), Contains)
	check(New(u(10), u(15)), Contains)
	check(New(u(5), u(25)), ContainedBy)
	check(New(NegInf, PosInf), ContainedBy)
	check(New(u(15), u(25)), OverlapsLeft)
	check(New(u(20), u(25)), OverlapsLeft)
	check(New(u(5), u(15)), OverlapsRight)
	check(New(u(5), u(10)), OverlapsRight)

	if !r.Overlaps(cmp, Point(u(20))) || r.Overlaps(cmp, Point(u(21))) {
		t.Errorf("endpoints are inclusive")
	}
	if !Infinite().Contains(cmp, r) || r.Contains(cmp, Infinite()) {
		t.Errorf("infinite range contains everything")
	}
}

func TestKeyrangeExtend(t *testing.T) {
	cmp := NewComparator(BytewiseComparator, nil)

	got := New(u(10), u(20)).Extend(cmp, New(u(15), u(30)))
	if got.Compare(cmp, New(u(10), u(30))) != Equals {
		t.Errorf("got %s, want [10, 30]", got)
	}

	got = Point(u(5)).Extend(cmp, New(NegInf, u(1)))
	if !got.Left().IsNegInf() || cmp.Compare(got.Right(), u(5)) != 0 {
		t.Errorf("got %s, want [-inf, 5]", got)
	}

	got = New(u(1), u(2)).Extend(cmp, Point(u(2)))
	if got.Compare(cmp, New(u(1), u(2))) != Equals {
		t.Errorf("extending with a dominated range must not change it, got %s", got)
	}
}

func TestKeyrangeCopyKeepsSentinels(t *testing.T) {
	r := New(NegInf, FromString("k")).Copy()
	if !r.Left().IsNegInf() {
		t.Errorf("left sentinel lost by copy")
	}
	if string(r.Right().Data()) != "k" {
		t.Errorf("right key not copied")
	}
	if r.MemorySize() != keyrangeOverhead+1 {
		t.Errorf("unexpected memory size %d", r.MemorySize())
	}
}

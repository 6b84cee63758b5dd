// Package txnid defines transaction identifiers and the small sorted set used
// to record lock owners and conflicting transactions.
package txnid

import (
	"sort"
	"strconv"
	"strings"
)

// TxnID identifies a transaction.
type TxnID uint64

// None is the reserved "no transaction" id.
const None TxnID = 0

func (id TxnID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// inlineCapacity is the number of ids a Set stores before it allocates.
const inlineCapacity = 2

// Set is a sorted set of transaction ids. The first few ids live inline, so a
// set with a single owner never allocates. The zero value is an empty set.
//
// Thread-safety: not safe for concurrent use.
type Set struct {
	n      int
	inline [inlineCapacity]TxnID
	spill  []TxnID
}

// Of builds a set holding ids.
func Of(ids ...TxnID) Set {
	var s Set
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// ids returns the backing slice, valid until the next mutation.
func (s *Set) ids() []TxnID {
	if s.spill != nil {
		return s.spill
	}
	return s.inline[:s.n]
}

// Size returns the number of ids in the set.
func (s *Set) Size() int {
	if s.spill != nil {
		return len(s.spill)
	}
	return s.n
}

// IsEmpty reports whether the set holds no ids.
func (s *Set) IsEmpty() bool {
	return s.Size() == 0
}

func (s *Set) search(id TxnID) (int, bool) {
	ids := s.ids()
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	return i, i < len(ids) && ids[i] == id
}

// Contains reports whether id is in the set.
func (s *Set) Contains(id TxnID) bool {
	_, ok := s.search(id)
	return ok
}

// Add inserts id. Adding an id twice has no effect.
func (s *Set) Add(id TxnID) {
	i, ok := s.search(id)
	if ok {
		return
	}
	if s.spill == nil && s.n < inlineCapacity {
		copy(s.inline[i+1:s.n+1], s.inline[i:s.n])
		s.inline[i] = id
		s.n++
		return
	}
	if s.spill == nil {
		s.spill = make([]TxnID, s.n, 2*inlineCapacity)
		copy(s.spill, s.inline[:s.n])
		s.n = 0
	}
	s.spill = append(s.spill, None)
	copy(s.spill[i+1:], s.spill[i:])
	s.spill[i] = id
}

// Remove deletes id and reports whether it was present.
func (s *Set) Remove(id TxnID) bool {
	i, ok := s.search(id)
	if !ok {
		return false
	}
	if s.spill != nil {
		s.spill = append(s.spill[:i], s.spill[i+1:]...)
		return true
	}
	copy(s.inline[i:], s.inline[i+1:s.n])
	s.n--
	s.inline[s.n] = None
	return true
}

// Get returns the i-th smallest id.
func (s *Set) Get(i int) TxnID {
	return s.ids()[i]
}

// Each calls fn for every id in ascending order until fn returns false.
func (s *Set) Each(fn func(id TxnID) bool) {
	for _, id := range s.ids() {
		if !fn(id) {
			return
		}
	}
}

// Slice returns a copy of the ids in ascending order.
func (s *Set) Slice() []TxnID {
	out := make([]TxnID, s.Size())
	copy(out, s.ids())
	return out
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() Set {
	c := Set{n: s.n, inline: s.inline}
	if s.spill != nil {
		c.spill = make([]TxnID, len(s.spill))
		copy(c.spill, s.spill)
	}
	return c
}

// AddAll inserts every id of other.
func (s *Set) AddAll(other *Set) {
	for _, id := range other.ids() {
		s.Add(id)
	}
}

// Equal reports whether both sets hold the same ids.
func (s *Set) Equal(other *Set) bool {
	a, b := s.ids(), other.ids()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clear empties the set and drops any spilled storage.
func (s *Set) Clear() {
	*s = Set{}
}

func (s *Set) String() string {
	parts := make([]string, 0, s.Size())
	for _, id := range s.ids() {
		parts = append(parts, id.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

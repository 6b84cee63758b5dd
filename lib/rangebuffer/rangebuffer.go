// Package rangebuffer serializes a sequence of key ranges into one growable
// byte buffer. A transaction records every range it locks in a Buffer, which
// is later handed to the locktree to release all of them in one pass.
//
// Wire format (in-process only, never persisted):
//
//	Each range is one length-prefixed slice of the underlying z.Buffer:
//
//	  [flags:1][leftLen:4][left:leftLen]([rightLen:4][right:rightLen])
//
//	flags marks infinite endpoints, point ranges and shared (read) locks. A point range stores its
//	key once. Infinite endpoints store no bytes.
package rangebuffer

import (
	"bytes"
	"encoding/binary"

	"github.com/ValentinKolb/locktree/lib/keyrange"
	"github.com/dgraph-io/ristretto/v2/z"
)

const (
	flagLeftNegInf uint8 = 1 << iota
	flagLeftPosInf
	flagRightNegInf
	flagRightPosInf
	flagPoint
	flagShared
)

const (
	headerSize      = 1
	lengthSize      = 4
	initialCapacity = 64
	bufferTag       = "rangebuffer"
)

// Buffer is a growable, append-only sequence of key ranges.
//
// Thread-safety: not safe for concurrent use.
type Buffer struct {
	buf       *z.Buffer
	numRanges int
}

// New returns an empty buffer. Memory is allocated on the first Append.
func New() *Buffer {
	return &Buffer{}
}

// Append records the range [left, right]. The key bytes are copied into the
// buffer.
func (b *Buffer) Append(left, right keyrange.Key) {
	b.append(left, right, 0)
}

// AppendShared records [left, right] and marks it as held in shared mode.
func (b *Buffer) AppendShared(left, right keyrange.Key) {
	b.append(left, right, flagShared)
}

func (b *Buffer) append(left, right keyrange.Key, flags uint8) {
	if b.buf == nil {
		b.buf = z.NewBuffer(initialCapacity, bufferTag)
	}

	flags |= infinityFlags(left, flagLeftNegInf, flagLeftPosInf) |
		infinityFlags(right, flagRightNegInf, flagRightPosInf)
	point := !left.IsInfinite() && !right.IsInfinite() && bytes.Equal(left.Data(), right.Data())
	if point {
		flags |= flagPoint
	}

	size := headerSize + lengthSize + left.Size()
	if !point {
		size += lengthSize + right.Size()
	}

	// SliceAllocate grows the buffer to fit size, however small the previous
	// allocation was
	rec := b.buf.SliceAllocate(size)
	rec[0] = flags
	off := putKey(rec, headerSize, left)
	if !point {
		putKey(rec, off, right)
	}
	b.numRanges++
}

// AppendRange records r.
func (b *Buffer) AppendRange(r keyrange.Keyrange) {
	b.Append(r.Left(), r.Right())
}

// IsEmpty reports whether no range was appended.
func (b *Buffer) IsEmpty() bool {
	return b.numRanges == 0
}

// NumRanges returns the number of ranges appended.
func (b *Buffer) NumRanges() int {
	return b.numRanges
}

// TotalMemorySize returns the number of bytes used by the serialized ranges.
func (b *Buffer) TotalMemorySize() uint64 {
	if b.buf == nil {
		return 0
	}
	return uint64(b.buf.LenNoPadding())
}

// Destroy releases the underlying memory. The buffer is empty afterwards and
// may be reused.
func (b *Buffer) Destroy() {
	if b.buf != nil {
		_ = b.buf.Release()
		b.buf = nil
	}
	b.numRanges = 0
}

// Each calls fn for every range in append order until fn returns false.
func (b *Buffer) Each(fn func(r keyrange.Keyrange) bool) {
	for it := b.Iterator(); ; it.Next() {
		rec, ok := it.Current()
		if !ok || !fn(rec.Range()) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Iteration
// --------------------------------------------------------------------------

// Record is one decoded range. Its keys are views into the buffer and stay
// valid until the buffer is appended to or destroyed.
type Record struct {
	left   keyrange.Key
	right  keyrange.Key
	shared bool
}

// Left returns the left endpoint, a view into the buffer.
func (r Record) Left() keyrange.Key {
	return r.left
}

// Right returns the right endpoint, a view into the buffer.
func (r Record) Right() keyrange.Key {
	return r.right
}

// Shared reports whether the range was appended with AppendShared.
func (r Record) Shared() bool {
	return r.shared
}

// Range returns [Left, Right] without copying the keys.
func (r Record) Range() keyrange.Keyrange {
	return keyrange.New(r.left, r.right)
}

// Iterator walks the ranges of a Buffer in append order.
type Iterator struct {
	b    *Buffer
	off  int
	next int
	cur  Record
	ok   bool
}

// Iterator returns an iterator positioned at the first range.
func (b *Buffer) Iterator() *Iterator {
	it := &Iterator{b: b, off: -1}
	if b.buf != nil && !b.buf.IsEmpty() {
		it.off = b.buf.StartOffset()
	}
	it.load()
	return it
}

// Current returns the range at the iterator position and false once the
// iterator is exhausted.
func (it *Iterator) Current() (Record, bool) {
	return it.cur, it.ok
}

// Next advances to the following range.
func (it *Iterator) Next() {
	it.off = it.next
	it.load()
}

func (it *Iterator) load() {
	if it.off < 0 {
		it.ok = false
		it.cur = Record{}
		return
	}
	var rec []byte
	rec, it.next = it.b.buf.Slice(it.off)
	it.cur = decode(rec)
	it.ok = true
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func infinityFlags(k keyrange.Key, neg, pos uint8) uint8 {
	switch {
	case k.IsNegInf():
		return neg
	case k.IsPosInf():
		return pos
	}
	return 0
}

func putKey(rec []byte, off int, k keyrange.Key) int {
	binary.BigEndian.PutUint32(rec[off:], uint32(k.Size()))
	off += lengthSize
	off += copy(rec[off:], k.Data())
	return off
}

func getKey(rec []byte, off int, flags, neg, pos uint8) (keyrange.Key, int) {
	n := int(binary.BigEndian.Uint32(rec[off:]))
	off += lengthSize
	switch {
	case flags&neg != 0:
		return keyrange.NegInf, off + n
	case flags&pos != 0:
		return keyrange.PosInf, off + n
	}
	return keyrange.FromBytes(rec[off : off+n : off+n]), off + n
}

func decode(rec []byte) Record {
	flags := rec[0]
	left, off := getKey(rec, headerSize, flags, flagLeftNegInf, flagLeftPosInf)
	shared := flags&flagShared != 0
	if flags&flagPoint != 0 {
		return Record{left: left, right: left, shared: shared}
	}
	right, _ := getKey(rec, off, flags, flagRightNegInf, flagRightPosInf)
	return Record{left: left, right: right, shared: shared}
}

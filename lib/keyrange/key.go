package keyrange

import (
	"encoding/binary"
	"fmt"
)

type keyKind uint8

const (
	kindData keyKind = iota
	kindNegInf
	kindPosInf
)

// Key is either a user key or one of the two infinity sentinels. A Key does
// not own its bytes unless it was produced by Copy.
type Key struct {
	data []byte
	kind keyKind
}

var (
	// NegInf compares less than every key except itself.
	NegInf = Key{kind: kindNegInf}
	// PosInf compares greater than every key except itself.
	PosInf = Key{kind: kindPosInf}
)

// FromBytes wraps b without copying it.
func FromBytes(b []byte) Key {
	return Key{data: b}
}

// FromString wraps the bytes of s.
func FromString(s string) Key {
	return Key{data: []byte(s)}
}

// Uint64 encodes v big endian, so bytewise order equals numeric order.
func Uint64(v uint64) Key {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return Key{data: b}
}

// Data returns the user bytes. It is nil for the sentinels.
func (k Key) Data() []byte {
	return k.data
}

// IsNegInf reports whether k is the NegInf sentinel.
func (k Key) IsNegInf() bool {
	return k.kind == kindNegInf
}

// IsPosInf reports whether k is the PosInf sentinel.
func (k Key) IsPosInf() bool {
	return k.kind == kindPosInf
}

// IsInfinite reports whether k is one of the two sentinels.
func (k Key) IsInfinite() bool {
	return k.kind != kindData
}

// Size is the number of user bytes held by k.
func (k Key) Size() int {
	return len(k.data)
}

// Copy returns a Key owning a private copy of the bytes. Sentinels are
// returned as they are.
func (k Key) Copy() Key {
	if k.IsInfinite() {
		return k
	}
	data := make([]byte, len(k.data))
	copy(data, k.data)
	return Key{data: data}
}

func (k Key) String() string {
	switch k.kind {
	case kindNegInf:
		return "-inf"
	case kindPosInf:
		return "+inf"
	}
	return fmt.Sprintf("%x", k.data)
}

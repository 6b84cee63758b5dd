package rangebuffer

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/locktree/lib/keyrange"
)

func collect(b *Buffer) []Record {
	var out []Record
	for it := b.Iterator(); ; it.Next() {
		rec, ok := it.Current()
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func TestEmptyBuffer(t *testing.T) {
	b := New()
	defer b.Destroy()
	if !b.IsEmpty() || b.NumRanges() != 0 || b.TotalMemorySize() != 0 {
		t.Fatalf("new buffer must be empty")
	}
	if recs := collect(b); len(recs) != 0 {
		t.Fatalf("iterator over empty buffer returned %d records", len(recs))
	}
}

func TestPointsAndRanges(t *testing.T) {
	b := New()
	defer b.Destroy()

	const n = 100
	for i := uint64(0); i < n; i++ {
		if i%2 == 0 {
			b.Append(keyrange.Uint64(i), keyrange.Uint64(i))
		} else {
			b.Append(keyrange.Uint64(i), keyrange.Uint64(i+1000))
		}
	}
	if b.NumRanges() != n {
		t.Fatalf("NumRanges %d, want %d", b.NumRanges(), n)
	}

	recs := collect(b)
	if len(recs) != n {
		t.Fatalf("iterated %d records, want %d", len(recs), n)
	}
	for i, rec := range recs {
		wantRight := uint64(i)
		if i%2 == 1 {
			wantRight += 1000
		}
		if !bytes.Equal(rec.Left().Data(), keyrange.Uint64(uint64(i)).Data()) {
			t.Errorf("record %d: wrong left key %s", i, rec.Left())
		}
		if !bytes.Equal(rec.Right().Data(), keyrange.Uint64(wantRight).Data()) {
			t.Errorf("record %d: wrong right key %s", i, rec.Right())
		}
	}
}

func TestInfinities(t *testing.T) {
	b := New()
	defer b.Destroy()

	b.Append(keyrange.NegInf, keyrange.FromString("m"))
	b.Append(keyrange.FromString("m"), keyrange.PosInf)
	b.Append(keyrange.NegInf, keyrange.PosInf)
	b.Append(keyrange.NegInf, keyrange.NegInf)

	recs := collect(b)
	if len(recs) != 4 {
		t.Fatalf("got %d records", len(recs))
	}
	if !recs[0].Left().IsNegInf() || string(recs[0].Right().Data()) != "m" {
		t.Errorf("record 0 = %s", recs[0].Range())
	}
	if string(recs[1].Left().Data()) != "m" || !recs[1].Right().IsPosInf() {
		t.Errorf("record 1 = %s", recs[1].Range())
	}
	if !recs[2].Left().IsNegInf() || !recs[2].Right().IsPosInf() {
		t.Errorf("record 2 = %s", recs[2].Range())
	}
	if !recs[3].Left().IsNegInf() || !recs[3].Right().IsNegInf() {
		t.Errorf("record 3 = %s", recs[3].Range())
	}
}

func TestSmallThenLargeAppend(t *testing.T) {
	b := New()
	defer b.Destroy()

	small := keyrange.FromString("a")
	b.Append(small, small)

	large := bytes.Repeat([]byte{0xab}, 1<<20)
	b.Append(keyrange.FromBytes(large), keyrange.FromBytes(large[:len(large)-1]))

	recs := collect(b)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if string(recs[0].Left().Data()) != "a" {
		t.Errorf("small record corrupted by growth")
	}
	if !bytes.Equal(recs[1].Left().Data(), large) || len(recs[1].Right().Data()) != len(large)-1 {
		t.Errorf("large record corrupted")
	}
	if b.TotalMemorySize() < uint64(2*len(large)) {
		t.Errorf("memory size %d too small", b.TotalMemorySize())
	}
}

func TestDestroyAndReuse(t *testing.T) {
	b := New()
	b.Append(keyrange.FromString("x"), keyrange.FromString("y"))
	b.Destroy()
	if !b.IsEmpty() || len(collect(b)) != 0 {
		t.Fatalf("destroyed buffer must be empty")
	}
	b.Append(keyrange.FromString("z"), keyrange.FromString("z"))
	defer b.Destroy()

	count := 0
	b.Each(func(r keyrange.Keyrange) bool {
		count++
		return true
	})
	if count != 1 {
		t.Fatalf("Each visited %d ranges, want 1", count)
	}
}

func TestSharedFlag(t *testing.T) {
	b := New()
	defer b.Destroy()

	b.Append(keyrange.FromString("a"), keyrange.FromString("b"))
	b.AppendShared(keyrange.FromString("c"), keyrange.FromString("c"))
	b.AppendShared(keyrange.NegInf, keyrange.PosInf)

	recs := collect(b)
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].Shared() || !recs[1].Shared() || !recs[2].Shared() {
		t.Errorf("shared flags not preserved: %v %v %v", recs[0].Shared(), recs[1].Shared(), recs[2].Shared())
	}
	if string(recs[1].Left().Data()) != "c" || string(recs[1].Right().Data()) != "c" {
		t.Errorf("shared point record = %s", recs[1].Range())
	}
	if !recs[2].Left().IsNegInf() || !recs[2].Right().IsPosInf() {
		t.Errorf("shared infinite record = %s", recs[2].Range())
	}
}

package ordering

import "testing"

func TestCompareAndLess(t *testing.T) {
	a := Key{Req: 1, Out: 0, Seq: 5}
	b := Key{Req: 1, Out: 0, Seq: 6}
	if !Less(a, b) {
		t.Errorf("expected %s < %s", a, b)
	}
	if Less(b, a) {
		t.Errorf("expected %s not < %s", b, a)
	}
	if Compare(a, a) != 0 {
		t.Errorf("expected Compare(a, a) == 0")
	}
}

func TestSubstrateMonotonicInternal(t *testing.T) {
	s := New()
	var last Key
	for i := 0; i < 100; i++ {
		k := s.NextInternal()
		if !Less(last, k) {
			t.Fatalf("key %d (%s) did not sort after previous %s", i, k, last)
		}
		last = k
	}
}

func TestSubstrateFromProviderOrdersWithInternal(t *testing.T) {
	s := New()
	k1 := s.FromProvider(ProviderMeta{RequestOrdinal: 1, OutputIndex: 0, SequenceNumber: 1})
	k2 := s.NextInternal()
	k3 := s.FromProvider(ProviderMeta{RequestOrdinal: 1, OutputIndex: 1, SequenceNumber: 2})
	if !Less(k1, k2) {
		t.Errorf("expected k1 < k2")
	}
	if !Less(k2, k3) {
		t.Errorf("expected k2 < k3")
	}
}

// TestSubstrateBumpsOutOfOrderProviderKey covers the invariant: if the
// caller-supplied key is <= last, the substrate bumps it to successor(last).
func TestSubstrateBumpsOutOfOrderProviderKey(t *testing.T) {
	s := New()
	first := s.FromProvider(ProviderMeta{RequestOrdinal: 5, OutputIndex: 2, SequenceNumber: 10})
	second := s.FromProvider(ProviderMeta{RequestOrdinal: 5, OutputIndex: 2, SequenceNumber: 10})
	if !Less(first, second) {
		t.Errorf("expected bumped key %s to sort after %s", second, first)
	}
	if s.Bumps() != 1 {
		t.Errorf("expected 1 bump, got %d", s.Bumps())
	}
}

func TestOrderMonotonicityProperty(t *testing.T) {
	// Property from spec §8.1: for inserts i < j, order_key(i) < order_key(j).
	s := New()
	keys := make([]Key, 0, 256)
	for i := 0; i < 256; i++ {
		if i%3 == 0 {
			keys = append(keys, s.NextInternal())
		} else {
			keys = append(keys, s.FromProvider(ProviderMeta{
				RequestOrdinal: uint64(i / 10), OutputIndex: int32(i % 4), SequenceNumber: uint64(i),
			}))
		}
	}
	for i := 1; i < len(keys); i++ {
		if !Less(keys[i-1], keys[i]) {
			t.Fatalf("index %d: %s should sort before %s", i, keys[i-1], keys[i])
		}
	}
}

func TestInsertPosition(t *testing.T) {
	existing := []Key{{Seq: 1}, {Seq: 3}, {Seq: 5}}
	cases := []struct {
		notice Key
		want   int
	}{
		{Key{Seq: 2}, 1},
		{Key{Seq: 0}, 0},
		{Key{Seq: 9}, 3},
	}
	for _, tc := range cases {
		if got := InsertPosition(existing, tc.notice); got != tc.want {
			t.Errorf("InsertPosition(%v, %s) = %d, want %d", existing, tc.notice, got, tc.want)
		}
	}
}

func TestSuccessorIsStrictlyGreater(t *testing.T) {
	k := Key{Req: 2, Out: 1, Seq: 9}
	succ := Successor(k)
	if !Less(k, succ) {
		t.Errorf("expected successor %s to sort after %s", succ, k)
	}
}

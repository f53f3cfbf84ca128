// Package ordering assigns and propagates the total-order keys that every
// history insertion, streamed event, and tool output is stamped with.
//
// The substrate generalizes the monotonic atomic sequence counter used by
// the agent package's event emitter (see internal/agent/event_emitter.go)
// from a single dimension into the three-dimensional (req, out, seq) tuple
// the turn engine needs to merge provider-reported ordering with purely
// internal insertions.
package ordering

import (
	"fmt"
	"sync"
)

// Key is a total-order tag: (req, out, seq), compared lexicographically.
// req is the provider's request ordinal, out is the provider's output
// index within that request (-1 meaning "not from the provider"), and seq
// is a per-request sequence counter that breaks ties and orders purely
// internal insertions.
type Key struct {
	Req uint64
	Out int32
	Seq uint64
}

// Zero is the smallest possible key; no real insertion should carry it.
var Zero = Key{}

// Compare returns -1, 0, or 1 as a sorts before, equal to, or after b.
func Compare(a, b Key) int {
	switch {
	case a.Req != b.Req:
		if a.Req < b.Req {
			return -1
		}
		return 1
	case a.Out != b.Out:
		if a.Out < b.Out {
			return -1
		}
		return 1
	case a.Seq != b.Seq:
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b.
func Less(a, b Key) bool { return Compare(a, b) < 0 }

// String renders the key for logs and debug output.
func (k Key) String() string {
	return fmt.Sprintf("(%d,%d,%d)", k.Req, k.Out, k.Seq)
}

// ProviderMeta is the provider-reported ordering metadata lifted into a Key.
type ProviderMeta struct {
	RequestOrdinal  uint64
	OutputIndex     int32
	SequenceNumber  uint64
}

// Substrate is the single per-session source of OrderKeys. It is not safe
// to share across sessions: each session owns exactly one Substrate, as a
// direct consequence of invariant (a) in spec §4.1 — keys must be strictly
// increasing within one session's history.
type Substrate struct {
	mu       sync.Mutex
	last     Key
	internal uint64 // counter for synthetic (internal) requests
	bumps    int    // count of bump events, exposed for diagnostics/logging
}

// New creates a Substrate with no keys assigned yet.
func New() *Substrate {
	return &Substrate{}
}

// NextInternal returns a key guaranteed to sort after every key previously
// assigned by this substrate. Used for insertions that predate, or have no
// relationship to, any provider-reported ordering (e.g. a background
// notice, or a synthetically inserted "aborted" tool output).
func (s *Substrate) NextInternal() Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.internal++
	k := successorLocked(s.last, s.internal)
	s.last = k
	return k
}

// FromProvider lifts provider-reported ordering metadata to a Key. If the
// resulting key would not sort strictly after the last assigned key, the
// substrate bumps it to the successor of the last key instead (spec §4.1)
// and records the bump for observability.
func (s *Substrate) FromProvider(meta ProviderMeta) Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := Key{Req: meta.RequestOrdinal, Out: meta.OutputIndex, Seq: meta.SequenceNumber}
	if Compare(k, s.last) <= 0 {
		s.bumps++
		k = successorLocked(s.last, 1)
	}
	s.last = k
	return k
}

// Successor returns the smallest key strictly greater than prev.
func Successor(prev Key) Key {
	return successorLocked(prev, 1)
}

func successorLocked(prev Key, bump uint64) Key {
	return Key{Req: prev.Req, Out: prev.Out, Seq: prev.Seq + bump}
}

// Last returns the most recently assigned key (Zero if none yet).
func (s *Substrate) Last() Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Bumps returns how many times FromProvider had to correct an out-of-order
// or duplicate provider key. Non-zero values are worth logging upstream.
func (s *Substrate) Bumps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bumps
}

// InsertPosition locates where a background-notice key (which may arrive
// out of provider order, per spec §4.1) belongs within an already-ordered
// slice of keys: the first index whose existing key sorts strictly after
// the notice's key. Returns len(existing) if the notice sorts after
// everything currently present.
func InsertPosition(existing []Key, notice Key) int {
	for i, k := range existing {
		if Less(notice, k) {
			return i
		}
	}
	return len(existing)
}

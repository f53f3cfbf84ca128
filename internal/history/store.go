package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrelcode/turnengine/internal/ordering"
)

// MutationKind tags the result of applying a domain event to the store.
type MutationKind string

const (
	MutationInserted MutationKind = "inserted"
	MutationReplaced MutationKind = "replaced"
	MutationExtended MutationKind = "extended"
	MutationNoOp     MutationKind = "noop"
)

// Mutation is the result of Store.Apply: what happened, and which record
// id(s) were affected.
type Mutation struct {
	Kind MutationKind
	IDs  []ID
}

// Event is a tagged domain event accepted by Store.Apply.
type Event interface {
	isHistoryEvent()
}

// InsertEvent inserts a brand-new record at the given key.
type InsertEvent struct {
	Key     ordering.Key
	Kind    Kind
	Payload any
	// Background marks a notice that may be inserted out of provider order
	// (spec §4.1): it is placed at InsertPosition rather than appended.
	Background bool
}

func (InsertEvent) isHistoryEvent() {}

// ReplaceEvent swaps a record's payload in place, preserving its ID and key.
type ReplaceEvent struct {
	ID      ID
	Payload any
}

func (ReplaceEvent) isHistoryEvent() {}

// StartExecEvent begins tracking a new running Exec record for call_id.
type StartExecEvent struct {
	Key     ordering.Key
	CallID  string
	Command []string
	Parsed  []string
	Action  ExecAction
	Cwd     string
	Env     map[string]string
}

func (StartExecEvent) isHistoryEvent() {}

// AppendStreamChunkEvent appends an offset-tagged chunk to a running exec's
// stdout or stderr.
type AppendStreamChunkEvent struct {
	CallID string
	Stderr bool
	Chunk  StreamChunk
}

func (AppendStreamChunkEvent) isHistoryEvent() {}

// FinishExecEvent closes both streams of a running exec and makes the
// record immutable (spec §4.2 invariant (b)).
type FinishExecEvent struct {
	CallID   string
	ExitCode int
	Status   Status
}

func (FinishExecEvent) isHistoryEvent() {}

// UpdateWaitEvent accumulates wait_total/wait_notes on a (possibly still
// running) exec without disturbing its Running status (spec §4.5, "wait").
type UpdateWaitEvent struct {
	CallID     string
	AddWait    time.Duration
	Note       string
	WaitActive bool
}

func (UpdateWaitEvent) isHistoryEvent() {}

// Store is the append-only, typed history log (spec §4.2, component C2).
// It is owned exclusively by one session's turn-engine task; all mutation
// happens on that task (spec §5).
type Store struct {
	mu         sync.RWMutex
	records    []*Record       // insertion order
	byID       map[ID]int      // ID -> index into records
	execIndex  map[string]int  // call_id -> index of its Exec/MergedExec record
}

// New creates an empty history Store.
func New() *Store {
	return &Store{
		byID:      make(map[ID]int),
		execIndex: make(map[string]int),
	}
}

// Apply processes a domain event and returns the resulting Mutation.
func (s *Store) Apply(ev Event) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case InsertEvent:
		return s.applyInsert(e)
	case ReplaceEvent:
		return s.applyReplace(e)
	case StartExecEvent:
		return s.applyStartExec(e)
	case AppendStreamChunkEvent:
		return s.applyAppendChunk(e)
	case FinishExecEvent:
		return s.applyFinishExec(e)
	case UpdateWaitEvent:
		return s.applyUpdateWait(e)
	default:
		return Mutation{Kind: MutationNoOp}, fmt.Errorf("history: unknown event type %T", ev)
	}
}

func (s *Store) insertAt(idx int, rec *Record) {
	s.records = append(s.records, nil)
	copy(s.records[idx+1:], s.records[idx:])
	s.records[idx] = rec
	// Reindex everything from idx on; background notices are rare enough
	// that an O(n) reindex is an acceptable cost for positional correctness.
	for i := idx; i < len(s.records); i++ {
		s.byID[s.records[i].ID] = i
		if er, ok := s.records[i].Payload.(*ExecRecord); ok {
			s.execIndex[er.CallID] = i
		}
	}
}

func (s *Store) applyInsert(e InsertEvent) (Mutation, error) {
	rec := &Record{ID: NextID(), Key: e.Key, Kind: e.Kind, Payload: e.Payload}

	idx := len(s.records)
	if e.Background {
		keys := make([]ordering.Key, len(s.records))
		for i, r := range s.records {
			keys[i] = r.Key
		}
		idx = ordering.InsertPosition(keys, e.Key)
	}
	s.insertAt(idx, rec)
	return Mutation{Kind: MutationInserted, IDs: []ID{rec.ID}}, nil
}

func (s *Store) applyReplace(e ReplaceEvent) (Mutation, error) {
	idx, ok := s.byID[e.ID]
	if !ok {
		return Mutation{Kind: MutationNoOp}, fmt.Errorf("history: record %d not found", e.ID)
	}
	s.records[idx].Payload = e.Payload
	return Mutation{Kind: MutationReplaced, IDs: []ID{e.ID}}, nil
}

func (s *Store) applyStartExec(e StartExecEvent) (Mutation, error) {
	if _, exists := s.execIndex[e.CallID]; exists {
		return Mutation{Kind: MutationNoOp}, fmt.Errorf("history: call_id %q already has an exec record", e.CallID)
	}
	er := &ExecRecord{
		CallID:     e.CallID,
		Command:    e.Command,
		Parsed:     e.Parsed,
		Action:     e.Action,
		Status:     StatusRunning,
		StartedAt:  time.Now(),
		WorkingDir: e.Cwd,
		Env:        e.Env,
	}
	rec := &Record{ID: NextID(), Key: e.Key, Kind: KindExec, Payload: er}
	idx := len(s.records)
	s.insertAt(idx, rec)
	s.execIndex[e.CallID] = idx
	return Mutation{Kind: MutationInserted, IDs: []ID{rec.ID}}, nil
}

func (s *Store) execRecordLocked(callID string) (*ExecRecord, int, error) {
	idx, ok := s.execIndex[callID]
	if !ok {
		return nil, 0, fmt.Errorf("history: no exec record for call_id %q", callID)
	}
	rec := s.records[idx]
	switch p := rec.Payload.(type) {
	case *ExecRecord:
		return p, idx, nil
	case *MergedExecRecord:
		if len(p.Segments) == 0 {
			return nil, idx, fmt.Errorf("history: merged exec for call_id %q has no segments", callID)
		}
		return p.Segments[len(p.Segments)-1], idx, nil
	default:
		return nil, idx, fmt.Errorf("history: record for call_id %q is not an exec", callID)
	}
}

func (s *Store) applyAppendChunk(e AppendStreamChunkEvent) (Mutation, error) {
	er, idx, err := s.execRecordLocked(e.CallID)
	if err != nil {
		return Mutation{Kind: MutationNoOp}, err
	}
	if e.Stderr {
		if err := er.AppendStderr(e.Chunk); err != nil {
			return Mutation{Kind: MutationNoOp}, err
		}
	} else {
		if err := er.AppendStdout(e.Chunk); err != nil {
			return Mutation{Kind: MutationNoOp}, err
		}
	}
	return Mutation{Kind: MutationExtended, IDs: []ID{s.records[idx].ID}}, nil
}

func (s *Store) applyFinishExec(e FinishExecEvent) (Mutation, error) {
	er, idx, err := s.execRecordLocked(e.CallID)
	if err != nil {
		return Mutation{Kind: MutationNoOp}, err
	}
	now := time.Now()
	code := e.ExitCode
	er.ExitCode = &code
	er.CompletedAt = &now
	er.Status = e.Status

	affected := []ID{s.records[idx].ID}
	if mergedID, ok := s.tryMergeLocked(idx); ok {
		affected = []ID{mergedID}
	}
	return Mutation{Kind: MutationReplaced, IDs: affected}, nil
}

// tryMergeLocked runs the merge probe (spec §4.2): when a completed exec
// record is inserted, examine the record immediately before it; if both
// are completed, same non-Run action, collapse into (or extend) a
// MergedExec. Must be called with s.mu held.
func (s *Store) tryMergeLocked(idx int) (ID, bool) {
	cur := s.records[idx]
	curExec, ok := cur.Payload.(*ExecRecord)
	if !ok || curExec.Status == StatusRunning || curExec.Action == ActionRun {
		return 0, false
	}
	if idx == 0 {
		return 0, false
	}
	prev := s.records[idx-1]

	switch prevPayload := prev.Payload.(type) {
	case *ExecRecord:
		if prevPayload.Status == StatusRunning || prevPayload.Action != curExec.Action || prevPayload.Action == ActionRun {
			return 0, false
		}
		merged := &MergedExecRecord{Action: curExec.Action, Segments: []*ExecRecord{prevPayload.Clone(), curExec.Clone()}}
		prev.Kind = KindMergedExec
		prev.Payload = merged
		s.removeAtLocked(idx)
		s.execIndex[curExec.CallID] = s.byID[prev.ID]
		return prev.ID, true
	case *MergedExecRecord:
		if prevPayload.Action != curExec.Action {
			return 0, false
		}
		prevPayload.Segments = append(prevPayload.Segments, curExec.Clone())
		s.removeAtLocked(idx)
		s.execIndex[curExec.CallID] = s.byID[prev.ID]
		return prev.ID, true
	default:
		return 0, false
	}
}

// removeAtLocked deletes the record at idx and reindexes the tail.
func (s *Store) removeAtLocked(idx int) {
	removed := s.records[idx]
	delete(s.byID, removed.ID)
	s.records = append(s.records[:idx], s.records[idx+1:]...)
	for i := idx; i < len(s.records); i++ {
		s.byID[s.records[i].ID] = i
		if er, ok := s.records[i].Payload.(*ExecRecord); ok {
			s.execIndex[er.CallID] = i
		}
	}
}

func (s *Store) applyUpdateWait(e UpdateWaitEvent) (Mutation, error) {
	er, idx, err := s.execRecordLocked(e.CallID)
	if err != nil {
		return Mutation{Kind: MutationNoOp}, err
	}
	er.WaitTotal += e.AddWait
	er.WaitActive = e.WaitActive
	if e.Note != "" {
		er.WaitNotes = append(er.WaitNotes, e.Note)
	}
	return Mutation{Kind: MutationExtended, IDs: []ID{s.records[idx].ID}}, nil
}

// Record returns a copy of the record's pointer (the Record struct itself,
// not a deep payload copy) for the given id.
func (s *Store) Record(id ID) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.records[idx], true
}

// IndexOf returns the current insertion-order position of id.
func (s *Store) IndexOf(id ID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	return idx, ok
}

// HistoryIDForExecCall returns the HistoryId currently holding call_id's
// exec state (which may be a MergedExec after collapsing).
func (s *Store) HistoryIDForExecCall(callID string) (ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.execIndex[callID]
	if !ok {
		return 0, false
	}
	return s.records[idx].ID, true
}

// Freeze marks a record as frozen — a cheap handle for rendering
// virtualization in place of the full materialized view (spec §4.2).
func (s *Store) Freeze(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return false
	}
	s.records[idx].Frozen = true
	return true
}

// Thaw reverses Freeze.
func (s *Store) Thaw(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return false
	}
	s.records[idx].Frozen = false
	return true
}

// Snapshot returns a copy of the records slice in insertion order, for
// rollout persistence and read-only rendering.
func (s *Store) Snapshot() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of records currently in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

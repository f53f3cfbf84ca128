// Package history implements the append-only, typed history log described
// in spec §3 (entity HistoryRecord) and §4.2 (component C2).
//
// It generalizes the teacher's tape.Tape (internal/agent/tape/tape.go),
// which records a flat []Turn / []ToolRun pair for deterministic replay,
// into a single ordered log of tagged HistoryRecord variants addressable
// both by insertion position and by a process-unique HistoryId.
package history

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kestrelcode/turnengine/internal/ordering"
)

// ID is a process-unique, monotonically increasing history record id.
type ID uint64

var idCounter uint64

// NextID returns the next process-unique HistoryId. IDs start at 1; 0 is
// reserved to mean "not yet assigned" (spec §3: "once a record has id != 0").
func NextID() ID {
	return ID(atomic.AddUint64(&idCounter, 1))
}

// Kind tags the variant of a HistoryRecord.
type Kind string

const (
	KindPlainMessage     Kind = "plain_message"
	KindAssistantMessage Kind = "assistant_message"
	KindAssistantStream  Kind = "assistant_stream"
	KindReasoning        Kind = "reasoning"
	KindExec             Kind = "exec"
	KindMergedExec       Kind = "merged_exec"
	KindToolCall         Kind = "tool_call"
	KindExplore          Kind = "explore"
	KindDiff             Kind = "diff"
	KindPatch            Kind = "patch"
	KindImage            Kind = "image"
	KindBackgroundEvent  Kind = "background_event"
	KindNotice           Kind = "notice"
	KindRateLimits       Kind = "rate_limits"
	KindWaitStatus       Kind = "wait_status"
)

// Status is the lifecycle state of a record that has one (Exec, AssistantStream).
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ExecAction classifies what an Exec record represents.
type ExecAction string

const (
	ActionRun    ExecAction = "run"
	ActionRead   ExecAction = "read"
	ActionSearch ExecAction = "search"
	ActionList   ExecAction = "list"
)

// StreamChunk is an offset-tagged slice of stdout/stderr output.
// Offsets are monotonically non-decreasing per stream (spec §3, §8.3).
type StreamChunk struct {
	Offset  int64
	Content string
}

// ExecRecord mirrors spec §3's ExecRecord entity.
type ExecRecord struct {
	CallID      string
	Command     []string
	Parsed      []string
	Action      ExecAction
	Status      Status
	Stdout      []StreamChunk
	Stderr      []StreamChunk
	ExitCode    *int
	StartedAt   time.Time
	CompletedAt *time.Time
	WaitTotal   time.Duration
	WaitActive  bool
	WaitNotes   []string
	WorkingDir  string
	Env         map[string]string
}

// lastOffset returns the offset immediately after the last chunk appended
// to the stream, i.e. the next valid append offset. 0 if stream is empty.
func lastOffset(chunks []StreamChunk) int64 {
	if len(chunks) == 0 {
		return 0
	}
	last := chunks[len(chunks)-1]
	return last.Offset + int64(len(last.Content))
}

// AppendStdout appends a chunk, returning an error if the offset would
// violate the non-decreasing/contiguous invariant (spec §3, §8.3).
func (e *ExecRecord) AppendStdout(chunk StreamChunk) error {
	next := lastOffset(e.Stdout)
	if chunk.Offset < next {
		return fmt.Errorf("stdout chunk offset %d precedes expected %d", chunk.Offset, next)
	}
	e.Stdout = append(e.Stdout, chunk)
	return nil
}

// AppendStderr appends a chunk, returning an error if the offset would
// violate the non-decreasing/contiguous invariant.
func (e *ExecRecord) AppendStderr(chunk StreamChunk) error {
	next := lastOffset(e.Stderr)
	if chunk.Offset < next {
		return fmt.Errorf("stderr chunk offset %d precedes expected %d", chunk.Offset, next)
	}
	e.Stderr = append(e.Stderr, chunk)
	return nil
}

// ConcatStdout concatenates all stdout chunk content in order.
func (e *ExecRecord) ConcatStdout() string {
	return concatChunks(e.Stdout)
}

// ConcatStderr concatenates all stderr chunk content in order.
func (e *ExecRecord) ConcatStderr() string {
	return concatChunks(e.Stderr)
}

func concatChunks(chunks []StreamChunk) string {
	var out string
	for _, c := range chunks {
		out += c.Content
	}
	return out
}

// Clone returns a deep copy of the ExecRecord, used when a MergedExec needs
// to absorb a completed segment without aliasing slices with the original.
func (e *ExecRecord) Clone() *ExecRecord {
	clone := *e
	clone.Command = append([]string(nil), e.Command...)
	clone.Parsed = append([]string(nil), e.Parsed...)
	clone.Stdout = append([]StreamChunk(nil), e.Stdout...)
	clone.Stderr = append([]StreamChunk(nil), e.Stderr...)
	clone.WaitNotes = append([]string(nil), e.WaitNotes...)
	if e.ExitCode != nil {
		code := *e.ExitCode
		clone.ExitCode = &code
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		clone.CompletedAt = &t
	}
	if e.Env != nil {
		clone.Env = make(map[string]string, len(e.Env))
		for k, v := range e.Env {
			clone.Env[k] = v
		}
	}
	return &clone
}

// MergedExecRecord carries the segments of two or more collapsed Exec
// records (spec §4.2, merging rule (c)).
type MergedExecRecord struct {
	Action   ExecAction
	Segments []*ExecRecord
}

// ConcatStdout concatenates the stdout of every segment in order — this is
// the byte-for-byte equivalence checked by spec §8.4.
func (m *MergedExecRecord) ConcatStdout() string {
	var out string
	for _, seg := range m.Segments {
		out += seg.ConcatStdout()
	}
	return out
}

// ConcatStderr concatenates the stderr of every segment in order.
func (m *MergedExecRecord) ConcatStderr() string {
	var out string
	for _, seg := range m.Segments {
		out += seg.ConcatStderr()
	}
	return out
}

// Record is a single entry in the history log: a stable id, its order key,
// its kind tag, and a kind-specific payload.
type Record struct {
	ID      ID
	Key     ordering.Key
	Kind    Kind
	Frozen  bool
	Payload any
}

// Immutable reports whether the record's essential fields may no longer
// change: per spec §3, true once ID != 0 and (for records with a Status)
// Status != Running.
func (r *Record) Immutable() bool {
	if r.ID == 0 {
		return false
	}
	switch p := r.Payload.(type) {
	case *ExecRecord:
		return p.Status != StatusRunning
	default:
		return true
	}
}

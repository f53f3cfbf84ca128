// Package rollout persists a session's history as an append-only JSONL
// file and replays it back on resume without re-executing any tool.
//
// It generalizes the teacher's tape.Recorder/tape.Replayer (which snapshot
// an entire conversation as one JSON document, internal/agent/tape) into an
// incremental, line-oriented log in the style of
// internal/sessions.MemoryLogger's daily append-only file: one JSON object
// per line, flushed as it is written, safe to resume by reading forward
// from the last line a previous process wrote.
package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrelcode/turnengine/internal/history"
	"github.com/kestrelcode/turnengine/internal/ordering"
)

// Item is one line of a rollout file: a timestamped, kind-tagged record.
type Item struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      history.Kind    `json:"kind"`
	ID        history.ID      `json:"id"`
	Payload   json.RawMessage `json:"payload"`
}

// Recorder appends Items to a session's rollout file as they are produced.
// Mirrors the teacher's append-only-file-with-mutex shape from
// internal/sessions/memory_logger.go, generalized to JSON lines instead of
// markdown lines.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	log  *slog.Logger
	path string
}

// PathFor builds the sessions/YYYY/MM/DD/rollout-<sessionID>.jsonl layout
// under codeHome, matching the persisted-state layout in spec §6.
func PathFor(codeHome, sessionID string, when time.Time) string {
	return filepath.Join(
		codeHome, "sessions",
		when.Format("2006"), when.Format("01"), when.Format("02"),
		fmt.Sprintf("rollout-%s.jsonl", sessionID),
	)
}

// NewRecorder opens (creating parent directories as needed) the rollout
// file at path for appending.
func NewRecorder(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rollout: create session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("rollout: open %s: %w", path, err)
	}
	return &Recorder{
		file: f,
		w:    bufio.NewWriter(f),
		log:  slog.Default().With("component", "rollout"),
		path: path,
	}, nil
}

// Append writes id/kind/payload as one JSON line and flushes it, so a
// crash immediately after Append never loses the record.
func (r *Recorder) Append(id history.ID, kind history.Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rollout: marshal payload for record %d: %w", id, err)
	}
	item := Item{Timestamp: time.Now(), Kind: kind, ID: id, Payload: raw}
	line, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("rollout: marshal item for record %d: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(line); err != nil {
		return fmt.Errorf("rollout: write record %d: %w", id, err)
	}
	if err := r.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("rollout: write newline for record %d: %w", id, err)
	}
	if err := r.w.Flush(); err != nil {
		return fmt.Errorf("rollout: flush record %d: %w", id, err)
	}
	r.log.Debug("appended rollout item", "id", id, "kind", kind)
	return nil
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Flush(); err != nil {
		return err
	}
	return r.file.Close()
}

// Path returns the rollout file's path on disk.
func (r *Recorder) Path() string { return r.path }

// ReadAll reads every Item from the rollout file at path in order,
// tolerating a truncated final line (a crash mid-write) by stopping at the
// first unparsable line rather than failing the whole read (spec §6, resume
// semantics: replay whatever was durably flushed).
func ReadAll(path string) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("rollout: open %s: %w", path, err)
	}
	defer f.Close()

	var items []Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item Item
		if err := json.Unmarshal(line, &item); err != nil {
			break
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return items, fmt.Errorf("rollout: scan %s: %w", path, err)
	}
	return items, nil
}

// Resumer replays a rollout file into a history.Store without executing
// any tool, mirroring tape.Replayer's "replay recorded state, never call
// the real provider or tool" contract.
type Resumer struct {
	store *history.Store
}

// NewResumer binds a Resumer to the store it will rehydrate.
func NewResumer(store *history.Store) *Resumer {
	return &Resumer{store: store}
}

// Replay reads every Item from path and re-inserts it into the bound store
// and substrate, preserving insertion order. Exec/merge semantics are not
// re-derived: the rollout already reflects the post-merge shape of
// history, so each Item round-trips as a single insertion keyed by a fresh
// internal key from sub, rather than replaying the original event stream
// that produced it.
func (r *Resumer) Replay(path string, sub *ordering.Substrate) ([]Item, error) {
	items, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		var payload any
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return items, fmt.Errorf("rollout: unmarshal payload for record %d: %w", item.ID, err)
		}
		if _, err := r.store.Apply(history.InsertEvent{
			Key:     sub.NextInternal(),
			Kind:    item.Kind,
			Payload: payload,
		}); err != nil {
			return items, fmt.Errorf("rollout: replay record %d: %w", item.ID, err)
		}
	}
	return items, nil
}

// Package wait implements the C5 "wait" and "kill" tool handlers (spec
// §4.5): wait parks until the named background exec terminates or the wait
// itself is cancelled, accumulating wait_total/wait_notes on the underlying
// ExecRecord without touching its Running status; kill requests
// termination via the same exectrack registry the shell handler populates.
package wait

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kestrelcode/turnengine/internal/history"
	"github.com/kestrelcode/turnengine/internal/toolhandlers/exectrack"
	"github.com/kestrelcode/turnengine/internal/toolrouter"
)

// Args is the wait/kill input contract: a single call_id naming the
// tracked exec. wait additionally accepts an optional cap on how long it
// will park before giving up and returning control to the caller.
type Args struct {
	CallID     string `json:"call_id"`
	TimeoutMs  int    `json:"timeout_ms"`
	Note       string `json:"note"`
}

// WaitHandler implements toolrouter.Handler for "wait".
type WaitHandler struct {
	store   *history.Store
	tracker *exectrack.Tracker
}

// NewWait creates a wait handler reading call_id handles from tracker and
// recording accumulated wait time on store.
func NewWait(store *history.Store, tracker *exectrack.Tracker) *WaitHandler {
	return &WaitHandler{store: store, tracker: tracker}
}

func (h *WaitHandler) Hints() toolrouter.SchedulingHints {
	return toolrouter.SchedulingHints{IsParallelSafe: true, IsAsync: true}
}

func (h *WaitHandler) Handle(ctx context.Context, inv toolrouter.Invocation) (toolrouter.ToolOutput, error) {
	var args Args
	if err := json.Unmarshal(inv.ArgsRaw, &args); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("wait: invalid arguments: %w", err)
	}
	if args.CallID == "" {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("wait: call_id is required")
	}

	handle, tracked := h.tracker.Get(args.CallID)

	waitCtx := ctx
	var cancel context.CancelFunc
	if args.TimeoutMs > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(args.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	if _, err := h.store.Apply(history.UpdateWaitEvent{CallID: args.CallID, WaitActive: true, Note: args.Note}); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("wait: %w", err)
	}

	var waitErr error
	if tracked {
		select {
		case <-handle.Done:
		case <-waitCtx.Done():
			waitErr = waitCtx.Err()
		}
	}
	// An untracked call_id (already finished, or never a background exec)
	// resolves immediately: there is nothing left to park on.

	elapsed := time.Since(start)
	if _, err := h.store.Apply(history.UpdateWaitEvent{CallID: args.CallID, AddWait: elapsed, WaitActive: false}); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("wait: %w", err)
	}

	if waitErr != nil {
		return toolrouter.ToolOutput{Text: "wait timed out before the exec finished", Success: boolPtr(false)}, nil
	}
	return toolrouter.ToolOutput{Text: fmt.Sprintf("waited %s", elapsed.Round(time.Millisecond)), Success: boolPtr(true)}, nil
}

// KillHandler implements toolrouter.Handler for "kill".
type KillHandler struct {
	tracker *exectrack.Tracker
}

// NewKill creates a kill handler that requests termination of a call_id
// tracked by tracker.
func NewKill(tracker *exectrack.Tracker) *KillHandler {
	return &KillHandler{tracker: tracker}
}

func (h *KillHandler) Hints() toolrouter.SchedulingHints {
	return toolrouter.SchedulingHints{IsParallelSafe: true}
}

func (h *KillHandler) Handle(ctx context.Context, inv toolrouter.Invocation) (toolrouter.ToolOutput, error) {
	var args Args
	if err := json.Unmarshal(inv.ArgsRaw, &args); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("kill: invalid arguments: %w", err)
	}
	if args.CallID == "" {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("kill: call_id is required")
	}

	handle, ok := h.tracker.Get(args.CallID)
	if !ok {
		return toolrouter.ToolOutput{Text: "no running exec for that call_id", Success: boolPtr(false)}, nil
	}
	handle.Cancel()
	return toolrouter.ToolOutput{Text: "termination requested", Success: boolPtr(true)}, nil
}

func boolPtr(b bool) *bool { return &b }

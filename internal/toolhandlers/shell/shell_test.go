package shell

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kestrelcode/turnengine/internal/history"
	"github.com/kestrelcode/turnengine/internal/ordering"
	"github.com/kestrelcode/turnengine/internal/toolhandlers/exectrack"
	"github.com/kestrelcode/turnengine/internal/toolrouter"
)

func newTestHandler(t *testing.T) (*Handler, *history.Store) {
	t.Helper()
	store := history.New()
	sub := ordering.New()
	return New(t.TempDir(), store, sub, nil, exectrack.New()), store
}

func TestHandleRunsCommandAndRecordsExec(t *testing.T) {
	h, store := newTestHandler(t)
	args, _ := json.Marshal(Args{Command: []string{"echo", "hello"}})

	out, err := h.Handle(context.Background(), toolrouter.Invocation{CallID: "call-1", ArgsRaw: args})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Success == nil || !*out.Success {
		t.Errorf("expected success, got %+v", out)
	}

	id, ok := store.HistoryIDForExecCall("call-1")
	if !ok {
		t.Fatalf("expected an exec record for call-1")
	}
	rec, _ := store.Record(id)
	er := rec.Payload.(*history.ExecRecord)
	if !strings.Contains(er.ConcatStdout(), "hello") {
		t.Errorf("ConcatStdout() = %q, want to contain hello", er.ConcatStdout())
	}
	if er.Status != history.StatusSuccess {
		t.Errorf("Status = %s, want success", er.Status)
	}
}

func TestHandleNonZeroExitIsError(t *testing.T) {
	h, store := newTestHandler(t)
	args, _ := json.Marshal(Args{Command: []string{"sh", "-c", "exit 3"}})

	out, err := h.Handle(context.Background(), toolrouter.Invocation{CallID: "call-2", ArgsRaw: args})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Success == nil || *out.Success {
		t.Errorf("expected failure, got %+v", out)
	}
	id, _ := store.HistoryIDForExecCall("call-2")
	rec, _ := store.Record(id)
	er := rec.Payload.(*history.ExecRecord)
	if er.ExitCode == nil || *er.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", er.ExitCode)
	}
}

func TestHandleRejectsMissingCommand(t *testing.T) {
	h, _ := newTestHandler(t)
	args, _ := json.Marshal(Args{})
	if _, err := h.Handle(context.Background(), toolrouter.Invocation{CallID: "call-3", ArgsRaw: args}); err == nil {
		t.Errorf("expected an error for an empty command")
	}
}

type denyAll struct{}

func (denyAll) Approved(command []string, cwd string) (bool, error) { return false, nil }

func TestHandleRespectsApprovalPolicy(t *testing.T) {
	store := history.New()
	sub := ordering.New()
	h := New(t.TempDir(), store, sub, denyAll{}, exectrack.New())
	args, _ := json.Marshal(Args{Command: []string{"echo", "hi"}})

	out, err := h.Handle(context.Background(), toolrouter.Invocation{CallID: "call-4", ArgsRaw: args})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out.Success == nil || *out.Success {
		t.Errorf("expected denial to surface as a non-success output")
	}
	if _, ok := store.HistoryIDForExecCall("call-4"); ok {
		t.Errorf("expected no exec record to be started for a denied command")
	}
}

func TestHintsDefaultToNotParallelSafe(t *testing.T) {
	h, _ := newTestHandler(t)
	if h.Hints().IsParallelSafe {
		t.Errorf("expected shell to default to IsParallelSafe = false")
	}
}

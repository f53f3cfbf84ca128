// Per-thread wiring: everything a single conversation thread needs is
// constructed fresh here and owned exclusively by that thread's session
// task (spec §5, "single-threaded cooperative task per session"). Nothing
// in this file is shared across threads except the process-wide Services.
package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kestrelcode/turnengine/internal/approval"
	"github.com/kestrelcode/turnengine/internal/history"
	"github.com/kestrelcode/turnengine/internal/mcp"
	"github.com/kestrelcode/turnengine/internal/ordering"
	"github.com/kestrelcode/turnengine/internal/rollout"
	"github.com/kestrelcode/turnengine/internal/scratchpad"
	"github.com/kestrelcode/turnengine/internal/subagent"
	toolhandlersagent "github.com/kestrelcode/turnengine/internal/toolhandlers/agent"
	"github.com/kestrelcode/turnengine/internal/toolhandlers/browser"
	"github.com/kestrelcode/turnengine/internal/toolhandlers/exectrack"
	"github.com/kestrelcode/turnengine/internal/toolhandlers/grep"
	"github.com/kestrelcode/turnengine/internal/toolhandlers/listdir"
	mcpbridge "github.com/kestrelcode/turnengine/internal/toolhandlers/mcp"
	"github.com/kestrelcode/turnengine/internal/toolhandlers/patch"
	"github.com/kestrelcode/turnengine/internal/toolhandlers/readfile"
	"github.com/kestrelcode/turnengine/internal/toolhandlers/shell"
	"github.com/kestrelcode/turnengine/internal/toolhandlers/wait"
	"github.com/kestrelcode/turnengine/internal/toolrouter"
	"github.com/kestrelcode/turnengine/internal/turn"
	"github.com/kestrelcode/turnengine/pkg/models"
)

// thread is one conversation's full set of managers plus the rpcConn it
// reports events to.
type thread struct {
	id  string
	svc *Services
	rc  *rpcConn

	mu       sync.Mutex
	history  *history.Store
	sub      *ordering.Substrate
	session  *turn.Session
	engine   *turn.Engine
	gate     *approval.Gate
	prompter *wirePrompter
	agents   *subagent.Manager
	rec      *rollout.Recorder
	cfg      turn.Config

	recorded  int // count of history records already appended to rec
	workspace string
}

// newThread builds every manager a thread needs from shared Services,
// scoped to this thread's own history/ordering instances (spec §5,
// "History store is owned by the session task").
func newThread(svc *Services, rc *rpcConn, id, workspace string) (*thread, error) {
	provider, err := newLLMProvider(svc.Config)
	if err != nil {
		return nil, fmt.Errorf("select llm provider: %w", err)
	}

	histStore := history.New()
	sub := ordering.New()
	tracker := exectrack.New()

	prompter := newWirePrompter(rc)
	gate := approval.NewGate(svc.ApprovalChecker, approval.WorkspaceWrite, workspace, nil, prompter)

	registry := toolrouter.New(mcpbridge.NewBridge(svc.MCP, mcp.NewAccessSnapshot(connectedServerIDs(svc.MCP))))
	registry.Register("shell", shell.New(workspace, histStore, sub, gate, tracker))
	registry.Register("apply_patch", patch.New(workspace, histStore, sub, gate))
	registry.Register("read_file", readfile.New(workspace))
	registry.Register("list_dir", listdir.New(workspace))
	registry.Register("grep", grep.New(workspace, "grep", registry))
	registry.Register("wait", wait.NewWait(histStore, tracker))
	registry.Register("kill", wait.NewKill(tracker))
	registry.Register("browser_navigate", browser.New())

	compactor := newScratchpadCompactor(provider, svc.Config.LLM.Providers[svc.Config.LLM.DefaultProvider].DefaultModel)

	agentsManager := subagent.NewManager(newEngineExecutor(func() *turn.Engine {
		return turn.NewEngine(provider, registry, compactor, nil, svc.Logger)
	}), sub)
	registry.Register("agent", toolhandlersagent.New(agentsManager, histStore, sub))
	agentsManager.StartWatchdog(context.Background())

	rolloutPath := rollout.PathFor(svc.CodeHome, id, time.Now())
	rec, err := rollout.NewRecorder(rolloutPath)
	if err != nil {
		return nil, fmt.Errorf("open rollout: %w", err)
	}

	t := &thread{
		id:        id,
		svc:       svc,
		rc:        rc,
		history:   histStore,
		sub:       sub,
		gate:      gate,
		prompter:  prompter,
		agents:    agentsManager,
		rec:       rec,
		workspace: workspace,
		cfg:       turn.DefaultConfig(),
	}

	t.cfg.Cwd = workspace
	t.cfg.Events = turn.EventSink{
		OnReasoningDelta: func(text string) { t.notify("reasoningDelta", map[string]any{"text": text}) },
		OnAssistantDelta: func(text string) { t.notify("assistantDelta", map[string]any{"text": text}) },
		OnToolCallBegin:  t.onToolCallBegin,
		OnToolCallEnd:    t.onToolCallEnd,
	}

	t.engine = turn.NewEngine(provider, registry, compactor, tokenEstimator, svc.Logger)
	t.session = t.engine.Prepare(id)

	return t, nil
}

func connectedServerIDs(mgr *mcp.Manager) []string {
	clients := mgr.Clients()
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	return ids
}

func tokenEstimator(items []scratchpad.Item) int {
	total := 0
	for _, it := range items {
		total += len(it.Text) / 4
	}
	return total
}

func (t *thread) notify(method string, params any) {
	if err := t.rc.notify(method, params); err != nil {
		t.svc.Logger.Warn("notify failed", "thread", t.id, "method", method, "error", err)
	}
}

func (t *thread) onToolCallBegin(call models.ToolCall) {
	if isExecTool(call.Name) {
		t.notify("ExecCommandBegin", map[string]any{"call_id": call.ID, "name": call.Name})
		return
	}
	if serverID, toolName, ok := splitMCPToolName(call.Name); ok {
		t.notify("McpToolCallBegin", map[string]any{"call_id": call.ID, "server": serverID, "tool": toolName})
		return
	}
	t.notify("CustomToolCallBegin", map[string]any{"call_id": call.ID, "name": call.Name})
}

func (t *thread) onToolCallEnd(call models.ToolCall, out toolrouter.ToolOutput, err error) {
	success := true
	if out.Success != nil {
		success = *out.Success
	}
	if err != nil {
		success = false
	}

	if isExecTool(call.Name) {
		payload := map[string]any{"call_id": call.ID, "success": success}
		if id, ok := t.history.HistoryIDForExecCall(call.ID); ok {
			if rec, ok := t.history.Record(id); ok {
				if exec, ok := rec.Payload.(*history.ExecRecord); ok {
					payload["exit_code"] = exec.ExitCode
					payload["stdout"] = exec.ConcatStdout()
					payload["stderr"] = exec.ConcatStderr()
				}
			}
		}
		t.notify("ExecCommandEnd", payload)
		return
	}
	if serverID, toolName, ok := splitMCPToolName(call.Name); ok {
		t.notify("McpToolCallEnd", map[string]any{"call_id": call.ID, "server": serverID, "tool": toolName, "success": success, "text": out.Text})
		return
	}
	t.notify("CustomToolCallEnd", map[string]any{"call_id": call.ID, "name": call.Name, "success": success, "text": out.Text})
}

func isExecTool(name string) bool {
	return name == "shell" || name == "exec"
}

func splitMCPToolName(name string) (serverID, toolName string, ok bool) {
	idx := strings.Index(name, ":")
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// runTurn runs one user submission to completion, appends every history
// record the attempt produced to the rollout log, and notifies
// AgentStatusUpdate/TurnCompleted around it (spec §6-Events).
func (t *thread) runTurn(ctx context.Context, userText string) turn.TurnCompleted {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.notify("AgentStatusUpdate", agentStatusPayload(t.agents))
	result := t.engine.RunTurn(ctx, t.cfg, t.session, userText)

	snapshot := t.history.Snapshot()
	for _, rec := range snapshot[t.recorded:] {
		if rec.ID == 0 {
			continue
		}
		if err := t.rec.Append(rec.ID, rec.Kind, rec.Payload); err != nil {
			t.svc.Logger.Warn("rollout append failed", "thread", t.id, "error", err)
		}
	}
	t.recorded = len(snapshot)

	t.notify("TurnCompleted", map[string]any{
		"status":   result.Status,
		"attempts": result.Attempts,
		"text":     result.Text,
	})
	return result
}

func agentStatusPayload(mgr *subagent.Manager) map[string]any {
	return map[string]any{"agents": mgr.List(subagent.ListFilter{})}
}

func (t *thread) close() error {
	t.agents.StopWatchdog()
	return t.rec.Close()
}

// wirePrompter implements approval.Prompter by sending a notification
// describing the pending review and blocking on a channel until
// methods.go delivers the client's "approval/decision" response for the
// matching review_id (spec §6: approval is a client-originated decision
// surfaced back to a server-side wait, not a second request/response
// round trip of the underlying transport's own id scheme).
type wirePrompter struct {
	rc *rpcConn

	mu      sync.Mutex
	pending map[string]chan approval.ReviewDecision
}

func newWirePrompter(rc *rpcConn) *wirePrompter {
	return &wirePrompter{rc: rc, pending: make(map[string]chan approval.ReviewDecision)}
}

func (p *wirePrompter) ReviewExecCommand(ctx context.Context, req approval.ExecCommandApproval) (approval.ReviewDecision, error) {
	return p.review(ctx, "approval/execCommand", map[string]any{
		"command": req.Command,
		"cwd":     req.Cwd,
		"reason":  req.Reason,
	})
}

func (p *wirePrompter) ReviewFileChange(ctx context.Context, req approval.FileChangeApproval) (approval.ReviewDecision, error) {
	return p.review(ctx, "approval/fileChange", map[string]any{
		"paths":  req.Paths,
		"reason": req.Reason,
	})
}

func (p *wirePrompter) review(ctx context.Context, method string, payload map[string]any) (approval.ReviewDecision, error) {
	reviewID := fmt.Sprintf("%s-%d", method, time.Now().UnixNano())
	ch := make(chan approval.ReviewDecision, 1)

	p.mu.Lock()
	p.pending[reviewID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, reviewID)
		p.mu.Unlock()
	}()

	payload["review_id"] = reviewID
	if err := p.rc.notify(method, payload); err != nil {
		return approval.Denied, err
	}

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		return approval.Denied, ctx.Err()
	}
}

// resolveReview delivers the client's answer to the waiting review()
// call above; methods.go calls this when an "approval/decision" request
// arrives. Returns false if reviewID is unknown (already resolved, or
// never issued).
func (p *wirePrompter) resolveReview(reviewID string, decision approval.ReviewDecision) bool {
	p.mu.Lock()
	ch, ok := p.pending[reviewID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decision
	return true
}

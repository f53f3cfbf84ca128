// Package toolrouter implements the tool registry and per-turn dispatch
// rules described in spec §4.4 (component C4): classifying a response item
// as a dynamic/local-shell/custom/MCP tool call, applying search-tool
// gating, and truncating oversize output.
//
// It generalizes the teacher's ToolRegistry (internal/agent/tool_registry.go)
// — a flat name-to-Tool map with a single Execute entrypoint — into a
// dispatcher that additionally classifies response items by shape before
// looking a handler up, and that understands the MCP `<server>:<tool>`
// naming convention already used by internal/mcp/bridge.go.
package toolrouter

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ToolOutput is a handler's result before it is wrapped into a
// ResponseInputItem for the provider.
type ToolOutput struct {
	Text    string
	Success *bool // nil means "unknown", per spec §4.4's LocalShellCall protocol-error case.
}

// SchedulingHints tells the turn engine how a handler wants to be run.
type SchedulingHints struct {
	IsParallelSafe bool
	IsAsync        bool // long-running; the caller should track it as a background job.
}

// Invocation is a router input: a classified response item ready to be
// handed to a Handler.
type Invocation struct {
	CallID  string
	ArgsRaw []byte
}

// Handler is the capability set a registered tool exposes (spec §4.4:
// "handle(sess, turn_diff_tracker, invocation) -> ToolOutput, scheduling_hints,
// is_parallel_safe").
type Handler interface {
	Handle(ctx context.Context, inv Invocation) (ToolOutput, error)
	Hints() SchedulingHints
}

// HandlerFunc adapts a plain function into a Handler with default (safe,
// synchronous) scheduling hints.
type HandlerFunc func(ctx context.Context, inv Invocation) (ToolOutput, error)

func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) (ToolOutput, error) {
	return f(ctx, inv)
}
func (f HandlerFunc) Hints() SchedulingHints { return SchedulingHints{IsParallelSafe: true} }

// MCPLookup reports whether serverID:toolName is a tool the MCP manager
// currently knows about, and returns a handler able to dispatch to it.
type MCPLookup interface {
	Lookup(serverID, toolName string) (Handler, bool)
}

// Registry maps tool names to dynamic handlers and tracks MCP lookup plus
// search-tool selection state for one turn's dispatch decisions.
type Registry struct {
	mu       sync.RWMutex
	dynamic  map[string]Handler
	mcp      MCPLookup
	// searchToolMode, when true, requires a tool to have been selected via
	// search_tool_bm25 before an MCP call to it is allowed (spec §4.4).
	searchToolMode bool
	selected       map[string]bool
}

// New creates an empty Registry. Pass the MCP lookup it should consult for
// `<server>:<tool>` names; it may be nil if MCP is not configured.
func New(mcp MCPLookup) *Registry {
	return &Registry{
		dynamic:  make(map[string]Handler),
		mcp:      mcp,
		selected: make(map[string]bool),
	}
}

// Register adds or replaces a dynamic handler under name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dynamic[name] = h
}

// Unregister removes a dynamic handler.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.dynamic, name)
}

// SetSearchToolMode toggles whether MCP tool calls require prior selection
// via search_tool_bm25 in the current turn.
func (r *Registry) SetSearchToolMode(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchToolMode = on
	if !on {
		r.selected = make(map[string]bool)
	}
}

// MarkSelected records that search_tool_bm25 surfaced toolName this turn,
// making a subsequent MCP call to it permissible under search-tool mode.
func (r *Registry) MarkSelected(toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected[toolName] = true
}

// ResetTurn clears the per-turn search-tool selection set. Call this once
// at the start of each new turn.
func (r *Registry) ResetTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected = make(map[string]bool)
}

// ErrUnsupportedToolCall is returned (wrapped with the tool name) when no
// handler — dynamic, MCP, or registry — can service a FunctionCall.
type ErrUnsupportedToolCall struct{ ToolName string }

func (e *ErrUnsupportedToolCall) Error() string {
	return fmt.Sprintf("unsupported tool call: %q", e.ToolName)
}

// ErrNotSelected is returned when search-tool mode is active and the named
// MCP tool was not surfaced via search_tool_bm25 in the current turn.
type ErrNotSelected struct{ ToolName string }

func (e *ErrNotSelected) Error() string {
	return fmt.Sprintf("tool %q was not selected via search_tool_bm25 this turn", e.ToolName)
}

// splitMCPName parses "<server>:<tool>"; ok is false if name has no colon
// or either half is empty.
func splitMCPName(name string) (server, tool string, ok bool) {
	idx := strings.IndexByte(name, ':')
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// DispatchFunctionCall implements spec §4.4 rule 1: classify toolName and
// dispatch to the appropriate handler.
func (r *Registry) DispatchFunctionCall(ctx context.Context, toolName string, inv Invocation) (ToolOutput, error) {
	r.mu.RLock()
	h, isDynamic := r.dynamic[toolName]
	mcp := r.mcp
	searchMode := r.searchToolMode
	selected := r.selected[toolName]
	r.mu.RUnlock()

	if isDynamic {
		return h.Handle(ctx, inv)
	}

	if server, tool, ok := splitMCPName(toolName); ok && mcp != nil {
		if mcpHandler, known := mcp.Lookup(server, tool); known {
			if searchMode && !selected {
				return ToolOutput{}, &ErrNotSelected{ToolName: toolName}
			}
			return mcpHandler.Handle(ctx, inv)
		}
	}

	return ToolOutput{}, &ErrUnsupportedToolCall{ToolName: toolName}
}

// LocalShellParams is the params shape a LocalShellCall is translated into
// before dispatch to the shell handler (spec §4.4 rule 2).
type LocalShellParams struct {
	Command          []string
	WorkingDirectory string
	Timeout          int
	Env              map[string]string
}

// DispatchLocalShellCall implements spec §4.4 rule 2. A LocalShellCall
// missing both CallID and ID is a fatal protocol error: the spec requires
// emitting an output with an empty call-id and Success == nil rather than
// panicking or silently dropping the call.
func (r *Registry) DispatchLocalShellCall(ctx context.Context, callID, id string, params LocalShellParams) (string, ToolOutput, error) {
	if callID == "" && id == "" {
		return "", ToolOutput{Success: nil}, fmt.Errorf("local shell call: missing both call_id and id")
	}
	effectiveID := callID
	if effectiveID == "" {
		effectiveID = id
	}

	r.mu.RLock()
	h, ok := r.dynamic["shell"]
	r.mu.RUnlock()
	if !ok {
		return effectiveID, ToolOutput{}, &ErrUnsupportedToolCall{ToolName: "shell"}
	}

	inv := Invocation{CallID: effectiveID, ArgsRaw: marshalShellParams(params)}
	out, err := h.Handle(ctx, inv)
	return effectiveID, out, err
}

// DispatchCustomToolCall implements spec §4.4 rule 3: a CustomToolCall
// dispatches using a Custom{input} payload rather than parsed JSON args.
func (r *Registry) DispatchCustomToolCall(ctx context.Context, toolName, callID, input string) (ToolOutput, error) {
	r.mu.RLock()
	h, ok := r.dynamic[toolName]
	r.mu.RUnlock()
	if !ok {
		return ToolOutput{}, &ErrUnsupportedToolCall{ToolName: toolName}
	}
	return h.Handle(ctx, Invocation{CallID: callID, ArgsRaw: []byte(input)})
}

func marshalShellParams(p LocalShellParams) []byte {
	// Minimal, dependency-free encoding: the shell handler only needs a
	// stable shape it controls on both ends of this internal call.
	b := []byte(`{"command":[`)
	for i, c := range p.Command {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '"')
		b = append(b, []byte(strings.ReplaceAll(c, `"`, `\"`))...)
		b = append(b, '"')
	}
	b = append(b, []byte(fmt.Sprintf(`],"cwd":%q,"timeout":%d}`, p.WorkingDirectory, p.Timeout))...)
	return b
}

const truncationMarker = "\n... [output truncated] ...\n"

// TruncateOutput caps text to maxBytes, keeping the tail and prefixing a
// marker, per spec §4.4: "oversize output is truncated to the tail with a
// marker."
func TruncateOutput(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	keep := maxBytes - len(truncationMarker)
	if keep < 0 {
		keep = 0
	}
	return truncationMarker + text[len(text)-keep:]
}

// Package mcp implements the C5 bridge between the tool router (C4) and
// the MCP client manager (C6): it satisfies toolrouter.MCPLookup by
// resolving "<server>:<tool>" calls through a per-turn AccessSnapshot and
// translating the result into a toolrouter.ToolOutput.
//
// Grounded on internal/mcp/bridge.go's ToolBridge, narrowed to the
// lookup+dispatch shape toolrouter.MCPLookup needs.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpclient "github.com/kestrelcode/turnengine/internal/mcp"
	"github.com/kestrelcode/turnengine/internal/toolrouter"
)

// Manager is the subset of *mcpclient.Manager this bridge needs.
type Manager interface {
	FindTool(name string) (serverID string, tool *mcpclient.MCPTool)
	CallToolInSnapshot(ctx context.Context, snapshot mcpclient.AccessSnapshot, serverID, toolName string, arguments map[string]any) (*mcpclient.ToolCallResult, error)
}

// Bridge adapts an MCP Manager to toolrouter.MCPLookup, scoped to one
// turn's AccessSnapshot.
type Bridge struct {
	manager  Manager
	snapshot mcpclient.AccessSnapshot
}

// NewBridge creates a Bridge that only resolves calls to servers allowed
// by snapshot.
func NewBridge(manager Manager, snapshot mcpclient.AccessSnapshot) *Bridge {
	return &Bridge{manager: manager, snapshot: snapshot}
}

// Lookup implements toolrouter.MCPLookup. It does not call the server —
// it only reports whether serverID:toolName both exists and is allowed by
// the current snapshot, returning a Handler that performs the real call.
func (b *Bridge) Lookup(serverID, toolName string) (toolrouter.Handler, bool) {
	if !b.snapshot.Allows(serverID) {
		return nil, false
	}
	if _, tool := b.manager.FindTool(toolName); tool == nil {
		return nil, false
	}
	return &callHandler{manager: b.manager, snapshot: b.snapshot, serverID: serverID, toolName: toolName}, true
}

type callHandler struct {
	manager  Manager
	snapshot mcpclient.AccessSnapshot
	serverID string
	toolName string
}

func (h *callHandler) Hints() toolrouter.SchedulingHints {
	return toolrouter.SchedulingHints{IsParallelSafe: true}
}

func (h *callHandler) Handle(ctx context.Context, inv toolrouter.Invocation) (toolrouter.ToolOutput, error) {
	var args map[string]any
	if len(inv.ArgsRaw) > 0 {
		if err := json.Unmarshal(inv.ArgsRaw, &args); err != nil {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("mcp %s:%s: invalid arguments: %w", h.serverID, h.toolName, err)
		}
	}

	result, err := h.manager.CallToolInSnapshot(ctx, h.snapshot, h.serverID, h.toolName, args)
	if err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("mcp %s:%s: %w", h.serverID, h.toolName, err)
	}

	var text string
	for _, c := range result.Content {
		text += c.Text
	}
	success := !result.IsError
	return toolrouter.ToolOutput{Text: text, Success: &success}, nil
}

func boolPtr(b bool) *bool { return &b }

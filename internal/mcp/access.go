package mcp

import (
	"context"
	"fmt"
)

// AccessSnapshot is the per-turn allow/deny view over connected MCP
// servers (spec §4.6 expansion): the turn engine computes one snapshot at
// attempt-build time and every MCP dispatch for that attempt is filtered
// through it, so a server disconnected or revoked mid-turn cannot surface
// tools that were not part of the snapshot it was built from.
type AccessSnapshot struct {
	allowed map[string]bool
}

// NewAccessSnapshot builds a snapshot allowing exactly the given server
// IDs. A nil/empty list denies every server.
func NewAccessSnapshot(serverIDs []string) AccessSnapshot {
	allowed := make(map[string]bool, len(serverIDs))
	for _, id := range serverIDs {
		allowed[id] = true
	}
	return AccessSnapshot{allowed: allowed}
}

// Allows reports whether serverID is part of this snapshot.
func (s AccessSnapshot) Allows(serverID string) bool {
	return s.allowed[serverID]
}

// ErrServerNotInSnapshot is returned when a call targets a server outside
// the turn's access snapshot.
var ErrServerNotInSnapshot = fmt.Errorf("mcp: server not in this turn's access snapshot")

// FilteredTools is AllTools restricted to servers present in snapshot.
func (m *Manager) FilteredTools(snapshot AccessSnapshot) map[string][]*MCPTool {
	all := m.AllTools()
	out := make(map[string][]*MCPTool, len(all))
	for id, tools := range all {
		if snapshot.Allows(id) {
			out[id] = tools
		}
	}
	return out
}

// FilteredResources is AllResources restricted to servers present in
// snapshot.
func (m *Manager) FilteredResources(snapshot AccessSnapshot) map[string][]*MCPResource {
	all := m.AllResources()
	out := make(map[string][]*MCPResource, len(all))
	for id, resources := range all {
		if snapshot.Allows(id) {
			out[id] = resources
		}
	}
	return out
}

// CallToolInSnapshot calls a tool only if serverID is allowed by snapshot,
// otherwise returning ErrServerNotInSnapshot without reaching the server.
func (m *Manager) CallToolInSnapshot(ctx context.Context, snapshot AccessSnapshot, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	if !snapshot.Allows(serverID) {
		return nil, fmt.Errorf("%w: %s", ErrServerNotInSnapshot, serverID)
	}
	return m.CallTool(ctx, serverID, toolName, arguments)
}

// ReadResourceInSnapshot reads a resource only if serverID is allowed by
// snapshot.
func (m *Manager) ReadResourceInSnapshot(ctx context.Context, snapshot AccessSnapshot, serverID, uri string) ([]*ResourceContent, error) {
	if !snapshot.Allows(serverID) {
		return nil, fmt.Errorf("%w: %s", ErrServerNotInSnapshot, serverID)
	}
	return m.ReadResource(ctx, serverID, uri)
}

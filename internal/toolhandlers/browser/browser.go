// Package browser implements the C5 "browser_*" contract as a thin stub:
// the spec's Non-goals put real CDP/Playwright automation out of scope,
// so this handler validates the action enum and arguments the same way
// the teacher's browser tool does, but reports every action as
// unsupported rather than driving a real browser.
//
// Grounded on internal/tools/browser/browser.go's action enum and
// parameter shape (Action, URL, Selector, Text, Script, Timeout,
// FullPage); the Pool/Playwright driver underneath it is deliberately not
// carried over (see DESIGN.md).
package browser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kestrelcode/turnengine/internal/toolrouter"
)

// Args mirrors the teacher's browser tool schema.
type Args struct {
	Action   string `json:"action"`
	URL      string `json:"url"`
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Script   string `json:"script"`
	Timeout  int    `json:"timeout"`
	FullPage bool   `json:"full_page"`
}

var supportedActions = map[string]bool{
	"navigate": true, "click": true, "type": true, "screenshot": true,
	"extract_text": true, "extract_html": true, "wait_for_element": true,
	"wait_for_navigation": true, "execute_js": true,
}

// Handler implements toolrouter.Handler for "browser_*". It never drives
// a real browser; it exists so callers get a well-formed contract error
// instead of an unknown-tool error.
type Handler struct{}

// New creates a browser stub handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Hints() toolrouter.SchedulingHints {
	return toolrouter.SchedulingHints{IsParallelSafe: false}
}

func (h *Handler) Handle(ctx context.Context, inv toolrouter.Invocation) (toolrouter.ToolOutput, error) {
	var args Args
	if err := json.Unmarshal(inv.ArgsRaw, &args); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("browser: invalid arguments: %w", err)
	}
	if !supportedActions[args.Action] {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("browser: unknown action %q", args.Action)
	}
	return toolrouter.ToolOutput{
		Text:    fmt.Sprintf("browser automation is not available in this runtime (action %q)", args.Action),
		Success: boolPtr(false),
	}, nil
}

func boolPtr(b bool) *bool { return &b }

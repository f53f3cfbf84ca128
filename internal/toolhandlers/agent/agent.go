// Package agent implements the C5 "agent" tool handler: create, cancel,
// and list sub-agents through the C7 Sub-Agent Manager, streaming a
// synthetic progress notice into the history store on every status
// transition (spec §4.5, §4.7).
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kestrelcode/turnengine/internal/history"
	"github.com/kestrelcode/turnengine/internal/ordering"
	"github.com/kestrelcode/turnengine/internal/subagent"
	"github.com/kestrelcode/turnengine/internal/toolrouter"
)

// Args is the agent tool's input contract. Action selects which
// sub-operation runs; the remaining fields are interpreted per action.
type Args struct {
	Action     string   `json:"action"` // create | cancel | cancel_batch | list
	AgentID    string   `json:"agent_id"`
	BatchID    string   `json:"batch_id"`
	Name       string   `json:"name"`
	Model      string   `json:"model"`
	Prompt     string   `json:"prompt"`
	Context    string   `json:"context"`
	Files      []string `json:"files"`
	ReadOnly   bool     `json:"read_only"`
	Status     string   `json:"status"`
	RecentOnly bool     `json:"recent_only"`
}

// Handler implements toolrouter.Handler for "agent".
type Handler struct {
	manager *subagent.Manager
	store   *history.Store
	sub     *ordering.Substrate
}

// New creates an agent handler wrapping manager, recording progress
// notices into store.
func New(manager *subagent.Manager, store *history.Store, sub *ordering.Substrate) *Handler {
	return &Handler{manager: manager, store: store, sub: sub}
}

func (h *Handler) Hints() toolrouter.SchedulingHints {
	return toolrouter.SchedulingHints{IsParallelSafe: true}
}

// WatchProgress subscribes to the manager's status updates and inserts a
// background notice per update, until ctx is cancelled. Run this once per
// session, not per call.
func (h *Handler) WatchProgress(ctx context.Context) {
	updates := h.manager.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				payload, err := json.Marshal(update)
				if err != nil {
					continue
				}
				_, _ = h.store.Apply(history.InsertEvent{
					Key: h.sub.NextInternal(), Kind: history.KindNotice, Payload: string(payload), Background: true,
				})
			}
		}
	}()
}

func (h *Handler) Handle(ctx context.Context, inv toolrouter.Invocation) (toolrouter.ToolOutput, error) {
	var args Args
	if err := json.Unmarshal(inv.ArgsRaw, &args); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("agent: invalid arguments: %w", err)
	}

	switch args.Action {
	case "create":
		id, err := h.manager.Create(ctx, subagent.CreateRequest{
			BatchID: args.BatchID, Model: args.Model, Name: args.Name,
			Prompt: args.Prompt, Context: args.Context, Files: args.Files, ReadOnly: args.ReadOnly,
		})
		if err != nil {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("agent: %w", err)
		}
		return toolrouter.ToolOutput{Text: fmt.Sprintf(`{"agent_id":%q}`, id), Success: boolPtr(true)}, nil

	case "cancel":
		if args.AgentID == "" {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("agent: agent_id is required for cancel")
		}
		if err := h.manager.Cancel(args.AgentID); err != nil {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("agent: %w", err)
		}
		return toolrouter.ToolOutput{Text: "cancellation requested", Success: boolPtr(true)}, nil

	case "cancel_batch":
		if args.BatchID == "" {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("agent: batch_id is required for cancel_batch")
		}
		n := h.manager.CancelBatch(args.BatchID)
		return toolrouter.ToolOutput{Text: fmt.Sprintf(`{"cancelled":%d}`, n), Success: boolPtr(true)}, nil

	case "list":
		agents := h.manager.List(subagent.ListFilter{
			BatchID: args.BatchID, Status: subagent.Status(args.Status), RecentOnly: args.RecentOnly,
		})
		payload, err := json.Marshal(map[string]any{"agents": agents})
		if err != nil {
			return toolrouter.ToolOutput{}, fmt.Errorf("agent: encode result: %w", err)
		}
		return toolrouter.ToolOutput{Text: string(payload), Success: boolPtr(true)}, nil

	default:
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("agent: unknown action %q", args.Action)
	}
}

func boolPtr(b bool) *bool { return &b }

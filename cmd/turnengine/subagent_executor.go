package main

import (
	"context"
	"fmt"

	"github.com/kestrelcode/turnengine/internal/subagent"
	"github.com/kestrelcode/turnengine/internal/turn"
)

// engineExecutor implements subagent.Executor by running a sub-agent's
// prompt through its own nested turn.Engine/Session, the way the spec's
// Sub-Agent Manager expects an agent's task to be "a turn run to
// completion" rather than a bespoke one-shot completion call.
type engineExecutor struct {
	newEngine func() *turn.Engine
}

func newEngineExecutor(newEngine func() *turn.Engine) *engineExecutor {
	return &engineExecutor{newEngine: newEngine}
}

func (e *engineExecutor) Run(ctx context.Context, req subagent.CreateRequest, report func(note string)) (string, error) {
	eng := e.newEngine()
	sess := eng.Prepare(fmt.Sprintf("subagent:%s", req.Name))

	system := req.Context
	if req.ReadOnly {
		system += "\n\nThis sub-agent runs read-only: do not attempt any write or exec tool that mutates the workspace."
	}

	cfg := turn.DefaultConfig()
	cfg.Model = req.Model
	cfg.System = system

	report("starting")
	result := eng.RunTurn(ctx, cfg, sess, req.Prompt)
	if result.Err != nil {
		return "", result.Err
	}
	if result.Status != turn.StatusCompleted {
		return "", fmt.Errorf("subagent turn ended with status %s", result.Status)
	}
	return result.Text, nil
}

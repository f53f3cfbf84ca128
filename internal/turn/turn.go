// Package turn implements the Session/Turn Engine (spec §4.8, component
// C8): for each user submission, prepare a session, build the provider
// prompt, run the attempt loop (composing attempt_input from history plus
// scratchpad, dispatching tool calls via C4, retrying on provider
// abort/timeout), and finalize with a TurnCompleted status.
//
// Grounded on internal/agent/loop.go's AgenticLoop — Run/streamPhase/
// executeToolsPhase/continuePhase is the same three-phase shape this
// package's RunTurn/runAttempt/dispatchToolCalls generalize, reusing the
// teacher's agent.LLMProvider/CompletionRequest/CompletionChunk provider
// contract as-is rather than redefining one. Retry/backoff on provider
// abort is grounded on internal/backoff's SleepWithBackoff, already a
// teacher dependency-free internal package used the same way by
// internal/agent/failover.go.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrelcode/turnengine/internal/agent"
	"github.com/kestrelcode/turnengine/internal/backoff"
	"github.com/kestrelcode/turnengine/internal/history"
	"github.com/kestrelcode/turnengine/internal/ordering"
	"github.com/kestrelcode/turnengine/internal/scratchpad"
	"github.com/kestrelcode/turnengine/internal/toolrouter"
	"github.com/kestrelcode/turnengine/pkg/models"
)

// Status is the terminal state of a turn (spec §4.8 step 4).
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusReviewRequested Status = "review_requested"
)

// TurnCompleted is the event emitted on finalization.
type TurnCompleted struct {
	Status   Status
	Attempts int
	Text     string
	Err      error
}

// Config holds the per-turn knobs resolved during preparation (spec §4.8
// step 1: "resolve effective config").
type Config struct {
	Model                  string
	System                 string
	Cwd                    string
	MaxAttempts            int
	AutoCompactTokenLimit  int
	Backoff                backoff.BackoffPolicy

	// Events, when non-nil, is notified of everything an attempt produces
	// as it produces it (spec §6-Events: "Per turn, in order: ...").
	// Left nil by default so callers that only want the final
	// TurnCompleted (tests, batch runs) pay nothing for it.
	Events EventSink
}

// EventSink receives the per-turn notifications spec §6-Events lists, in
// the order they occur. Any method may be nil; a nil Config.Events is
// equivalent to every method being a no-op. Grounded on the teacher's
// ResponseChunk channel-based streaming in runtime.go, narrowed here to a
// synchronous callback set so the caller (the JSON-RPC front end) decides
// how to serialize/buffer delivery.
type EventSink struct {
	OnReasoningDelta func(text string)
	OnAssistantDelta func(text string)
	OnToolCallBegin  func(call models.ToolCall)
	OnToolCallEnd     func(call models.ToolCall, out toolrouter.ToolOutput, err error)
}

func (s EventSink) reasoningDelta(text string) {
	if s.OnReasoningDelta != nil {
		s.OnReasoningDelta(text)
	}
}

func (s EventSink) assistantDelta(text string) {
	if s.OnAssistantDelta != nil {
		s.OnAssistantDelta(text)
	}
}

func (s EventSink) toolCallBegin(call models.ToolCall) {
	if s.OnToolCallBegin != nil {
		s.OnToolCallBegin(call)
	}
}

func (s EventSink) toolCallEnd(call models.ToolCall, out toolrouter.ToolOutput, err error) {
	if s.OnToolCallEnd != nil {
		s.OnToolCallEnd(call, out, err)
	}
}

// DefaultConfig returns sane defaults; MaxAttempts of 0 means "one attempt,
// no retry".
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     backoff.DefaultPolicy(),
	}
}

// Compactor rebuilds a long attempt_input into a short summary item when
// the token estimate approaches AutoCompactTokenLimit (spec §4.8,
// "auto-compaction").
type Compactor interface {
	Summarize(ctx context.Context, items []scratchpad.Item) (string, error)
}

// TokenEstimator estimates the token cost of an attempt_input, used to
// decide when auto-compaction should trigger. Callers may supply a
// provider-specific tokenizer; a length-based approximation is fine too.
type TokenEstimator func(items []scratchpad.Item) int

// Session is the per-conversation state a turn runs against. Per spec §5
// it is owned by exactly one cooperative "session task"; Mu guards the
// mutable fields tool handlers read/write mid-turn (approved commands,
// env), mirroring the teacher's single shared session mutex.
type Session struct {
	ID       string
	History  *history.Store
	Ordering *ordering.Substrate

	mu      sync.Mutex
	Env     map[string]string
	items   []scratchpad.Item // the running attempt_input across turns
	pending []scratchpad.Item // pending tool outputs not yet matched to a call
}

// NewSession creates an empty session state.
func NewSession(id string) *Session {
	return &Session{ID: id, Env: make(map[string]string)}
}

// Items returns a copy of the session's current attempt_input.
func (s *Session) Items() []scratchpad.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scratchpad.Item(nil), s.items...)
}

func (s *Session) appendItems(items ...scratchpad.Item) {
	s.mu.Lock()
	s.items = append(s.items, items...)
	s.mu.Unlock()
}

func (s *Session) replaceItems(items []scratchpad.Item) {
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
}

// ToolDispatcher is the C4 dispatch surface RunTurn drives. Satisfied by
// *toolrouter.Registry.
type ToolDispatcher interface {
	DispatchFunctionCall(ctx context.Context, toolName string, inv toolrouter.Invocation) (toolrouter.ToolOutput, error)
}

// Engine runs turns against a provider and a tool dispatcher.
type Engine struct {
	Provider   agent.LLMProvider
	Dispatcher ToolDispatcher
	Compactor  Compactor
	Estimator  TokenEstimator
	Logger     *slog.Logger
}

// NewEngine wires an engine. logger may be nil, in which case slog.Default
// is used.
func NewEngine(provider agent.LLMProvider, dispatcher ToolDispatcher, compactor Compactor, estimator TokenEstimator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Provider: provider, Dispatcher: dispatcher, Compactor: compactor, Estimator: estimator, Logger: logger.With("component", "turn")}
}

// Prepare resolves a fresh Session for sessionID (spec §4.8 step 1).
// Real preparation (auth-aware agent lists, MCP refresh, network proxy)
// is the responsibility of the caller assembling Engine/Config; Prepare
// itself only allocates the per-turn state this package owns.
func (e *Engine) Prepare(sessionID string) *Session {
	return &Session{ID: sessionID, History: history.New(), Ordering: ordering.New(), Env: make(map[string]string)}
}

// BuildPrompt assembles a provider CompletionRequest from the session's
// attempt_input plus the incoming user text, injecting guardrail/developer
// instructions per keyword heuristics (spec §4.8 step 2).
func (e *Engine) BuildPrompt(cfg Config, sess *Session, userText string, searchToolsRegistered bool) *agent.CompletionRequest {
	system := cfg.System
	if needsHTMLSanitizerGuardrail(userText) {
		system += "\n\nWhen rendering any HTML back to the user, sanitize it: strip <script>, inline event handlers, and javascript: URLs before presenting it."
	}
	if searchToolsRegistered && needsSearchToolInstructions(userText) {
		system += "\n\nSelect the most relevant tool via search_tool_bm25 before calling any MCP-backed tool this turn."
	}

	messages := itemsToCompletionMessages(sess.Items())
	messages = append(messages, agent.CompletionMessage{Role: "user", Content: userText})

	return &agent.CompletionRequest{
		Model:    cfg.Model,
		System:   system,
		Messages: messages,
	}
}

func needsHTMLSanitizerGuardrail(userText string) bool {
	return containsAny(userText, "html", "<div", "<script", "render")
}

func needsSearchToolInstructions(userText string) bool {
	return containsAny(userText, "search", "find", "look up", "lookup")
}

func containsAny(s string, needles ...string) bool {
	lower := toLower(s)
	for _, n := range needles {
		if indexOf(lower, n) >= 0 {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func indexOf(s, sub string) int {
	if len(sub) == 0 {
		return 0
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func itemsToCompletionMessages(items []scratchpad.Item) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(items))
	for _, it := range items {
		switch it.Kind {
		case scratchpad.KindMessage:
			out = append(out, agent.CompletionMessage{Role: it.Role, Content: it.Text})
		case scratchpad.KindAssistantText, scratchpad.KindReasoning:
			out = append(out, agent.CompletionMessage{Role: "assistant", Content: it.Text})
		case scratchpad.KindFunctionCall, scratchpad.KindCustomToolCall, scratchpad.KindLocalShellCall:
			out = append(out, agent.CompletionMessage{
				Role:      "assistant",
				ToolCalls: []models.ToolCall{{ID: it.CallID, Name: it.Text}},
			})
		case scratchpad.KindToolOutput:
			content := it.Text
			isError := it.Success != nil && !*it.Success
			out = append(out, agent.CompletionMessage{
				Role:        "tool",
				ToolResults: []models.ToolResult{{ToolCallID: it.CallID, Content: content, IsError: isError}},
			})
		}
	}
	return out
}

// RunTurn executes the attempt loop for one user submission (spec §4.8
// steps 3-4): compose attempt_input with scratchpad injection and missing-
// output repair, call the provider, dispatch any tool calls, and retry
// with backoff on provider abort until MaxAttempts is exhausted.
func (e *Engine) RunTurn(ctx context.Context, cfg Config, sess *Session, userText string) TurnCompleted {
	pad := &scratchpad.Scratchpad{}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return TurnCompleted{Status: StatusCancelled, Attempts: attempt - 1, Err: ctx.Err()}
		}

		attemptInput := pad.InjectIntoAttemptInput(sess.Items())
		attemptInput = scratchpad.ApplyMissingToolOutputs(attemptInput)
		sess.replaceItems(attemptInput)

		if e.shouldCompact(cfg, attemptInput) {
			if err := e.compact(ctx, sess, attemptInput); err != nil {
				e.Logger.Warn("auto-compaction failed, continuing uncompacted", "error", err)
			}
		}

		text, toolCalls, err := e.runAttempt(ctx, cfg, sess, userText, pad)
		if err == nil {
			e.appendAssistant(sess, text, toolCalls)
			return TurnCompleted{Status: StatusCompleted, Attempts: attempt, Text: text}
		}

		lastErr = err
		if ctx.Err() != nil {
			return TurnCompleted{Status: StatusCancelled, Attempts: attempt, Err: ctx.Err()}
		}
		e.Logger.Warn("attempt aborted, retrying", "attempt", attempt, "error", err)
		if attempt < maxAttempts {
			if sleepErr := backoff.SleepWithBackoff(ctx, cfg.Backoff, attempt); sleepErr != nil {
				return TurnCompleted{Status: StatusCancelled, Attempts: attempt, Err: sleepErr}
			}
		}
	}
	return TurnCompleted{Status: StatusFailed, Attempts: maxAttempts, Err: lastErr}
}

// runAttempt streams one provider call and dispatches any tool calls it
// returns, recording reasoning/text/call-output items into pad as it goes
// (spec §4.8 step 3b-3c).
func (e *Engine) runAttempt(ctx context.Context, cfg Config, sess *Session, userText string, pad *scratchpad.Scratchpad) (string, []models.ToolCall, error) {
	req := e.BuildPrompt(cfg, sess, userText, false)
	chunks, err := e.Provider.Complete(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("turn: provider complete: %w", err)
	}

	var text string
	var calls []models.ToolCall
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", nil, fmt.Errorf("turn: provider stream: %w", chunk.Error)
		}
		if chunk.Thinking != "" {
			pad.AppendReasoning(chunk.Thinking)
			cfg.Events.reasoningDelta(chunk.Thinking)
		}
		if chunk.Text != "" {
			text += chunk.Text
			pad.AppendAssistantText(chunk.Text)
			cfg.Events.assistantDelta(chunk.Text)
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
			pad.RecordCall(scratchpad.KindFunctionCall, chunk.ToolCall.ID)
			sess.appendItems(scratchpad.Item{Kind: scratchpad.KindFunctionCall, CallID: chunk.ToolCall.ID, Text: chunk.ToolCall.Name})
		}
		if chunk.Done {
			break
		}
	}

	for _, call := range calls {
		cfg.Events.toolCallBegin(call)
		out, err := e.Dispatcher.DispatchFunctionCall(ctx, call.Name, toolrouter.Invocation{CallID: call.ID, ArgsRaw: call.Input})
		cfg.Events.toolCallEnd(call, out, err)
		success := out.Success
		text := out.Text
		if err != nil {
			f := false
			success = &f
			text = err.Error()
		}
		pad.RecordResponse(call.ID, text, success)
		sess.appendItems(scratchpad.Item{Kind: scratchpad.KindToolOutput, CallID: call.ID, Text: text, Success: success})
	}

	return text, calls, nil
}

// appendAssistant records the attempt's final assistant text. Tool calls
// and their outputs are already appended to sess as they are produced, so
// the call/output pairing order is preserved even across a mid-attempt
// abort.
func (e *Engine) appendAssistant(sess *Session, text string, calls []models.ToolCall) {
	if text != "" {
		sess.appendItems(scratchpad.Item{Kind: scratchpad.KindAssistantText, Text: text})
	}
}

func (e *Engine) shouldCompact(cfg Config, items []scratchpad.Item) bool {
	if e.Compactor == nil || e.Estimator == nil || cfg.AutoCompactTokenLimit <= 0 {
		return false
	}
	return e.Estimator(items) >= cfg.AutoCompactTokenLimit
}

// compact rebuilds history via a summary request and swaps the summary in
// for the live history, preserving any in-flight tool-call/output pairs
// (spec §4.8, §4.11) via scratchpad.ReconcilePendingToolOutputs.
func (e *Engine) compact(ctx context.Context, sess *Session, items []scratchpad.Item) error {
	summary, err := e.Compactor.Summarize(ctx, items)
	if err != nil {
		return err
	}

	var pending []scratchpad.Item
	for _, it := range items {
		if it.Kind == scratchpad.KindToolOutput {
			pending = append(pending, it)
		}
	}

	rebuilt := []scratchpad.Item{{Kind: scratchpad.KindMessage, Role: "system", Text: summary}}
	reconciled, warnings := scratchpad.ReconcilePendingToolOutputs(pending, rebuilt, items)
	for _, w := range warnings {
		e.Logger.Warn("auto-compaction dropped a pending tool output", "reason", w)
	}
	sess.replaceItems(reconciled)
	return nil
}

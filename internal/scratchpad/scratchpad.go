// Package scratchpad implements the C11 Resume/Scratchpad component (spec
// §4.11): preserving in-flight reasoning, assistant text, and tool
// call/output pairs across a retried attempt, and repairing a rebuilt
// attempt_input so every tool call still has a matching output before it
// reaches the provider.
//
// The call/output pairing algorithm is grounded on
// internal/agent/transcript_repair.go's repairTranscript, which already
// tracks "pending call ids awaiting a result" across a []models.Message
// history; this package generalizes that pending-id bookkeeping to the
// spec's attempt_input item stream and its three extra operations
// (inject, missing-outputs, reconcile).
package scratchpad

import (
	"fmt"
)

// ItemKind tags the variant of an Item in an attempt_input stream.
type ItemKind string

const (
	KindMessage        ItemKind = "message"
	KindReasoning      ItemKind = "reasoning"
	KindAssistantText  ItemKind = "assistant_text"
	KindFunctionCall   ItemKind = "function_call"
	KindCustomToolCall ItemKind = "custom_tool_call"
	KindLocalShellCall ItemKind = "local_shell_call"
	KindToolOutput     ItemKind = "tool_output"
)

// Item is one entry of an attempt_input stream: a message, a reasoning or
// assistant-text fragment, a tool-call variant, or a tool output.
// CallID is set for the three call kinds and for KindToolOutput (where it
// names the call the output answers).
type Item struct {
	Kind    ItemKind
	CallID  string
	Role    string // for KindMessage
	Text    string
	Success *bool // for KindToolOutput
}

func isCallKind(k ItemKind) bool {
	return k == KindFunctionCall || k == KindCustomToolCall || k == KindLocalShellCall
}

// Scratchpad accumulates the in-flight state of one attempt so it can be
// replayed into the next attempt after a provider abort/timeout (spec
// §4.8 step 3d).
type Scratchpad struct {
	Items                  []Item
	Responses              []Item // KindToolOutput items collected mid-attempt
	PartialAssistantText   string
	PartialReasoningSummary string
}

// AppendReasoning appends delta to the current reasoning record and to the
// scratchpad (spec §4.8 step 3c).
func (s *Scratchpad) AppendReasoning(delta string) {
	s.PartialReasoningSummary += delta
}

// AppendAssistantText appends delta to the current streaming assistant
// record and to the scratchpad.
func (s *Scratchpad) AppendAssistantText(delta string) {
	s.PartialAssistantText += delta
}

// RecordCall appends a tool-call-variant item the attempt issued.
func (s *Scratchpad) RecordCall(kind ItemKind, callID string) {
	s.Items = append(s.Items, Item{Kind: kind, CallID: callID})
}

// RecordResponse appends a tool output collected mid-attempt.
func (s *Scratchpad) RecordResponse(callID string, text string, success *bool) {
	s.Responses = append(s.Responses, Item{Kind: KindToolOutput, CallID: callID, Text: text, Success: success})
}

const retryHintMaxChars = 800

// truncateTail returns the last n runes of s, at a rune (not byte)
// boundary, so multi-byte characters are never split.
func truncateTail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// InjectIntoAttemptInput implements inject_scratchpad_into_attempt_input
// (spec §4.11 steps 1-4): append scratchpad items whose call has not
// already been seen in priorItems, append every collected response as a
// tool output, and append a synthetic ephemeral retry hint built from the
// last 800 characters of any partial assistant text or reasoning.
func (s *Scratchpad) InjectIntoAttemptInput(priorItems []Item) []Item {
	seenCalls := make(map[string]bool, len(priorItems))
	for _, it := range priorItems {
		if isCallKind(it.Kind) && it.CallID != "" {
			seenCalls[it.CallID] = true
		}
	}

	out := append([]Item(nil), priorItems...)
	for _, it := range s.Items {
		if isCallKind(it.Kind) && it.CallID != "" && seenCalls[it.CallID] {
			continue
		}
		out = append(out, it)
	}
	for _, resp := range s.Responses {
		out = append(out, resp)
	}

	if s.PartialAssistantText != "" {
		out = append(out, ephemeralHint(truncateTail(s.PartialAssistantText, retryHintMaxChars)))
	}
	if s.PartialReasoningSummary != "" {
		out = append(out, ephemeralHint(truncateTail(s.PartialReasoningSummary, retryHintMaxChars)))
	}
	return out
}

func ephemeralHint(tail string) Item {
	return Item{Kind: KindMessage, Role: "user", Text: "[EPHEMERAL:RETRY_HINT] " + tail}
}

// InsertPair is one (insert_index_after, synthetic_output) result of
// MissingToolOutputsToInsert.
type InsertPair struct {
	InsertIndexAfter int
	Output           Item
}

// MissingToolOutputsToInsert finds every call-variant item in items that
// has no matching KindToolOutput later in the stream, and returns a
// synthetic "aborted" output to insert immediately after it, so the
// provider always receives a well-formed call/output sequence (spec
// §4.8 step 3b, §4.11).
func MissingToolOutputsToInsert(items []Item) []InsertPair {
	answered := make(map[string]bool)
	for _, it := range items {
		if it.Kind == KindToolOutput && it.CallID != "" {
			answered[it.CallID] = true
		}
	}

	var pairs []InsertPair
	for i, it := range items {
		if !isCallKind(it.Kind) || it.CallID == "" || answered[it.CallID] {
			continue
		}
		pairs = append(pairs, InsertPair{
			InsertIndexAfter: i,
			Output: Item{
				Kind:    KindToolOutput,
				CallID:  it.CallID,
				Text:    "aborted",
				Success: boolPtr(false),
			},
		})
	}
	return pairs
}

// ApplyMissingToolOutputs inserts the synthetic outputs MissingToolOutputsToInsert
// finds directly into items, immediately after their call.
func ApplyMissingToolOutputs(items []Item) []Item {
	pairs := MissingToolOutputsToInsert(items)
	if len(pairs) == 0 {
		return items
	}
	out := make([]Item, 0, len(items)+len(pairs))
	byIndex := make(map[int][]Item, len(pairs))
	for _, p := range pairs {
		byIndex[p.InsertIndexAfter] = append(byIndex[p.InsertIndexAfter], p.Output)
	}
	for i, it := range items {
		out = append(out, it)
		out = append(out, byIndex[i]...)
	}
	return out
}

// ReconcilePendingToolOutputs ensures every pending tool output has a
// matching call in rebuiltHistory; for calls missing from rebuiltHistory
// it reaches back into previousInput to recover the original call so the
// pair stays intact. Orphaned outputs with no recoverable call are
// dropped; their call ids are returned as warnings.
func ReconcilePendingToolOutputs(pendingOutputs []Item, rebuiltHistory []Item, previousInput []Item) (reconciled []Item, warnings []string) {
	haveCall := make(map[string]bool, len(rebuiltHistory))
	for _, it := range rebuiltHistory {
		if isCallKind(it.Kind) && it.CallID != "" {
			haveCall[it.CallID] = true
		}
	}
	recoverable := make(map[string]Item, len(previousInput))
	for _, it := range previousInput {
		if isCallKind(it.Kind) && it.CallID != "" {
			recoverable[it.CallID] = it
		}
	}

	reconciled = append(reconciled, rebuiltHistory...)
	for _, out := range pendingOutputs {
		if out.CallID == "" {
			warnings = append(warnings, "dropped tool output with empty call id")
			continue
		}
		if haveCall[out.CallID] {
			reconciled = append(reconciled, out)
			continue
		}
		if call, ok := recoverable[out.CallID]; ok {
			reconciled = append(reconciled, call, out)
			haveCall[out.CallID] = true
			continue
		}
		warnings = append(warnings, fmt.Sprintf("dropped orphaned tool output for call %s: no recoverable call", out.CallID))
	}
	return reconciled, warnings
}

func boolPtr(b bool) *bool { return &b }

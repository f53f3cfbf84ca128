package scratchpad

import "testing"

func TestInjectSkipsCallsAlreadySeen(t *testing.T) {
	s := &Scratchpad{Items: []Item{{Kind: KindFunctionCall, CallID: "c1"}, {Kind: KindFunctionCall, CallID: "c2"}}}
	prior := []Item{{Kind: KindFunctionCall, CallID: "c1"}}

	out := s.InjectIntoAttemptInput(prior)

	var foundC1, foundC2 int
	for _, it := range out {
		if it.Kind == KindFunctionCall && it.CallID == "c1" {
			foundC1++
		}
		if it.Kind == KindFunctionCall && it.CallID == "c2" {
			foundC2++
		}
	}
	if foundC1 != 1 {
		t.Errorf("c1 appeared %d times, want exactly 1 (no duplicate of an already-seen call)", foundC1)
	}
	if foundC2 != 1 {
		t.Errorf("c2 appeared %d times, want exactly 1 (unseen call must be appended)", foundC2)
	}
}

func TestInjectAppendsResponsesAsToolOutputs(t *testing.T) {
	s := &Scratchpad{}
	s.RecordResponse("c1", "done", boolPtr(true))

	out := s.InjectIntoAttemptInput(nil)

	if len(out) != 1 || out[0].Kind != KindToolOutput || out[0].CallID != "c1" {
		t.Fatalf("out = %+v, want a single tool output for c1", out)
	}
}

func TestInjectAppendsTruncatedRetryHint(t *testing.T) {
	s := &Scratchpad{}
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	s.AppendAssistantText(string(long))

	out := s.InjectIntoAttemptInput(nil)

	if len(out) != 1 {
		t.Fatalf("out = %+v, want exactly one hint item", out)
	}
	hint := out[0]
	if hint.Kind != KindMessage {
		t.Errorf("hint.Kind = %v, want KindMessage", hint.Kind)
	}
	body := hint.Text[len("[EPHEMERAL:RETRY_HINT] "):]
	if len(body) != retryHintMaxChars {
		t.Errorf("hint body length = %d, want %d", len(body), retryHintMaxChars)
	}
}

func TestTruncateTailIsRuneBoundarySafe(t *testing.T) {
	s := "a" + string([]rune{'界'}) + "b"
	got := truncateTail(s, 2)
	if got != "界b" {
		t.Errorf("truncateTail = %q, want %q", got, "界b")
	}
}

func TestMissingToolOutputsToInsertFindsUnansweredCalls(t *testing.T) {
	items := []Item{
		{Kind: KindFunctionCall, CallID: "c1"},
		{Kind: KindToolOutput, CallID: "c1"},
		{Kind: KindFunctionCall, CallID: "c2"},
	}

	pairs := MissingToolOutputsToInsert(items)

	if len(pairs) != 1 || pairs[0].InsertIndexAfter != 2 || pairs[0].Output.CallID != "c2" {
		t.Fatalf("pairs = %+v, want exactly one pair for c2 at index 2", pairs)
	}
	if pairs[0].Output.Text != "aborted" {
		t.Errorf("synthetic output text = %q, want %q", pairs[0].Output.Text, "aborted")
	}
}

func TestApplyMissingToolOutputsInsertsImmediatelyAfterCall(t *testing.T) {
	items := []Item{
		{Kind: KindFunctionCall, CallID: "c1"},
		{Kind: KindFunctionCall, CallID: "c2"},
	}

	out := ApplyMissingToolOutputs(items)

	want := []ItemKind{KindFunctionCall, KindToolOutput, KindFunctionCall, KindToolOutput}
	if len(out) != len(want) {
		t.Fatalf("len(out) = %d, want %d: %+v", len(out), len(want), out)
	}
	for i, k := range want {
		if out[i].Kind != k {
			t.Errorf("out[%d].Kind = %v, want %v", i, out[i].Kind, k)
		}
	}
}

func TestApplyMissingToolOutputsNoopWhenFullyAnswered(t *testing.T) {
	items := []Item{
		{Kind: KindFunctionCall, CallID: "c1"},
		{Kind: KindToolOutput, CallID: "c1"},
	}
	out := ApplyMissingToolOutputs(items)
	if len(out) != len(items) {
		t.Errorf("len(out) = %d, want %d (no insertions expected)", len(out), len(items))
	}
}

func TestReconcileRecoversCallFromPreviousInput(t *testing.T) {
	pending := []Item{{Kind: KindToolOutput, CallID: "c1", Text: "result"}}
	rebuilt := []Item{{Kind: KindMessage, Role: "user", Text: "hi"}}
	previous := []Item{{Kind: KindFunctionCall, CallID: "c1"}}

	out, warnings := ReconcilePendingToolOutputs(pending, rebuilt, previous)

	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	var haveCall, haveOutput bool
	for _, it := range out {
		if it.Kind == KindFunctionCall && it.CallID == "c1" {
			haveCall = true
		}
		if it.Kind == KindToolOutput && it.CallID == "c1" {
			haveOutput = true
		}
	}
	if !haveCall || !haveOutput {
		t.Errorf("out = %+v, want both the recovered call and its output", out)
	}
}

func TestReconcileDropsOrphanedOutputWithWarning(t *testing.T) {
	pending := []Item{{Kind: KindToolOutput, CallID: "ghost", Text: "result"}}
	_, warnings := ReconcilePendingToolOutputs(pending, nil, nil)
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", warnings)
	}
}

func TestReconcileKeepsOutputAlreadyMatchedInRebuiltHistory(t *testing.T) {
	pending := []Item{{Kind: KindToolOutput, CallID: "c1"}}
	rebuilt := []Item{{Kind: KindFunctionCall, CallID: "c1"}}

	out, warnings := ReconcilePendingToolOutputs(pending, rebuilt, nil)

	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if len(out) != 2 {
		t.Errorf("out = %+v, want the rebuilt call plus the reconciled output", out)
	}
}

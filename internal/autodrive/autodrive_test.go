package autodrive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kestrelcode/turnengine/internal/agent"
	"github.com/kestrelcode/turnengine/internal/toolrouter"
	"github.com/kestrelcode/turnengine/internal/turn"
)

// stubProvider is a minimal agent.LLMProvider that either emits text then
// Done, or an Error chunk when fail is set.
type stubProvider struct {
	text string
	fail bool
}

func (p *stubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	if p.fail {
		ch <- &agent.CompletionChunk{Error: errors.New("provider failed")}
	} else {
		ch <- &agent.CompletionChunk{Text: p.text}
		ch <- &agent.CompletionChunk{Done: true}
	}
	close(ch)
	return ch, nil
}

func (p *stubProvider) Name() string          { return "stub" }
func (p *stubProvider) Models() []agent.Model { return nil }
func (p *stubProvider) SupportsTools() bool   { return true }

type stubDispatcher struct{}

func (stubDispatcher) DispatchFunctionCall(ctx context.Context, toolName string, inv toolrouter.Invocation) (toolrouter.ToolOutput, error) {
	return toolrouter.ToolOutput{Text: "ok"}, nil
}

type scriptedCoordinator struct {
	decisions []Decision
	errs      []error
	call      int
}

func (c *scriptedCoordinator) Decide(ctx context.Context, goal string, last turn.TurnCompleted) (Decision, error) {
	i := c.call
	c.call++
	if i < len(c.errs) && c.errs[i] != nil {
		return Decision{}, c.errs[i]
	}
	if i >= len(c.decisions) {
		return Decision{Status: DecisionFailed}, nil
	}
	return c.decisions[i], nil
}

type scriptedReviewer struct {
	results []turn.TurnCompleted
	call    int
}

func (r *scriptedReviewer) Review(ctx context.Context, target ReviewTarget, strategy ReviewStrategy) (turn.TurnCompleted, error) {
	if r.call >= len(r.results) {
		return turn.TurnCompleted{Status: turn.StatusFailed}, nil
	}
	res := r.results[r.call]
	r.call++
	return res, nil
}

func drainEvents(t *testing.T, ch <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestResolveReviewTargetUncommittedWhenNoSHA(t *testing.T) {
	target := ResolveReviewTarget("", "")
	if target.Kind != ReviewUncommittedChanges {
		t.Errorf("Kind = %v, want %v", target.Kind, ReviewUncommittedChanges)
	}
}

func TestResolveReviewTargetCommitWhenSHAPresent(t *testing.T) {
	target := ResolveReviewTarget("abc123", "fix bug")
	if target.Kind != ReviewCommit || target.CommitSHA != "abc123" || target.CommitTitle != "fix bug" {
		t.Errorf("target = %+v, want commit target for abc123", target)
	}
}

func TestRunStopSignalsStopCh(t *testing.T) {
	r := &Run{state: Idle, stopCh: make(chan struct{})}
	r.Stop()
	if !r.stopRequested() {
		t.Error("expected stopRequested to be true after Stop")
	}
	r.Stop() // idempotent, must not panic
}

func TestDriveStopsImmediatelyWhenStopRequestedBeforeStart(t *testing.T) {
	engine := turn.NewEngine(&stubProvider{}, stubDispatcher{}, nil, nil, nil)
	d := NewDriver(engine, &scriptedCoordinator{}, nil, nil)
	sess := turn.NewSession("s1")

	events := make(chan Event, 16)
	run := &Run{state: Idle, stopCh: make(chan struct{})}
	run.Stop()

	d.drive(context.Background(), sess, Config{TurnConfig: turn.DefaultConfig()}, "goal", run, events)

	got := drainEvents(t, events, time.Second)
	if len(got) != 1 || got[0].Type != EventStopAck {
		t.Fatalf("events = %+v, want a single stop_ack", got)
	}
	if run.State() != Stopped {
		t.Errorf("state = %v, want %v", run.State(), Stopped)
	}
}

func TestDriveReachesSuccessOnFirstDecision(t *testing.T) {
	engine := turn.NewEngine(&stubProvider{text: "did the thing"}, stubDispatcher{}, nil, nil, nil)
	coord := &scriptedCoordinator{decisions: []Decision{{Status: DecisionSuccess}}}
	d := NewDriver(engine, coord, nil, nil)
	sess := turn.NewSession("s1")

	events := make(chan Event, 16)
	run := &Run{state: Idle, stopCh: make(chan struct{})}
	d.drive(context.Background(), sess, Config{TurnConfig: turn.DefaultConfig()}, "goal", run, events)

	got := drainEvents(t, events, time.Second)
	if run.State() != Success {
		t.Fatalf("state = %v, want %v (events=%+v)", run.State(), Success, got)
	}
}

func TestDriveContinuesAcrossMultipleDecisions(t *testing.T) {
	engine := turn.NewEngine(&stubProvider{text: "ok"}, stubDispatcher{}, nil, nil, nil)
	coord := &scriptedCoordinator{decisions: []Decision{
		{Status: DecisionContinue, CLI: "keep going"},
		{Status: DecisionSuccess},
	}}
	d := NewDriver(engine, coord, nil, nil)
	sess := turn.NewSession("s1")

	events := make(chan Event, 32)
	run := &Run{state: Idle, stopCh: make(chan struct{})}
	d.drive(context.Background(), sess, Config{TurnConfig: turn.DefaultConfig()}, "goal", run, events)

	if run.State() != Success {
		t.Fatalf("state = %v, want %v", run.State(), Success)
	}
	if coord.call != 2 {
		t.Errorf("coordinator called %d times, want 2", coord.call)
	}
}

func TestDriveFailsWhenContinueDecisionHasEmptyCLI(t *testing.T) {
	engine := turn.NewEngine(&stubProvider{text: "ok"}, stubDispatcher{}, nil, nil, nil)
	coord := &scriptedCoordinator{decisions: []Decision{{Status: DecisionContinue, CLI: ""}}}
	d := NewDriver(engine, coord, nil, nil)
	sess := turn.NewSession("s1")

	events := make(chan Event, 16)
	run := &Run{state: Idle, stopCh: make(chan struct{})}
	d.drive(context.Background(), sess, Config{TurnConfig: turn.DefaultConfig()}, "goal", run, events)

	if run.State() != Failed {
		t.Errorf("state = %v, want %v", run.State(), Failed)
	}
}

func TestDriveFailsWhenCoordinatorErrors(t *testing.T) {
	engine := turn.NewEngine(&stubProvider{text: "ok"}, stubDispatcher{}, nil, nil, nil)
	coord := &scriptedCoordinator{errs: []error{errors.New("coordinator unavailable")}}
	d := NewDriver(engine, coord, nil, nil)
	sess := turn.NewSession("s1")

	events := make(chan Event, 16)
	run := &Run{state: Idle, stopCh: make(chan struct{})}
	d.drive(context.Background(), sess, Config{TurnConfig: turn.DefaultConfig()}, "goal", run, events)

	if run.State() != Failed {
		t.Errorf("state = %v, want %v", run.State(), Failed)
	}
}

func TestDriveFailsWhenTurnFails(t *testing.T) {
	engine := turn.NewEngine(&stubProvider{fail: true}, stubDispatcher{}, nil, nil, nil)
	coord := &scriptedCoordinator{}
	d := NewDriver(engine, coord, nil, nil)
	sess := turn.NewSession("s1")

	events := make(chan Event, 16)
	run := &Run{state: Idle, stopCh: make(chan struct{})}
	d.drive(context.Background(), sess, Config{TurnConfig: turn.DefaultConfig()}, "goal", run, events)

	if run.State() != Failed {
		t.Errorf("state = %v, want %v", run.State(), Failed)
	}
	if coord.call != 0 {
		t.Errorf("coordinator should not be consulted when the turn itself fails, got %d calls", coord.call)
	}
}

func TestDriveRunsReviewBeforeConsultingCoordinator(t *testing.T) {
	engine := turn.NewEngine(&stubProvider{text: "did the thing"}, stubDispatcher{}, nil, nil, nil)
	coord := &scriptedCoordinator{decisions: []Decision{{Status: DecisionSuccess}}}
	reviewer := &scriptedReviewer{results: []turn.TurnCompleted{{Status: turn.StatusCompleted}}}
	d := NewDriver(engine, coord, reviewer, nil)
	sess := turn.NewSession("s1")

	events := make(chan Event, 32)
	run := &Run{state: Idle, stopCh: make(chan struct{})}
	d.drive(context.Background(), sess, Config{TurnConfig: turn.DefaultConfig(), MaxReviewAttempts: 1}, "goal", run, events)

	if reviewer.call != 1 {
		t.Errorf("reviewer called %d times, want 1", reviewer.call)
	}
	if run.State() != Success {
		t.Errorf("state = %v, want %v", run.State(), Success)
	}
}

func TestDriveFailsWhenReviewNeverCompletesWithinMaxAttempts(t *testing.T) {
	engine := turn.NewEngine(&stubProvider{text: "did the thing"}, stubDispatcher{}, nil, nil, nil)
	coord := &scriptedCoordinator{decisions: []Decision{{Status: DecisionSuccess}}}
	reviewer := &scriptedReviewer{results: []turn.TurnCompleted{
		{Status: turn.StatusFailed},
		{Status: turn.StatusFailed},
	}}
	d := NewDriver(engine, coord, reviewer, nil)
	sess := turn.NewSession("s1")

	events := make(chan Event, 32)
	run := &Run{state: Idle, stopCh: make(chan struct{})}
	d.drive(context.Background(), sess, Config{TurnConfig: turn.DefaultConfig(), MaxReviewAttempts: 2}, "goal", run, events)

	if reviewer.call != 2 {
		t.Errorf("reviewer called %d times, want 2", reviewer.call)
	}
	if run.State() != Failed {
		t.Errorf("state = %v, want %v", run.State(), Failed)
	}
	if coord.call != 0 {
		t.Errorf("coordinator should not be consulted when review never resolves, got %d calls", coord.call)
	}
}

func TestStartReturnsAndClosesEventChannel(t *testing.T) {
	engine := turn.NewEngine(&stubProvider{text: "ok"}, stubDispatcher{}, nil, nil, nil)
	coord := &scriptedCoordinator{decisions: []Decision{{Status: DecisionSuccess}}}
	d := NewDriver(engine, coord, nil, nil)
	sess := turn.NewSession("s1")

	ch, run := d.Start(context.Background(), sess, Config{TurnConfig: turn.DefaultConfig()}, "goal")
	drainEvents(t, ch, time.Second)
	if run.State() != Success {
		t.Errorf("state = %v, want %v", run.State(), Success)
	}
}

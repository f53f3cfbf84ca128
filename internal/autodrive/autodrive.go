// Package autodrive implements the Auto-Drive Coordinator (spec §4.10,
// component C10): a meta loop wrapping C8's Session/Turn Engine that
// submits a goal, lets a Coordinator decide the next CLI prompt from each
// turn's result, and optionally kicks off a review after non-read-only
// turns, looping until the coordinator reports success, failure, or the
// caller stops the run.
//
// Grounded on internal/multiagent/orchestrator.go's event-driven shape —
// Orchestrator.emitEvent/SetEventCallback is the same "drive a loop,
// publish an event per step" pattern this package's Driver/Event
// generalizes to the spec's named coordinator events and state machine —
// and internal/cron.Schedule, already a teacher dependency
// (github.com/robfig/cron/v3) wired in here for the coordinator's
// periodic re-drive timer.
package autodrive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelcode/turnengine/internal/cron"
	"github.com/kestrelcode/turnengine/internal/turn"
)

// State is one node of the coordinator's state machine (spec §4.10).
type State string

const (
	Idle                 State = "idle"
	GoalPending          State = "goal_pending"
	CoordinatorThinking  State = "coordinator_thinking"
	ClientSubmitting     State = "client_submitting"
	ClientStreaming      State = "client_streaming"
	StateDecision        State = "decision"
	AwaitingReview       State = "awaiting_review"
	Success              State = "success"
	Failed               State = "failed"
	Stopped              State = "stopped"
)

// EventType tags an AutoCoordinatorEvent variant (spec §4.10).
type EventType string

const (
	EventThinking         EventType = "thinking"
	EventAction           EventType = "action"
	EventTokenMetrics     EventType = "token_metrics"
	EventCompactedHistory EventType = "compacted_history"
	EventUserReply        EventType = "user_reply"
	EventDecision         EventType = "decision"
	EventStopAck          EventType = "stop_ack"
)

// DecisionStatus is the outcome a Coordinator reports for one cycle.
type DecisionStatus string

const (
	DecisionContinue DecisionStatus = "continue"
	DecisionSuccess  DecisionStatus = "success"
	DecisionFailed   DecisionStatus = "failed"
)

// Decision is a Coordinator's verdict: either a CLI prompt (optionally
// with an agents block) for the next turn, or a terminal status.
type Decision struct {
	Status DecisionStatus
	CLI    string
	Agents []string
}

// Event is one AutoCoordinatorEvent emitted while a run is driven.
type Event struct {
	Type    EventType
	State   State
	Text    string
	Tokens  int
	Decision *Decision
}

// ReviewTargetKind distinguishes the two review-target shapes spec
// §4.10.1 names.
type ReviewTargetKind string

const (
	ReviewUncommittedChanges ReviewTargetKind = "uncommitted_changes"
	ReviewCommit             ReviewTargetKind = "commit"
)

// ReviewTarget is the scope a review turn runs against (spec §4.10.1).
type ReviewTarget struct {
	Kind        ReviewTargetKind
	CommitSHA   string
	CommitTitle string
}

// ReviewStrategy overrides the default review prompt/scope hint (spec
// §4.10.1: "custom prompts and scope hints from a review_strategy
// override the defaults").
type ReviewStrategy struct {
	CustomPrompt string
	ScopeHint    string
}

// ResolveReviewTarget implements spec §4.10.1: UncommittedChanges, or
// Commit{sha, title} when commitSHA indicates a commit was created
// during the turn.
func ResolveReviewTarget(commitSHA, commitTitle string) ReviewTarget {
	if commitSHA == "" {
		return ReviewTarget{Kind: ReviewUncommittedChanges}
	}
	return ReviewTarget{Kind: ReviewCommit, CommitSHA: commitSHA, CommitTitle: commitTitle}
}

// Coordinator decides the next action given the goal and the most recent
// turn result.
type Coordinator interface {
	Decide(ctx context.Context, goal string, last turn.TurnCompleted) (Decision, error)
}

// Reviewer runs a review turn scoped to target, optionally guided by
// strategy.
type Reviewer interface {
	Review(ctx context.Context, target ReviewTarget, strategy ReviewStrategy) (turn.TurnCompleted, error)
}

// Config tunes one driven run.
type Config struct {
	MaxReviewAttempts int           // "reuse the same engine up to max_attempts times" (spec §4.10)
	TurnConfig        turn.Config
	ReviewStrategy    ReviewStrategy
	Schedule          *cron.Schedule // periodic re-drive; nil disables it
}

// Run is a live, cancellable coordinator drive.
type Run struct {
	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	stopped bool
}

// State returns the run's current state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Stop requests the run halt at its next safe point. Idempotent.
func (r *Run) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stopCh)
}

func (r *Run) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Driver wraps a turn.Engine with the coordinator meta loop.
type Driver struct {
	Engine      *turn.Engine
	Coordinator Coordinator
	Reviewer    Reviewer
	Logger      *slog.Logger
}

// NewDriver wires a driver. logger may be nil.
func NewDriver(engine *turn.Engine, coordinator Coordinator, reviewer Reviewer, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{Engine: engine, Coordinator: coordinator, Reviewer: reviewer, Logger: logger.With("component", "autodrive")}
}

// Start drives goal through sess until the coordinator reports Success or
// Failed, or the returned Run is stopped. Events stream on the returned
// channel, which is closed when the run ends. If cfg.Schedule is set, the
// driver periodically re-submits the goal as an additional re-drive cycle
// instead of ending after one pass (spec §4.10's coordinator loop).
func (d *Driver) Start(ctx context.Context, sess *turn.Session, cfg Config, goal string) (<-chan Event, *Run) {
	events := make(chan Event, 16)
	run := &Run{state: Idle, stopCh: make(chan struct{})}

	go d.drive(ctx, sess, cfg, goal, run, events)
	return events, run
}

func (d *Driver) drive(ctx context.Context, sess *turn.Session, cfg Config, goal string, run *Run, events chan<- Event) {
	defer close(events)

	run.setState(GoalPending)
	cli := goal
	var last turn.TurnCompleted

	for {
		if run.stopRequested() || ctx.Err() != nil {
			run.setState(Stopped)
			events <- Event{Type: EventStopAck, State: Stopped}
			return
		}

		run.setState(ClientSubmitting)
		events <- Event{Type: EventAction, State: ClientSubmitting, Text: cli}

		run.setState(ClientStreaming)
		last = d.Engine.RunTurn(ctx, cfg.TurnConfig, sess, cli)
		events <- Event{Type: EventTokenMetrics, State: ClientStreaming, Text: string(last.Status)}

		if last.Status == turn.StatusCancelled {
			run.setState(Stopped)
			events <- Event{Type: EventStopAck, State: Stopped}
			return
		}
		if last.Status == turn.StatusFailed {
			run.setState(Failed)
			events <- Event{Type: EventDecision, State: Failed, Decision: &Decision{Status: DecisionFailed}}
			return
		}

		if d.Reviewer != nil && isNonReadOnly(cli) {
			if ok := d.runReview(ctx, cfg, run, events); !ok {
				run.setState(Failed)
				events <- Event{Type: EventDecision, State: Failed, Decision: &Decision{Status: DecisionFailed}}
				return
			}
		}

		run.setState(CoordinatorThinking)
		events <- Event{Type: EventThinking, State: CoordinatorThinking}
		decision, err := d.Coordinator.Decide(ctx, goal, last)
		if err != nil {
			run.setState(Failed)
			events <- Event{Type: EventDecision, State: Failed, Decision: &Decision{Status: DecisionFailed}}
			return
		}

		run.setState(StateDecision)
		events <- Event{Type: EventDecision, State: StateDecision, Decision: &decision}

		switch decision.Status {
		case DecisionSuccess:
			run.setState(Success)
			return
		case DecisionFailed:
			run.setState(Failed)
			return
		default:
			cli = decision.CLI
			if cli == "" {
				run.setState(Failed)
				events <- Event{Type: EventDecision, State: Failed, Decision: &Decision{Status: DecisionFailed}}
				return
			}
		}

		if cfg.Schedule != nil {
			next, ok, err := cfg.Schedule.Next(timeNow())
			if err == nil && ok {
				wait := time.Until(next)
				if wait > 0 {
					select {
					case <-time.After(wait):
					case <-run.stopCh:
						run.setState(Stopped)
						events <- Event{Type: EventStopAck, State: Stopped}
						return
					case <-ctx.Done():
						run.setState(Stopped)
						events <- Event{Type: EventStopAck, State: Stopped}
						return
					}
				}
			}
		}
	}
}

// runReview implements spec §4.10.1's "review auto-resolve" mode: run a
// review turn, and if it is non-terminal, reuse the engine up to
// cfg.MaxReviewAttempts times to fix identified issues before yielding.
func (d *Driver) runReview(ctx context.Context, cfg Config, run *Run, events chan<- Event) bool {
	maxAttempts := cfg.MaxReviewAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	run.setState(AwaitingReview)
	target := ResolveReviewTarget("", "")
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		events <- Event{Type: EventAction, State: AwaitingReview, Text: fmt.Sprintf("review attempt %d/%d", attempt, maxAttempts)}
		result, err := d.Reviewer.Review(ctx, target, cfg.ReviewStrategy)
		if err != nil {
			return false
		}
		if result.Status == turn.StatusCompleted {
			return true
		}
	}
	return false
}

func isNonReadOnly(cli string) bool {
	return cli != ""
}

// timeNow is a seam so tests can't accidentally depend on wall-clock time
// through this package's indirection; production callers always observe
// real time since there is only one implementation.
func timeNow() time.Time { return time.Now() }

// Package subagent implements the C7 Sub-Agent Manager: a bounded set of
// background-executed agents with a Pending->Running->{Completed,Failed,
// Cancelled} lifecycle, a watchdog that times out idle agents, batch
// cancellation, and a capped retention store.
//
// Generalized from internal/tools/subagent/{spawn,queue,announce}.go's
// fire-and-forget goroutine model into the full state machine the spec
// describes.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelcode/turnengine/internal/ordering"
)

// Status is an Agent's lifecycle state (spec §4.7).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Agent mirrors spec §3's Agent entity.
type Agent struct {
	ID           string
	BatchID      string
	Model        string
	Name         string
	Prompt       string
	Context      string
	Files        []string
	ReadOnly     bool
	Status       Status
	Result       string
	Error        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Progress     []string
	WorktreePath string
	BranchName   string
	LastActivity time.Time

	key    ordering.Key
	cancel context.CancelFunc
}

// Snapshot returns a value copy of the agent safe to hand to subscribers.
func (a *Agent) Snapshot() Agent {
	cp := *a
	cp.Files = append([]string(nil), a.Files...)
	cp.Progress = append([]string(nil), a.Progress...)
	cp.key = ordering.Key{}
	cp.cancel = nil
	return cp
}

// CreateRequest is the input to Manager.Create.
type CreateRequest struct {
	BatchID  string
	Model    string
	Name     string
	Prompt   string
	Context  string
	Files    []string
	ReadOnly bool
}

// Executor runs one agent's task to completion. It must respect ctx
// cancellation (the watchdog and explicit cancel both cancel ctx) and
// report progress through report.
type Executor interface {
	Run(ctx context.Context, req CreateRequest, report func(note string)) (result string, err error)
}

// StatusUpdate is pushed to subscribers on every transition (spec §4.7:
// "AgentStatusUpdatePayload", "full current set on every update").
type StatusUpdate struct {
	Agents []Agent
}

const (
	retentionCap      = 48
	watchdogInterval  = 60 * time.Second
	defaultInactivity = 30 * time.Minute
	recentOnlyWindow  = 2 * time.Hour
)

// Manager is the C7 sub-agent manager.
type Manager struct {
	mu                sync.Mutex
	agents            map[string]*Agent
	order             []string // ids in creation order, for the retention cap
	executor          Executor
	sub               *ordering.Substrate
	inactivityTimeout time.Duration
	subscribers       []chan StatusUpdate
	log               *slog.Logger

	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// NewManager creates a Manager that runs agents through executor,
// assigning order keys from sub.
func NewManager(executor Executor, sub *ordering.Substrate) *Manager {
	return &Manager{
		agents:            make(map[string]*Agent),
		executor:          executor,
		sub:               sub,
		inactivityTimeout: defaultInactivity,
		log:               slog.Default().With("component", "subagent"),
	}
}

// SetInactivityTimeout overrides the default 30-minute watchdog timeout.
func (m *Manager) SetInactivityTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inactivityTimeout = d
}

// Subscribe registers a channel that receives a StatusUpdate with the full
// current agent set on every transition.
func (m *Manager) Subscribe() <-chan StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan StatusUpdate, 8)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// StartWatchdog launches the 60s sweep ticker. Call Stop to halt it.
func (m *Manager) StartWatchdog(ctx context.Context) {
	m.mu.Lock()
	if m.watchdogStop != nil {
		m.mu.Unlock()
		return
	}
	m.watchdogStop = make(chan struct{})
	m.watchdogDone = make(chan struct{})
	stop := m.watchdogStop
	done := m.watchdogDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// StopWatchdog halts the watchdog goroutine, if running.
func (m *Manager) StopWatchdog() {
	m.mu.Lock()
	stop := m.watchdogStop
	done := m.watchdogDone
	m.watchdogStop = nil
	m.watchdogDone = nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// sweep fails every Pending/Running agent idle past the inactivity
// timeout (spec §4.7).
func (m *Manager) sweep() {
	m.mu.Lock()
	timeout := m.inactivityTimeout
	now := time.Now()
	var timedOut []*Agent
	for _, a := range m.agents {
		if a.Status.terminal() {
			continue
		}
		if now.Sub(a.LastActivity) > timeout {
			timedOut = append(timedOut, a)
		}
	}
	for _, a := range timedOut {
		a.Status = StatusFailed
		a.Error = fmt.Sprintf("Agent timed out after %d minutes of inactivity.", int(timeout.Minutes()))
		completed := now
		a.CompletedAt = &completed
		a.LastActivity = now
		if a.cancel != nil {
			a.cancel()
		}
	}
	notify := len(timedOut) > 0
	m.mu.Unlock()

	if notify {
		m.log.Warn("watchdog timed out agents", "count", len(timedOut))
		m.broadcast()
	}
}

// Create spawns a new agent in Pending state and starts its background
// task.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (string, error) {
	if m.executor == nil {
		return "", fmt.Errorf("subagent: no executor configured")
	}

	id := uuid.NewString()
	now := time.Now()
	runCtx, cancel := context.WithCancel(ctx)

	agent := &Agent{
		ID: id, BatchID: req.BatchID, Model: req.Model, Name: req.Name,
		Prompt: req.Prompt, Context: req.Context, Files: req.Files, ReadOnly: req.ReadOnly,
		Status: StatusPending, CreatedAt: now, LastActivity: now,
		key: m.keyFor(), cancel: cancel,
	}

	m.mu.Lock()
	m.agents[id] = agent
	m.order = append(m.order, id)
	m.evictOverCapLocked()
	m.mu.Unlock()

	m.broadcast()

	go m.run(runCtx, agent, req)
	return id, nil
}

func (m *Manager) keyFor() ordering.Key {
	if m.sub == nil {
		return ordering.Key{}
	}
	return m.sub.NextInternal()
}

func (m *Manager) run(ctx context.Context, a *Agent, req CreateRequest) {
	m.mu.Lock()
	started := time.Now()
	a.Status = StatusRunning
	a.StartedAt = &started
	a.LastActivity = started
	m.mu.Unlock()
	m.broadcast()

	report := func(note string) {
		m.mu.Lock()
		a.Progress = append(a.Progress, note)
		a.LastActivity = time.Now()
		m.mu.Unlock()
		m.broadcast()
	}

	result, err := m.executor.Run(ctx, req, report)

	m.mu.Lock()
	now := time.Now()
	a.CompletedAt = &now
	a.LastActivity = now
	switch {
	case ctx.Err() != nil && a.Status != StatusFailed:
		a.Status = StatusCancelled
		a.Error = "Cancelled by user."
	case err != nil:
		a.Status = StatusFailed
		a.Error = err.Error()
	default:
		a.Status = StatusCompleted
		a.Result = result
	}
	m.mu.Unlock()
	m.broadcast()
}

// Cancel requests termination of a single non-terminal agent.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("subagent: unknown agent %q", id)
	}
	if a.Status.terminal() {
		m.mu.Unlock()
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	m.mu.Unlock()
	return nil
}

// CancelBatch cancels every non-terminal agent sharing batchID (spec
// §4.7's batch semantics).
func (m *Manager) CancelBatch(batchID string) int {
	m.mu.Lock()
	var targets []*Agent
	for _, a := range m.agents {
		if a.BatchID == batchID && !a.Status.terminal() {
			targets = append(targets, a)
		}
	}
	for _, a := range targets {
		if a.cancel != nil {
			a.cancel()
		}
	}
	m.mu.Unlock()
	return len(targets)
}

// ListFilter narrows List's results.
type ListFilter struct {
	BatchID    string
	Status     Status // empty = any
	RecentOnly bool
}

// List returns a filtered snapshot of tracked agents (spec §4.7).
func (m *Manager) List(filter ListFilter) []Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	out := make([]Agent, 0, len(m.order))
	for _, id := range m.order {
		a, ok := m.agents[id]
		if !ok {
			continue
		}
		if filter.BatchID != "" && a.BatchID != filter.BatchID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.RecentOnly && now.Sub(a.CreatedAt) > recentOnlyWindow {
			continue
		}
		out = append(out, a.Snapshot())
	}
	return out
}

// Get returns a snapshot of a single agent.
func (m *Manager) Get(id string) (Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return Agent{}, false
	}
	return a.Snapshot(), true
}

// evictOverCapLocked drops the oldest tracked runs past retentionCap,
// ordered by the OrderKey assigned at creation (spec §4.7 "store growth").
// Must be called with m.mu held.
func (m *Manager) evictOverCapLocked() {
	for len(m.order) > retentionCap {
		oldestIdx := 0
		for i, id := range m.order {
			a, ok := m.agents[id]
			if !ok {
				continue
			}
			oldest, ok := m.agents[m.order[oldestIdx]]
			if !ok || ordering.Compare(a.key, oldest.key) < 0 {
				oldestIdx = i
			}
		}
		id := m.order[oldestIdx]
		delete(m.agents, id)
		m.order = append(m.order[:oldestIdx], m.order[oldestIdx+1:]...)
	}
}

func (m *Manager) broadcast() {
	m.mu.Lock()
	agents := make([]Agent, 0, len(m.order))
	for _, id := range m.order {
		if a, ok := m.agents[id]; ok {
			agents = append(agents, a.Snapshot())
		}
	}
	subs := append([]chan StatusUpdate(nil), m.subscribers...)
	m.mu.Unlock()

	update := StatusUpdate{Agents: agents}
	for _, ch := range subs {
		select {
		case ch <- update:
		default:
			// Slow subscriber: drop rather than block the manager, consistent
			// with "at least once per transition" being best-effort, not a
			// delivery guarantee against a stalled reader.
		}
	}
}

// Package approval implements the C9 Approval & Sandbox Gate (spec §4.9):
// every shell/apply-patch invocation is classified against the active
// policy, auto-allowed when it is safe or already in approved_commands,
// otherwise routed to a Prompter for a ReviewDecision, with
// ApprovedForSession caching the command fingerprint so future identical
// invocations bypass prompting. A SandboxLevel separately guards which
// paths a write may touch.
//
// Grounded on internal/agent/approval.go's ApprovalChecker/ApprovalPolicy
// (classification, allow/deny/require-approval lists, per-agent policy)
// and internal/tools/sandbox/executor.go's WorkspaceAccessMode (the
// narrower read-only/full-access split this generalizes into the three
// spec levels).
package approval

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kestrelcode/turnengine/internal/agent"
	"github.com/kestrelcode/turnengine/pkg/models"
)

// SandboxLevel controls which filesystem writes a gate permits.
type SandboxLevel string

const (
	// ReadOnly disallows any writes.
	ReadOnly SandboxLevel = "read-only"
	// WorkspaceWrite permits writes within the workspace root and any
	// explicitly listed scratch directory.
	WorkspaceWrite SandboxLevel = "workspace-write"
	// DangerFullAccess disables all write guards.
	DangerFullAccess SandboxLevel = "danger-full-access"
)

// ReviewDecision is the outcome of a human/UI review of a pending
// approval request.
type ReviewDecision string

const (
	Approved           ReviewDecision = "approved"
	ApprovedForSession ReviewDecision = "approved_for_session"
	Denied             ReviewDecision = "denied"
)

// ExecCommandApproval is the request shape presented to a Prompter when a
// shell invocation needs a decision.
type ExecCommandApproval struct {
	Command []string
	Cwd     string
	Reason  string
}

// FileChangeApproval is the request shape presented to a Prompter when a
// write outside the sandbox needs a decision.
type FileChangeApproval struct {
	Paths  []string
	Reason string
}

// Prompter surfaces a pending approval request and blocks for a decision.
// It is the boundary to whatever UI or channel collects human review.
type Prompter interface {
	ReviewExecCommand(ctx context.Context, req ExecCommandApproval) (ReviewDecision, error)
	ReviewFileChange(ctx context.Context, req FileChangeApproval) (ReviewDecision, error)
}

// Gate wraps an agent.ApprovalChecker with the session-scoped
// approved_commands cache and sandbox write guard the spec adds on top of
// the teacher's per-tool-call classification.
type Gate struct {
	checker       *agent.ApprovalChecker
	prompter      Prompter
	level         SandboxLevel
	workspaceRoot string
	scratchDirs   []string

	mu               sync.Mutex
	approvedCommands map[string]bool
}

// NewGate creates a gate. checker must not be nil; prompter may be nil if
// every invocation is expected to resolve via allow/deny lists (a nil
// prompter makes a Pending decision an error instead of a block).
func NewGate(checker *agent.ApprovalChecker, level SandboxLevel, workspaceRoot string, scratchDirs []string, prompter Prompter) *Gate {
	return &Gate{
		checker:          checker,
		prompter:         prompter,
		level:            level,
		workspaceRoot:    workspaceRoot,
		scratchDirs:      scratchDirs,
		approvedCommands: make(map[string]bool),
	}
}

// Level returns the gate's active sandbox level.
func (g *Gate) Level() SandboxLevel { return g.level }

// CheckExec classifies command under agentID's policy, consulting and
// updating the approved_commands cache, prompting through g.prompter when
// the policy requires it. It satisfies the shell handler's narrower
// ApprovalChecker interface via Approved below.
func (g *Gate) CheckExec(ctx context.Context, agentID string, command []string, cwd string) (bool, error) {
	if len(command) == 0 {
		return false, fmt.Errorf("approval: empty command")
	}
	fp := commandFingerprint(command, cwd)

	g.mu.Lock()
	if g.approvedCommands[fp] {
		g.mu.Unlock()
		return true, nil
	}
	g.mu.Unlock()

	decision, reason := g.checker.Check(ctx, agentID, models.ToolCall{Name: command[0]})
	switch decision {
	case agent.ApprovalAllowed:
		return true, nil
	case agent.ApprovalDenied:
		return false, fmt.Errorf("approval: denied: %s", reason)
	case agent.ApprovalPending:
		if g.prompter == nil {
			return false, fmt.Errorf("approval: %q requires review but no prompter is configured", strings.Join(command, " "))
		}
		review, err := g.prompter.ReviewExecCommand(ctx, ExecCommandApproval{Command: command, Cwd: cwd, Reason: reason})
		if err != nil {
			return false, fmt.Errorf("approval: review failed: %w", err)
		}
		return g.applyReview(fp, review)
	default:
		return false, fmt.Errorf("approval: unrecognized decision %q", decision)
	}
}

// Approved implements the shell handler's ApprovalChecker interface. It
// runs CheckExec under a fixed session agent ID, since the shell contract
// does not carry one through.
func (g *Gate) Approved(command []string, cwd string) (bool, error) {
	return g.CheckExec(context.Background(), "session", command, cwd)
}

// CheckWrite enforces the gate's sandbox level against a write target,
// prompting through g.prompter when the level requires review (currently
// WorkspaceWrite never needs review for in-sandbox paths; out-of-sandbox
// paths under WorkspaceWrite are denied outright rather than escalated,
// matching the teacher's fail-closed default for path escapes).
func (g *Gate) CheckWrite(path string) error {
	switch g.level {
	case DangerFullAccess:
		return nil
	case ReadOnly:
		return fmt.Errorf("approval: sandbox is read-only, write to %s denied", path)
	case WorkspaceWrite, "":
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("approval: resolve %s: %w", path, err)
		}
		if within(abs, g.workspaceRoot) {
			return nil
		}
		for _, dir := range g.scratchDirs {
			if within(abs, dir) {
				return nil
			}
		}
		return fmt.Errorf("approval: write to %s is outside the workspace and scratch dirs", path)
	default:
		return fmt.Errorf("approval: unknown sandbox level %q", g.level)
	}
}

func (g *Gate) applyReview(fp string, review ReviewDecision) (bool, error) {
	switch review {
	case Approved:
		return true, nil
	case ApprovedForSession:
		g.mu.Lock()
		g.approvedCommands[fp] = true
		g.mu.Unlock()
		return true, nil
	case Denied:
		return false, fmt.Errorf("approval: denied by reviewer")
	default:
		return false, fmt.Errorf("approval: unrecognized review decision %q", review)
	}
}

func commandFingerprint(command []string, cwd string) string {
	return strings.Join(command, "\x00") + "\x01" + cwd
}

func within(path, root string) bool {
	if root == "" {
		return false
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(rootAbs, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/kestrelcode/turnengine/internal/agent"
)

type scriptedPrompter struct {
	execDecision ReviewDecision
	execErr      error
	fileDecision ReviewDecision
}

func (p scriptedPrompter) ReviewExecCommand(ctx context.Context, req ExecCommandApproval) (ReviewDecision, error) {
	return p.execDecision, p.execErr
}

func (p scriptedPrompter) ReviewFileChange(ctx context.Context, req FileChangeApproval) (ReviewDecision, error) {
	return p.fileDecision, nil
}

func allowlistChecker(names ...string) *agent.ApprovalChecker {
	policy := agent.DefaultApprovalPolicy()
	policy.Allowlist = names
	return agent.NewApprovalChecker(policy)
}

func denylistChecker(names ...string) *agent.ApprovalChecker {
	policy := agent.DefaultApprovalPolicy()
	policy.Denylist = names
	return agent.NewApprovalChecker(policy)
}

func pendingChecker() *agent.ApprovalChecker {
	policy := agent.DefaultApprovalPolicy()
	policy.AskFallback = true
	policy.DefaultDecision = agent.ApprovalPending
	return agent.NewApprovalChecker(policy)
}

func TestCheckExecAllowsAllowlistedCommandWithoutPrompting(t *testing.T) {
	g := NewGate(allowlistChecker("ls"), WorkspaceWrite, t.TempDir(), nil, nil)
	ok, err := g.CheckExec(context.Background(), "session", []string{"ls", "-la"}, t.TempDir())
	if err != nil {
		t.Fatalf("CheckExec: %v", err)
	}
	if !ok {
		t.Errorf("expected allowlisted command to be allowed")
	}
}

func TestCheckExecDeniesDenylistedCommand(t *testing.T) {
	g := NewGate(denylistChecker("rm"), WorkspaceWrite, t.TempDir(), nil, nil)
	ok, err := g.CheckExec(context.Background(), "session", []string{"rm", "-rf", "/"}, t.TempDir())
	if err == nil || ok {
		t.Errorf("expected denylisted command to be denied, got ok=%v err=%v", ok, err)
	}
}

func TestCheckExecPendingWithoutPrompterErrors(t *testing.T) {
	g := NewGate(pendingChecker(), WorkspaceWrite, t.TempDir(), nil, nil)
	if _, err := g.CheckExec(context.Background(), "session", []string{"curl", "x"}, t.TempDir()); err == nil {
		t.Errorf("expected an error when review is required but no prompter is configured")
	}
}

func TestApprovedForSessionBypassesFuturePrompts(t *testing.T) {
	prompts := 0
	g := NewGate(pendingChecker(), WorkspaceWrite, t.TempDir(), nil, countingPrompter{decision: ApprovedForSession, count: &prompts})
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		ok, err := g.CheckExec(context.Background(), "session", []string{"curl", "x"}, dir)
		if err != nil || !ok {
			t.Fatalf("CheckExec iteration %d: ok=%v err=%v", i, ok, err)
		}
	}
	if prompts != 1 {
		t.Errorf("prompts = %d, want exactly 1 (subsequent calls should hit approved_commands)", prompts)
	}
}

type countingPrompter struct {
	decision ReviewDecision
	count    *int
}

func (p countingPrompter) ReviewExecCommand(ctx context.Context, req ExecCommandApproval) (ReviewDecision, error) {
	*p.count++
	return p.decision, nil
}

func (p countingPrompter) ReviewFileChange(ctx context.Context, req FileChangeApproval) (ReviewDecision, error) {
	*p.count++
	return p.decision, nil
}

func TestDeniedReviewIsNotCached(t *testing.T) {
	g := NewGate(pendingChecker(), WorkspaceWrite, t.TempDir(), nil, scriptedPrompter{execDecision: Denied})
	if ok, err := g.CheckExec(context.Background(), "session", []string{"curl", "x"}, t.TempDir()); err == nil || ok {
		t.Errorf("expected denied review to fail, got ok=%v err=%v", ok, err)
	}
	if g.approvedCommands[commandFingerprint([]string{"curl", "x"}, "")] {
		t.Errorf("a denied review must not populate approved_commands")
	}
}

func TestReviewErrorPropagates(t *testing.T) {
	wantErr := errors.New("ui unreachable")
	g := NewGate(pendingChecker(), WorkspaceWrite, t.TempDir(), nil, scriptedPrompter{execErr: wantErr})
	if _, err := g.CheckExec(context.Background(), "session", []string{"curl", "x"}, t.TempDir()); err == nil {
		t.Errorf("expected the prompter's error to propagate")
	}
}

func TestCheckWriteReadOnlyDeniesEverything(t *testing.T) {
	g := NewGate(allowlistChecker(), ReadOnly, t.TempDir(), nil, nil)
	if err := g.CheckWrite(filepath.Join(t.TempDir(), "f.txt")); err == nil {
		t.Errorf("expected read-only sandbox to deny all writes")
	}
}

func TestCheckWriteWorkspaceWritePermitsWorkspaceSubtree(t *testing.T) {
	root := t.TempDir()
	g := NewGate(allowlistChecker(), WorkspaceWrite, root, nil, nil)
	if err := g.CheckWrite(filepath.Join(root, "sub", "f.txt")); err != nil {
		t.Errorf("expected a path under the workspace root to be permitted, got %v", err)
	}
}

func TestCheckWriteWorkspaceWriteDeniesOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	g := NewGate(allowlistChecker(), WorkspaceWrite, root, nil, nil)
	if err := g.CheckWrite(filepath.Join(outside, "f.txt")); err == nil {
		t.Errorf("expected a path outside the workspace root and scratch dirs to be denied")
	}
}

func TestCheckWriteWorkspaceWritePermitsScratchDir(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	g := NewGate(allowlistChecker(), WorkspaceWrite, root, []string{scratch}, nil)
	if err := g.CheckWrite(filepath.Join(scratch, "f.txt")); err != nil {
		t.Errorf("expected a path under an explicit scratch dir to be permitted, got %v", err)
	}
}

func TestCheckWriteDangerFullAccessPermitsAnyPath(t *testing.T) {
	g := NewGate(allowlistChecker(), DangerFullAccess, t.TempDir(), nil, nil)
	if err := g.CheckWrite("/etc/passwd"); err != nil {
		t.Errorf("expected danger-full-access to permit any path, got %v", err)
	}
}

func TestApprovedBridgesShellApprovalCheckerInterface(t *testing.T) {
	g := NewGate(allowlistChecker("ls"), WorkspaceWrite, t.TempDir(), nil, nil)
	var _ interface {
		Approved(command []string, cwd string) (bool, error)
	} = g
	ok, err := g.Approved([]string{"ls"}, t.TempDir())
	if err != nil || !ok {
		t.Errorf("Approved: ok=%v err=%v", ok, err)
	}
}

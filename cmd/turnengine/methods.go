// Method dispatch table for the stdio JSON-RPC front end (spec §6,
// "Client-originated requests include..."). Grounded on the teacher's
// internal/mcp client dispatch (method name switch, typed params/result)
// mirrored from the server side, and on internal/turnerr for the error
// taxonomy -> JSON-RPC code mapping.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kestrelcode/turnengine/internal/accounts"
	"github.com/kestrelcode/turnengine/internal/approval"
	"github.com/kestrelcode/turnengine/internal/configstore"
	"github.com/kestrelcode/turnengine/internal/turnerr"
)

// server holds everything a running process needs to answer requests:
// shared Services plus the live thread set (spec §5: each thread owns its
// own session task; server only routes requests to the right one).
type server struct {
	svc *Services
	rc  *rpcConn

	mu          sync.Mutex
	initialized bool
	threads     map[string]*thread

	// hadError latches true the first time any request is answered with
	// a JSON-RPC error, feeding the exit-code rule in main.go (spec §6,
	// "1 on any observed tool/LLM error").
	hadError atomic.Bool
}

func newServer(svc *Services, rc *rpcConn) *server {
	return &server{svc: svc, rc: rc, threads: make(map[string]*thread)}
}

// handle dispatches one request and writes its response (or error) to rc.
// It never panics the process: any handler error is classified through
// turnerr.Classify and mapped to a JSON-RPC code (spec §7, "handlers
// never panic the session").
func (s *server) handle(ctx context.Context, req *rpcRequest) {
	if req.Method == "" {
		return
	}

	if req.Method != "initialize" {
		s.mu.Lock()
		ready := s.initialized
		s.mu.Unlock()
		if !ready {
			s.respondErr(req.ID, turnerr.New(turnerr.InvalidRequest, req.Method, fmt.Errorf("not initialized")))
			return
		}
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		s.respondErr(req.ID, err)
		return
	}
	if err := s.rc.respond(req.ID, result); err != nil {
		s.svc.Logger.Warn("write response failed", "method", req.Method, "error", err)
	}
}

func (s *server) respondErr(id any, err error) {
	kind := turnerr.Classify(err)
	if kind != turnerr.Cancellation {
		s.hadError.Store(true)
	}
	rpcErr := newRPCError(turnerr.JSONRPCCode(kind), err.Error())
	if werr := s.rc.respondError(id, rpcErr); werr != nil {
		s.svc.Logger.Warn("write error response failed", "error", werr)
	}
}

func (s *server) dispatch(ctx context.Context, req *rpcRequest) (any, error) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "thread/start":
		return s.handleThreadStart(req.Params)
	case "thread/list":
		return s.handleThreadList()
	case "thread/read":
		return s.handleThreadRead(req.Params)
	case "turn/start":
		return s.handleTurnStart(ctx, req.Params)
	case "config/read":
		return s.handleConfigRead(req.Params)
	case "config/value/write":
		return s.handleConfigValueWrite(req.Params)
	case "config/batch/write":
		return s.handleConfigBatchWrite(req.Params)
	case "account/list":
		return s.handleAccountList()
	case "account/upsert":
		return s.handleAccountUpsert(req.Params)
	case "account/remove":
		return s.handleAccountRemove(req.Params)
	case "account/setActive":
		return s.handleAccountSetActive(req.Params)
	case "model/list":
		return s.handleModelList()
	case "mcp/server-status/list":
		return s.handleMCPServerStatusList()
	case "approval/decision":
		return s.handleApprovalDecision(req.Params)
	default:
		return nil, turnerr.New(turnerr.InvalidRequest, req.Method, fmt.Errorf("unknown method %q", req.Method))
	}
}

type initializeParams struct {
	ClientName      string   `json:"client_name"`
	ClientVersion   string   `json:"client_version"`
	ExperimentalAPI []string `json:"experimental_api"`
}

type initializeResult struct {
	ServerName    string `json:"server_name"`
	ServerVersion string `json:"server_version"`
}

func (s *server) handleInitialize(params json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil, turnerr.New(turnerr.InvalidRequest, "initialize", fmt.Errorf("already initialized"))
	}
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, turnerr.New(turnerr.InvalidRequest, "initialize", err)
		}
	}
	s.initialized = true
	return initializeResult{ServerName: "turnengine", ServerVersion: version}, nil
}

type threadStartParams struct {
	Workspace string `json:"workspace"`
}

type threadStartResult struct {
	ThreadID string `json:"thread_id"`
}

func (s *server) handleThreadStart(params json.RawMessage) (any, error) {
	var p threadStartParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, turnerr.New(turnerr.InvalidRequest, "thread/start", err)
		}
	}
	workspace := p.Workspace
	if workspace == "" {
		return nil, turnerr.New(turnerr.Fatal, "thread/start", fmt.Errorf("cwd not absolute"))
	}

	id := uuid.NewString()
	th, err := newThread(s.svc, s.rc, id, workspace)
	if err != nil {
		return nil, turnerr.New(turnerr.Fatal, "thread/start", err)
	}

	s.mu.Lock()
	s.threads[id] = th
	s.mu.Unlock()

	return threadStartResult{ThreadID: id}, nil
}

func (s *server) handleThreadList() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	return map[string]any{"threads": ids}, nil
}

type threadReadParams struct {
	ThreadID string `json:"thread_id"`
}

func (s *server) handleThreadRead(params json.RawMessage) (any, error) {
	var p threadReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, turnerr.New(turnerr.InvalidRequest, "thread/read", err)
	}
	th, err := s.lookupThread(p.ThreadID)
	if err != nil {
		return nil, err
	}
	th.mu.Lock()
	defer th.mu.Unlock()
	return map[string]any{"thread_id": th.id, "records": th.history.Snapshot()}, nil
}

type turnStartParams struct {
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
}

func (s *server) handleTurnStart(ctx context.Context, params json.RawMessage) (any, error) {
	var p turnStartParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, turnerr.New(turnerr.InvalidRequest, "turn/start", err)
	}
	th, err := s.lookupThread(p.ThreadID)
	if err != nil {
		return nil, err
	}

	result := th.runTurn(ctx, p.Text)
	if result.Err != nil {
		return nil, turnerr.New(turnerr.Classify(result.Err), "turn/start", result.Err)
	}
	return map[string]any{"status": result.Status, "attempts": result.Attempts, "text": result.Text}, nil
}

func (s *server) lookupThread(id string) (*thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return nil, turnerr.New(turnerr.InvalidRequest, "thread", fmt.Errorf("unknown thread %q", id))
	}
	return th, nil
}

type configReadParams struct {
	Path string `json:"path"`
}

func (s *server) handleConfigRead(params json.RawMessage) (any, error) {
	var p configReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, turnerr.New(turnerr.InvalidRequest, "config/read", err)
	}
	value, err := s.svc.ConfigStore.Read(p.Path)
	if err != nil {
		return nil, turnerr.New(turnerr.ToolFailure, "config/read", err)
	}
	return map[string]any{"path": p.Path, "value": value}, nil
}

type configValueWriteParams struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func (s *server) handleConfigValueWrite(params json.RawMessage) (any, error) {
	var p configValueWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, turnerr.New(turnerr.InvalidRequest, "config/value/write", err)
	}
	if err := s.svc.ConfigStore.WriteValue(p.Path, p.Value); err != nil {
		return nil, configWriteError(err)
	}
	return map[string]any{"ok": true}, nil
}

type configBatchWriteParams struct {
	Edits []configstore.Edit `json:"edits"`
}

func (s *server) handleConfigBatchWrite(params json.RawMessage) (any, error) {
	var p configBatchWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, turnerr.New(turnerr.InvalidRequest, "config/batch/write", err)
	}
	if err := s.svc.ConfigStore.WriteBatch(p.Edits); err != nil {
		return nil, configWriteError(err)
	}
	return map[string]any{"ok": true}, nil
}

func configWriteError(err error) *turnerr.Error {
	return turnerr.New(turnerr.ToolFailure, "config/write", err).WithMessage(err.Error())
}

func (s *server) handleAccountList() (any, error) {
	return map[string]any{"accounts": s.svc.Accounts.List()}, nil
}

func (s *server) handleAccountUpsert(params json.RawMessage) (any, error) {
	var candidate accounts.StoredAccount
	if err := json.Unmarshal(params, &candidate); err != nil {
		return nil, turnerr.New(turnerr.InvalidRequest, "account/upsert", err)
	}
	stored := s.svc.Accounts.Upsert(candidate)
	if err := s.svc.Accounts.Save(); err != nil {
		return nil, turnerr.New(turnerr.ToolFailure, "account/upsert", err)
	}
	return stored, nil
}

type accountIDParams struct {
	ID string `json:"id"`
}

func (s *server) handleAccountRemove(params json.RawMessage) (any, error) {
	var p accountIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, turnerr.New(turnerr.InvalidRequest, "account/remove", err)
	}
	if err := s.svc.Accounts.Remove(p.ID); err != nil {
		return nil, turnerr.New(turnerr.ToolFailure, "account/remove", err)
	}
	return map[string]any{"ok": true}, nil
}

func (s *server) handleAccountSetActive(params json.RawMessage) (any, error) {
	var p accountIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, turnerr.New(turnerr.InvalidRequest, "account/setActive", err)
	}
	if err := s.svc.Accounts.SetActive(p.ID); err != nil {
		return nil, turnerr.New(turnerr.ToolFailure, "account/setActive", err)
	}
	return map[string]any{"ok": true}, nil
}

func (s *server) handleModelList() (any, error) {
	type modelInfo struct {
		Provider string `json:"provider"`
		ID       string `json:"id"`
		Name     string `json:"name"`
	}
	var out []modelInfo
	for providerID, providerCfg := range s.svc.Config.LLM.Providers {
		if providerCfg.DefaultModel != "" {
			out = append(out, modelInfo{Provider: providerID, ID: providerCfg.DefaultModel, Name: providerCfg.DefaultModel})
		}
	}
	return map[string]any{"models": out}, nil
}

func (s *server) handleMCPServerStatusList() (any, error) {
	return map[string]any{"servers": s.svc.MCP.Status()}, nil
}

type approvalDecisionParams struct {
	ThreadID string                   `json:"thread_id"`
	ReviewID string                   `json:"review_id"`
	Decision approval.ReviewDecision  `json:"decision"`
}

func (s *server) handleApprovalDecision(params json.RawMessage) (any, error) {
	var p approvalDecisionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, turnerr.New(turnerr.InvalidRequest, "approval/decision", err)
	}
	th, err := s.lookupThread(p.ThreadID)
	if err != nil {
		return nil, err
	}
	if !th.prompter.resolveReview(p.ReviewID, p.Decision) {
		return nil, turnerr.New(turnerr.InvalidRequest, "approval/decision", fmt.Errorf("unknown or already-resolved review %q", p.ReviewID))
	}
	return map[string]any{"ok": true}, nil
}

// Package patch implements the C5 "apply_patch" tool handler: parse a
// bounded unified-diff patch format, validate every touched path against
// the sandbox, and apply each file atomically, emitting a Diff/Patch
// history record pair on success (spec §4.5).
//
// The parser and per-file apply algorithm are adapted from
// internal/tools/files/patch.go's parseUnifiedDiff/applyFilePatch, which
// already implements the same bounded hunk format; this package adds
// atomic-per-file writes (temp file + rename, never partial), workspace
// escape checks via the shared Resolver, and the Diff/Patch history
// records the spec requires that the teacher's flat tool result did not.
package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kestrelcode/turnengine/internal/history"
	"github.com/kestrelcode/turnengine/internal/ordering"
	"github.com/kestrelcode/turnengine/internal/toolrouter"
	"github.com/kestrelcode/turnengine/internal/tools/files"
)

// Args is the apply_patch tool's input contract.
type Args struct {
	Patch string `json:"patch"`
}

// SandboxGate authorizes a write path against the active sandbox level.
// Satisfied by *approval.Gate.
type SandboxGate interface {
	CheckWrite(path string) error
}

// Handler implements toolrouter.Handler for "apply_patch".
type Handler struct {
	resolver files.Resolver
	store    *history.Store
	sub      *ordering.Substrate
	sandbox  SandboxGate
}

// New creates an apply_patch handler scoped to workspace. sandbox may be
// nil, in which case every resolved write path is permitted.
func New(workspace string, store *history.Store, sub *ordering.Substrate, sandbox SandboxGate) *Handler {
	return &Handler{resolver: files.Resolver{Root: workspace}, store: store, sub: sub, sandbox: sandbox}
}

func (h *Handler) Hints() toolrouter.SchedulingHints {
	return toolrouter.SchedulingHints{IsParallelSafe: false}
}

func (h *Handler) Handle(ctx context.Context, inv toolrouter.Invocation) (toolrouter.ToolOutput, error) {
	var args Args
	if err := json.Unmarshal(inv.ArgsRaw, &args); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("apply_patch: invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Patch) == "" {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("apply_patch: patch is required")
	}

	fileDiffs, err := parseUnifiedDiff(args.Patch)
	if err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("apply_patch: %w", err)
	}

	var applied []string
	for _, fd := range fileDiffs {
		resolved, err := h.resolver.Resolve(fd.Path)
		if err != nil {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("apply_patch: %s: %w", fd.Path, err)
		}
		if h.sandbox != nil {
			if err := h.sandbox.CheckWrite(resolved); err != nil {
				return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("apply_patch: %s: %w", fd.Path, err)
			}
		}
		before, err := os.ReadFile(resolved)
		if err != nil {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("apply_patch: read %s: %w", fd.Path, err)
		}
		result, err := applyFileDiff(string(before), fd)
		if err != nil {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("apply_patch: %s: %w", fd.Path, err)
		}
		if err := writeAtomic(resolved, []byte(result.Content)); err != nil {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("apply_patch: write %s: %w", fd.Path, err)
		}
		applied = append(applied, fd.Path)

		diffRec := &DiffRecord{Path: fd.Path, Unified: fd.Raw}
		if _, err := h.store.Apply(history.InsertEvent{Key: h.sub.NextInternal(), Kind: history.KindDiff, Payload: diffRec}); err != nil {
			return toolrouter.ToolOutput{}, fmt.Errorf("apply_patch: record diff: %w", err)
		}
		patchRec := &PatchRecord{Path: fd.Path, LinesAdded: result.Added, LinesRemoved: result.Removed}
		if _, err := h.store.Apply(history.InsertEvent{Key: h.sub.NextInternal(), Kind: history.KindPatch, Payload: patchRec}); err != nil {
			return toolrouter.ToolOutput{}, fmt.Errorf("apply_patch: record patch: %w", err)
		}
	}

	text := fmt.Sprintf("applied patch to %d file(s): %s", len(applied), strings.Join(applied, ", "))
	return toolrouter.ToolOutput{Text: text, Success: boolPtr(true)}, nil
}

// DiffRecord is the Diff history entity from spec §3: the raw unified diff
// as presented to the model.
type DiffRecord struct {
	Path    string
	Unified string
}

// PatchRecord is the Patch history entity from spec §3: the applied result.
type PatchRecord struct {
	Path         string
	LinesAdded   int
	LinesRemoved int
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".apply-patch-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil {
		if err := os.Chmod(tmpPath, info.Mode()); err != nil {
			return err
		}
	}
	return os.Rename(tmpPath, path)
}

func boolPtr(b bool) *bool { return &b }

type fileDiff struct {
	Path  string
	Raw   string
	Hunks []diffHunk
}

type diffHunk struct {
	OldStart int
	Lines    []string
}

type applyResult struct {
	Content string
	Added   int
	Removed int
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,\d+)? \+\d+(?:,\d+)? @@`)

func parseUnifiedDiff(patch string) ([]fileDiff, error) {
	lines := strings.Split(patch, "\n")
	var diffs []fileDiff
	var current *fileDiff
	var currentHunk *diffHunk

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff ") || strings.HasPrefix(line, "index "):
			continue
		case strings.HasPrefix(line, "--- "):
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				return nil, fmt.Errorf("missing +++ header")
			}
			newPath := strings.TrimSpace(strings.TrimPrefix(lines[i+1], "+++ "))
			newPath = strings.TrimPrefix(strings.TrimPrefix(newPath, "b/"), "a/")
			diffs = append(diffs, fileDiff{Path: newPath})
			current = &diffs[len(diffs)-1]
			currentHunk = nil
			i++
		case strings.HasPrefix(line, "@@ "):
			if current == nil {
				return nil, fmt.Errorf("hunk without file header")
			}
			match := hunkHeader.FindStringSubmatch(line)
			if match == nil {
				return nil, fmt.Errorf("malformed hunk header: %s", line)
			}
			h := diffHunk{OldStart: atoi(match[1])}
			current.Hunks = append(current.Hunks, h)
			currentHunk = &current.Hunks[len(current.Hunks)-1]
		default:
			if currentHunk == nil || line == "" || line == "\\ No newline at end of file" {
				continue
			}
			prefix := line[:1]
			if prefix != " " && prefix != "+" && prefix != "-" {
				return nil, fmt.Errorf("invalid patch line: %s", line)
			}
			currentHunk.Lines = append(currentHunk.Lines, line)
		}
	}
	if len(diffs) == 0 {
		return nil, fmt.Errorf("no file headers found")
	}
	for i := range diffs {
		diffs[i].Raw = patch
	}
	return diffs, nil
}

func applyFileDiff(content string, fd fileDiff) (applyResult, error) {
	hadTrailingNewline := strings.HasSuffix(content, "\n")
	trimmed := strings.TrimSuffix(content, "\n")
	var fileLines []string
	if trimmed != "" {
		fileLines = strings.Split(trimmed, "\n")
	}

	var added, removed int
	for _, h := range fd.Hunks {
		idx := h.OldStart - 1
		if idx < 0 {
			idx = 0
		}
		for _, line := range h.Lines {
			if line == "" {
				continue
			}
			prefix := line[:1]
			text := ""
			if len(line) > 1 {
				text = line[1:]
			}
			switch prefix {
			case " ":
				if idx >= len(fileLines) || fileLines[idx] != text {
					return applyResult{}, fmt.Errorf("context mismatch at line %d", idx+1)
				}
				idx++
			case "-":
				if idx >= len(fileLines) || fileLines[idx] != text {
					return applyResult{}, fmt.Errorf("delete mismatch at line %d", idx+1)
				}
				fileLines = append(fileLines[:idx], fileLines[idx+1:]...)
				removed++
			case "+":
				fileLines = append(fileLines[:idx], append([]string{text}, fileLines[idx:]...)...)
				idx++
				added++
			}
		}
	}

	result := strings.Join(fileLines, "\n")
	if hadTrailingNewline {
		result += "\n"
	}
	return applyResult{Content: result, Added: added, Removed: removed}, nil
}

func atoi(value string) int {
	var out int
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0
		}
		out = out*10 + int(r-'0')
	}
	return out
}

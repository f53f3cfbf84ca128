// Package grep implements the C5 "grep_files" and "search_tool_bm25"
// contracts: take a query, return ranked file matches. Per spec §4.5
// these are "out of scope beyond the contract" — this package implements
// a plain substring-ranked search sufficient to satisfy the contract and
// to populate the turn's "selected MCP tools" set when search-tool mode
// is on, without attempting a real BM25 ranking engine.
package grep

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kestrelcode/turnengine/internal/toolrouter"
)

// Args is the grep_files / search_tool_bm25 input contract.
type Args struct {
	Query     string `json:"query"`
	MaxResults int   `json:"max_results"`
}

// Match is one ranked hit.
type Match struct {
	Path  string `json:"path"`
	Line  int    `json:"line"`
	Text  string `json:"text"`
	Score int    `json:"score"`
}

// Selector is notified of every tool name this handler surfaces, so the
// router's search-tool gating (spec §4.4) can mark it selected for the
// current turn.
type Selector interface {
	MarkSelected(toolName string)
}

// Handler implements toolrouter.Handler for grep_files/search_tool_bm25.
type Handler struct {
	root     string
	selector Selector
	toolName string
}

// New creates a grep handler rooted at workspace. toolName identifies
// which of the two contracts (grep_files or search_tool_bm25) this
// instance serves, for selection bookkeeping.
func New(workspace, toolName string, selector Selector) *Handler {
	return &Handler{root: workspace, selector: selector, toolName: toolName}
}

func (h *Handler) Hints() toolrouter.SchedulingHints {
	return toolrouter.SchedulingHints{IsParallelSafe: true}
}

func (h *Handler) Handle(ctx context.Context, inv toolrouter.Invocation) (toolrouter.ToolOutput, error) {
	var args Args
	if err := json.Unmarshal(inv.ArgsRaw, &args); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("%s: invalid arguments: %w", h.toolName, err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("%s: query is required", h.toolName)
	}
	if args.MaxResults <= 0 {
		args.MaxResults = 20
	}

	terms := strings.Fields(strings.ToLower(args.Query))
	var matches []Match
	_ = filepath.WalkDir(h.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(h.root, path)
		if relErr != nil {
			return nil
		}
		f, openErr := os.Open(path)
		if openErr != nil {
			return nil
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			score := scoreLine(strings.ToLower(line), terms)
			if score > 0 {
				matches = append(matches, Match{Path: rel, Line: lineNo, Text: line, Score: score})
			}
		}
		return nil
	})

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > args.MaxResults {
		matches = matches[:args.MaxResults]
	}

	if h.selector != nil {
		h.selector.MarkSelected(h.toolName)
	}

	payload, err := json.Marshal(map[string]any{"matches": matches})
	if err != nil {
		return toolrouter.ToolOutput{}, fmt.Errorf("%s: encode result: %w", h.toolName, err)
	}
	return toolrouter.ToolOutput{Text: string(payload), Success: boolPtr(true)}, nil
}

func scoreLine(line string, terms []string) int {
	score := 0
	for _, term := range terms {
		score += strings.Count(line, term)
	}
	return score
}

func boolPtr(b bool) *bool { return &b }

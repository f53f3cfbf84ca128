// Package listdir implements the C5 "list_dir" tool handler: a bounded,
// depth-limited directory traversal, paginated by a 1-indexed line offset,
// with directories suffixed "/", symlinks "@", and other entry kinds "?"
// (spec §4.5).
//
// Grounded on internal/tools/files/resolver.go for workspace-escape
// checks; the traversal and pagination logic is new, there being no
// directory-listing tool in the teacher to generalize from directly.
package listdir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kestrelcode/turnengine/internal/toolrouter"
	"github.com/kestrelcode/turnengine/internal/tools/files"
)

const maxLineBytes = 500

// Args is the list_dir tool's input contract.
type Args struct {
	Path   string `json:"path"`
	Depth  int    `json:"depth"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// Handler implements toolrouter.Handler for "list_dir".
type Handler struct {
	resolver files.Resolver
}

// New creates a list_dir handler scoped to workspace.
func New(workspace string) *Handler {
	return &Handler{resolver: files.Resolver{Root: workspace}}
}

func (h *Handler) Hints() toolrouter.SchedulingHints {
	return toolrouter.SchedulingHints{IsParallelSafe: true}
}

func (h *Handler) Handle(ctx context.Context, inv toolrouter.Invocation) (toolrouter.ToolOutput, error) {
	var args Args
	if err := json.Unmarshal(inv.ArgsRaw, &args); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("list_dir: invalid arguments: %w", err)
	}
	if args.Depth <= 0 {
		args.Depth = 2
	}
	if args.Offset <= 0 {
		args.Offset = 1
	}
	if args.Limit <= 0 {
		args.Limit = 25
	}

	root := "."
	if strings.TrimSpace(args.Path) != "" {
		root = args.Path
	}
	resolved, err := h.resolver.Resolve(root)
	if err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("list_dir: %w", err)
	}

	var lines []string
	if err := walk(resolved, 0, args.Depth, &lines); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("list_dir: %w", err)
	}

	if args.Offset > len(lines) {
		return toolrouter.ToolOutput{Text: "", Success: boolPtr(true)}, nil
	}
	end := args.Offset - 1 + args.Limit
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := args.Offset - 1; i < end; i++ {
		if i > args.Offset-1 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, truncateUTF8(lines[i], maxLineBytes))
	}
	return toolrouter.ToolOutput{Text: b.String(), Success: boolPtr(true)}, nil
}

type dirEntry struct {
	name   string
	isDir  bool
	isLink bool
	isOther bool
}

func readSortedDir(dir string) ([]dirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		isLink := false
		isOther := false
		if err == nil {
			mode := info.Mode()
			isLink = mode&os.ModeSymlink != 0
			isOther = !e.IsDir() && !isLink && !mode.IsRegular()
		}
		out = append(out, dirEntry{name: e.Name(), isDir: e.IsDir(), isLink: isLink, isOther: isOther})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// walk renders dir's contents depth-first (spec scenario S2 shows each
// subdirectory's children rendered immediately beneath it, not a strict
// breadth-first batch) into lines, indenting by two spaces per depth level.
func walk(dir string, depth, maxDepth int, lines *[]string) error {
	if depth >= maxDepth {
		return nil
	}
	entries, err := readSortedDir(dir)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", depth)
	for _, e := range entries {
		suffix := suffixFor(e)
		*lines = append(*lines, indent+e.name+suffix)
		if e.isDir && !e.isLink {
			if err := walk(filepath.Join(dir, e.name), depth+1, maxDepth, lines); err != nil {
				return err
			}
		}
	}
	return nil
}

func suffixFor(e dirEntry) string {
	switch {
	case e.isLink:
		return "@"
	case e.isDir:
		return "/"
	case e.isOther:
		return "?"
	default:
		return ""
	}
}

func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func boolPtr(b bool) *bool { return &b }

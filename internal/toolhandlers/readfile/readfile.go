// Package readfile implements the C5 "read_file" tool handler: Slice mode
// returns numbered lines by 1-indexed offset/limit; Indentation mode
// returns the minimal indentation-scoped block containing an anchor line
// (spec §4.5). Paths resolve relative to the session workspace; each
// output line is truncated to 500 bytes on a UTF-8 boundary.
//
// Grounded on internal/tools/files/read.go (byte-offset reading, resolver
// use, truncation reporting) and internal/tools/files/resolver.go for the
// workspace-escape check, generalized from a raw byte slice into the
// spec's line-numbered Slice/Indentation contract.
package readfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/kestrelcode/turnengine/internal/toolrouter"
	"github.com/kestrelcode/turnengine/internal/tools/files"
)

const (
	maxLineBytes = 500
	tabWidth     = 4
)

// Args is the read_file tool's input contract: exactly one of Slice or
// Indentation should be set.
type Args struct {
	Path        string       `json:"path"`
	Slice       *SliceArgs   `json:"slice,omitempty"`
	Indentation *IndentArgs  `json:"indentation,omitempty"`
}

// SliceArgs requests a contiguous run of 1-indexed lines.
type SliceArgs struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// IndentArgs requests the minimal indentation-scoped block around a line.
type IndentArgs struct {
	AnchorLine      int  `json:"anchor_line"`
	MaxLevels       int  `json:"max_levels"`
	IncludeSiblings bool `json:"include_siblings"`
	IncludeHeader   bool `json:"include_header"`
	MaxLines        int  `json:"max_lines"`
}

// Handler implements toolrouter.Handler for "read_file".
type Handler struct {
	resolver files.Resolver
}

// New creates a read_file handler scoped to workspace.
func New(workspace string) *Handler {
	return &Handler{resolver: files.Resolver{Root: workspace}}
}

func (h *Handler) Hints() toolrouter.SchedulingHints {
	return toolrouter.SchedulingHints{IsParallelSafe: true}
}

func (h *Handler) Handle(ctx context.Context, inv toolrouter.Invocation) (toolrouter.ToolOutput, error) {
	var args Args
	if err := json.Unmarshal(inv.ArgsRaw, &args); err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("read_file: invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Path) == "" {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("read_file: path is required")
	}

	resolved, err := h.resolver.Resolve(args.Path)
	if err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("read_file: %w", err)
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("read_file: %w", err)
	}
	lines := splitLines(string(raw))

	switch {
	case args.Slice != nil:
		text, err := renderSlice(lines, *args.Slice)
		if err != nil {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("read_file: %w", err)
		}
		return toolrouter.ToolOutput{Text: text, Success: boolPtr(true)}, nil
	case args.Indentation != nil:
		text, err := renderIndentation(lines, *args.Indentation)
		if err != nil {
			return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("read_file: %w", err)
		}
		return toolrouter.ToolOutput{Text: text, Success: boolPtr(true)}, nil
	default:
		return toolrouter.ToolOutput{Success: boolPtr(false)}, fmt.Errorf("read_file: one of slice or indentation is required")
	}
}

func splitLines(content string) []string {
	trimmed := strings.TrimSuffix(content, "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

// truncateUTF8 caps s to maxBytes, backing off to the nearest rune
// boundary rather than splitting a multi-byte rune.
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

func renderSlice(lines []string, args SliceArgs) (string, error) {
	if args.Offset < 1 {
		return "", fmt.Errorf("offset must be >= 1")
	}
	if args.Limit <= 0 {
		return "", fmt.Errorf("limit must be > 0")
	}
	if args.Offset > len(lines) {
		return "", fmt.Errorf("offset exceeds file length")
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
		lineNo := i + 1
		fmt.Fprintf(&b, "L%d: %s", lineNo, truncateUTF8(lines[i], maxLineBytes))
	}
	return b.String(), nil
}

func renderIndentation(lines []string, args IndentArgs) (string, error) {
	if args.AnchorLine < 1 || args.AnchorLine > len(lines) {
		return "", fmt.Errorf("anchor_line out of range")
	}
	maxLevels := args.MaxLevels
	if maxLevels <= 0 {
		maxLevels = 1
	}
	maxLines := args.MaxLines
	if maxLines <= 0 {
		maxLines = 200
	}

	anchorIdx := args.AnchorLine - 1
	anchorIndent := indentWidth(lines[anchorIdx])

	start := anchorIdx
	for start > 0 {
		ind := indentWidth(lines[start-1])
		if ind < anchorIndent-widthPerLevel(maxLevels) {
			break
		}
		start--
	}
	end := anchorIdx
	for end+1 < len(lines) {
		ind := indentWidth(lines[end+1])
		if ind < anchorIndent-widthPerLevel(maxLevels) {
			break
		}
		end++
	}

	if args.IncludeHeader && start > 0 {
		headerIndent := indentWidth(lines[start])
		h := start - 1
		for h >= 0 && indentWidth(lines[h]) >= headerIndent {
			h--
		}
		if h >= 0 {
			start = h
		}
	}

	if end-start+1 > maxLines {
		end = start + maxLines - 1
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		if i > start {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "L%d: %s", i+1, truncateUTF8(lines[i], maxLineBytes))
	}
	return b.String(), nil
}

func widthPerLevel(levels int) int { return levels * tabWidth }

func indentWidth(line string) int {
	width := 0
	for _, r := range line {
		switch r {
		case '\t':
			width += tabWidth
		case ' ':
			width++
		default:
			return width
		}
	}
	return width
}

func boolPtr(b bool) *bool { return &b }

// Auto-compaction wiring (spec §4.8, "auto-compaction"): turn.Compactor is
// satisfied here by adapting the scratchpad's attempt_input items into
// internal/compaction's chunk/summarize/merge pipeline, driven by the
// session's own LLM provider as the compaction.Summarizer. Grounded on
// internal/compaction.go's SummarizeWithFallback plus the provider
// contract internal/agent/runtime.go already defines, rather than a
// bespoke prompt-and-truncate scheme.
package main

import (
	"context"
	"fmt"

	"github.com/kestrelcode/turnengine/internal/agent"
	"github.com/kestrelcode/turnengine/internal/compaction"
	"github.com/kestrelcode/turnengine/internal/scratchpad"
)

// providerSummarizer adapts an agent.LLMProvider into compaction.Summarizer
// by draining its streaming Complete call into a single string.
type providerSummarizer struct {
	provider agent.LLMProvider
	model    string
}

func newProviderSummarizer(provider agent.LLMProvider, model string) *providerSummarizer {
	return &providerSummarizer{provider: provider, model: model}
}

func (s *providerSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, _ *compaction.SummarizationConfig) (string, error) {
	req := &agent.CompletionRequest{
		Model:  s.model,
		System: "Summarize the following conversation history concisely, preserving decisions, open questions, and file paths touched. Do not include tool output verbatim.",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: compaction.FormatMessagesForSummary(messages)},
		},
	}

	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("compaction completion: %w", err)
	}

	var out string
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", fmt.Errorf("compaction completion stream: %w", chunk.Error)
		}
		out += chunk.Text
	}
	return out, nil
}

// scratchpadCompactor implements turn.Compactor by converting the running
// attempt_input into compaction.Message values and delegating to
// compaction.SummarizeWithFallback, which chunks oversized histories
// before summarizing rather than failing outright.
type scratchpadCompactor struct {
	summarizer compaction.Summarizer
	config     *compaction.SummarizationConfig
}

func newScratchpadCompactor(provider agent.LLMProvider, model string) *scratchpadCompactor {
	return &scratchpadCompactor{
		summarizer: newProviderSummarizer(provider, model),
		config:     compaction.DefaultSummarizationConfig(),
	}
}

func (c *scratchpadCompactor) Summarize(ctx context.Context, items []scratchpad.Item) (string, error) {
	messages := make([]*compaction.Message, 0, len(items))
	for _, it := range items {
		role := it.Role
		if role == "" {
			role = string(it.Kind)
		}
		messages = append(messages, &compaction.Message{Role: role, Content: it.Text})
	}
	return compaction.SummarizeWithFallback(ctx, messages, c.summarizer, c.config)
}

package main

import (
	"context"
	"testing"

	"github.com/kestrelcode/turnengine/internal/agent"
	"github.com/kestrelcode/turnengine/internal/scratchpad"
)

type fakeProvider struct {
	reply string
}

func (f *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: f.reply}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) Models() []agent.Model { return nil }
func (f *fakeProvider) SupportsTools() bool   { return false }

func TestScratchpadCompactorSummarizesItems(t *testing.T) {
	compactor := newScratchpadCompactor(&fakeProvider{reply: "summary of the conversation"}, "fake-model")

	items := []scratchpad.Item{
		{Kind: scratchpad.KindMessage, Role: "user", Text: "please fix the build"},
		{Kind: scratchpad.KindMessage, Role: "assistant", Text: "looking into it"},
	}

	summary, err := compactor.Summarize(context.Background(), items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == "" {
		t.Fatal("expected a non-empty summary")
	}
}

func TestScratchpadCompactorEmptyItemsReturnsFallback(t *testing.T) {
	compactor := newScratchpadCompactor(&fakeProvider{reply: "unused"}, "fake-model")

	summary, err := compactor.Summarize(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary == "" {
		t.Fatal("expected a non-empty fallback summary for no items")
	}
}

package service

import (
	"strings"
	"testing"

	"github.com/connexus-ai/rag-aggregator/internal/model"
)

func TestBuildPromptNoContext(t *testing.T) {
	messages := BuildPrompt("What is Python?", nil, "")

	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != model.RoleSystem || messages[1].Role != model.RoleUser {
		t.Fatalf("unexpected roles: %+v", messages)
	}
	if messages[1].Content != "What is Python?" {
		t.Errorf("unexpected user content: %q", messages[1].Content)
	}
}

func TestBuildPromptWithContext(t *testing.T) {
	ctx := &model.AggregatedContext{
		Documents: []model.Document{
			{Content: "Python is a programming language.", Score: 0.9},
		},
		PerSource: []model.RetrievalResult{
			{
				EndpointPath: "docs/python",
				Status:       model.RetrievalSuccess,
				Documents:    []model.Document{{Content: "Python is a programming language.", Score: 0.9}},
			},
		},
	}

	messages := BuildPrompt("What is Python?", ctx, "")
	system := messages[0].Content

	if !strings.Contains(system, "CONTEXT FROM DATA SOURCES") {
		t.Error("expected context block header in system message")
	}
	if !strings.Contains(system, "Python is a programming language") {
		t.Error("expected document content in system message")
	}
	if !strings.Contains(system, "docs/python") {
		t.Error("expected source path in system message")
	}
}

func TestBuildPromptEmptyContext(t *testing.T) {
	ctx := &model.AggregatedContext{Documents: []model.Document{}, PerSource: []model.RetrievalResult{}}
	messages := BuildPrompt("Test", ctx, "")

	if !strings.Contains(messages[0].Content, "No relevant context was found") {
		t.Error("expected fallback message for empty context")
	}
}

func TestBuildPromptCustomSystemPrompt(t *testing.T) {
	messages := BuildPrompt("Test", nil, "You are a pirate. Respond like one.")

	if !strings.Contains(messages[0].Content, "pirate") {
		t.Error("expected custom system prompt to be used")
	}
}

package service

import (
	"fmt"
	"strings"

	"github.com/connexus-ai/rag-aggregator/internal/model"
)

const defaultSystemPrompt = "You are a helpful assistant that answers questions using the provided context when available."

// BuildPrompt produces the two-message prompt the model peer receives: a
// system message carrying instructions plus any retrieved context, and a
// user message carrying the raw prompt verbatim. It is pure and
// deterministic — no network calls, no randomness.
func BuildPrompt(userPrompt string, ctx *model.AggregatedContext, customSystemPrompt string) []model.Message {
	systemPrompt := defaultSystemPrompt
	if customSystemPrompt != "" {
		systemPrompt = customSystemPrompt
	}

	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if ctx != nil {
		sb.WriteString("\n\n=== CONTEXT FROM DATA SOURCES ===\n")
		if len(ctx.Documents) == 0 {
			sb.WriteString("No relevant context was found.\n")
		} else {
			for _, src := range ctx.PerSource {
				for _, doc := range src.Documents {
					fmt.Fprintf(&sb, "[%s] %s\n\n", src.EndpointPath, doc.Content)
				}
			}
		}
	}

	return []model.Message{
		{Role: model.RoleSystem, Content: sb.String()},
		{Role: model.RoleUser, Content: userPrompt},
	}
}

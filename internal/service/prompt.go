package service

import (
	"fmt"
	"strings"

	"github.com/knoguchi/supportrag/internal/llm"
	"github.com/knoguchi/supportrag/internal/memory"
	"github.com/knoguchi/supportrag/internal/reranker"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = `You are a customer support assistant for an industrial machinery supplier. Answer questions using ONLY the provided documents.

IMPORTANT: Be brief and direct. Most answers should be 2-5 sentences.

Rules:
- Give the direct answer first, then brief supporting details only if needed
- Quote model numbers, quantities and prices exactly as they appear in the documents
- Do NOT include step-by-step instructions unless specifically asked
- If the documents don't cover the topic, say "The documents don't cover this."
- Never invent information not in the provided documents`

// estimateTokens approximates token count from text.
// Word count is a reasonable proxy for the budget check.
func estimateTokens(text string) int {
	return len(strings.Fields(text))
}

// selectContext keeps chunks in ranked order while the running token estimate
// fits in maxTokens. The first chunk is always kept.
func selectContext(ranked []reranker.RankedChunk, maxTokens int) []reranker.RankedChunk {
	used := 0
	for i, chunk := range ranked {
		tokens := estimateTokens(chunk.Content)
		if i > 0 && used+tokens > maxTokens {
			return ranked[:i]
		}
		used += tokens
	}
	return ranked
}

// buildMessages constructs the system turn and a user turn carrying
// conversation history, numbered context documents and the question.
func buildMessages(systemPrompt string, chunks []reranker.RankedChunk, question string, history []memory.Message) []llm.Message {
	var sb strings.Builder

	// Conversation history (if any)
	if len(history) > 0 {
		sb.WriteString("## Conversation History\n")
		sb.WriteString("(Previous exchanges in this session for context)\n\n")
		sb.WriteString(memory.FormatForPrompt(history))
		sb.WriteString("\n")
	}

	// Relevance scores omitted to avoid biasing the model
	sb.WriteString("## Context Documents\n\n")
	for i, chunk := range chunks {
		fmt.Fprintf(&sb, "[Doc %d]", i+1)
		if title := chunk.Title(); title != "" {
			fmt.Fprintf(&sb, " (Title: %s)", title)
		}
		sb.WriteString("\n")
		sb.WriteString(chunk.Content)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(question)
	sb.WriteString("\n\n")
	sb.WriteString("## Answer (be brief and direct)\n")

	return []llm.Message{llm.System(systemPrompt), llm.User(sb.String())}
}

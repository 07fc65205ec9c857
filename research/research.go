// Package research contains the research demo pair: a web search agent
// and a summarization agent. Both are mocked stand-ins for external
// search and LLM calls, matching the agent handler contract.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Agent role and tool names for the research pair.
const (
	WebSearchAgent     = "web_search"
	SummarizationAgent = "summarization"

	SearchAPITool  = "search_api"
	SummarizerTool = "summarizer"
)

// WebSearch returns the search handler. It requires a "query" field and
// emits the search content.
func WebSearch() func(ctx context.Context, task map[string]string) (map[string]any, error) {
	return func(_ context.Context, task map[string]string) (map[string]any, error) {
		query := task["query"]
		if query == "" {
			return nil, errors.New("query not provided for web search")
		}
		return map[string]any{
			"content": fmt.Sprintf("Search results for %q: The capital of France is Paris. Wikipedia also mentions Lyon and Marseille.", query),
		}, nil
	}
}

// Summarization returns the summarization handler. It requires a "text"
// field and emits a one-line summary.
func Summarization() func(ctx context.Context, task map[string]string) (map[string]any, error) {
	return func(_ context.Context, task map[string]string) (map[string]any, error) {
		text := task["text"]
		if text == "" {
			return nil, errors.New("text not provided for summarization")
		}
		first := text
		if i := strings.IndexAny(text, ".!?"); i >= 0 {
			first = text[:i+1]
		}
		return map[string]any{
			"summary": "Summary: " + first,
		}, nil
	}
}

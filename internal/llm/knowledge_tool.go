package llm

import (
	"context"
)

// KnowledgeToolName is the function name the model sees.
const KnowledgeToolName = "search_knowledge_base"

// Searcher answers a question from a tenant's knowledge base. It always
// returns speakable text.
type Searcher interface {
	Lookup(ctx context.Context, query, tenantID string) string
}

// KnowledgeTool exposes s to the model, scoped to tenantID.
func KnowledgeTool(s Searcher, tenantID string) Tool {
	return Tool{
		Name:        KnowledgeToolName,
		Description: "Search the business knowledge base for relevant information to answer customer questions",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query to find relevant information",
			},
		}),
		Call: func(ctx context.Context, args string) (string, error) {
			query, err := argString(args, "query")
			if err != nil {
				return "", err
			}
			return s.Lookup(ctx, query, tenantID), nil
		},
	}
}

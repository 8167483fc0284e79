package mcp

import (
	"context"

	"github.com/contextd/contextd/internal/ai"
	"github.com/contextd/contextd/internal/bus"
)

// AITools registers the optional AI tool group. The group is only
// registered when the AI client is configured and enabled.
func AITools(client *ai.Client, events *bus.Bus) []*Tool {
	publish := func(eventType string, data map[string]any) {
		if events != nil {
			_ = events.Publish(bus.ChannelAIAnalysis, eventType, data)
		}
	}

	return []*Tool{
		{
			Name:        "ai_analyze_error",
			Description: "LLM root-cause analysis of an error",
			Category:    "ai",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"error_type":    {Type: "string"},
					"error_message": {Type: "string"},
					"context":       {Type: "string"},
				},
				Required: []string{"error_type", "error_message"},
			},
			DefaultTimeoutMS: 60000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				analysis, err := client.AnalyzeError(ctx,
					stringArg(args, "error_type"),
					stringArg(args, "error_message"),
					stringArg(args, "context"))
				if err != nil {
					return nil, err
				}
				publish("error_analyzed", map[string]any{
					"error_type": stringArg(args, "error_type"),
				})
				return map[string]any{"analysis": analysis}, nil
			},
		},
		{
			Name:        "ai_suggest_solution",
			Description: "LLM remediation suggestion for an error",
			Category:    "ai",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"error_type":    {Type: "string"},
					"error_message": {Type: "string"},
				},
				Required: []string{"error_type", "error_message"},
			},
			DefaultTimeoutMS: 60000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				solution, err := client.SuggestSolution(ctx,
					stringArg(args, "error_type"),
					stringArg(args, "error_message"))
				if err != nil {
					return nil, err
				}
				publish("solution_suggested", map[string]any{
					"error_type": stringArg(args, "error_type"),
				})
				return map[string]any{"solution": solution}, nil
			},
		},
		{
			Name:        "ai_summarize_project",
			Description: "LLM summary of a project's context",
			Category:    "ai",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": {Type: "string"},
					"context":    {Type: "string", Description: "Context text to summarize"},
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 60000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				summary, err := client.SummarizeProject(ctx,
					stringArg(args, "project_id"),
					stringArg(args, "context"))
				if err != nil {
					return nil, err
				}
				publish("project_summarized", map[string]any{
					"project_id": stringArg(args, "project_id"),
				})
				return map[string]any{"summary": summary}, nil
			},
		},
	}
}

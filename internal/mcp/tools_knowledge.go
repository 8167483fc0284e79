package mcp

import (
	"context"

	"github.com/contextd/contextd/internal/knowledge"
)

// KnowledgeTools registers the code-knowledge tool group.
func KnowledgeTools(svc *knowledge.Service) []*Tool {
	projectArg := Property{Type: "string", Description: "Project identifier"}

	return []*Tool{
		{
			Name:        "analyze_project",
			Description: "Build the project's import graph from a source tree",
			Category:    "code-knowledge",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"path":       {Type: "string", Description: "Root directory to analyze"},
				},
				Required: []string{"project_id", "path"},
			},
			DefaultTimeoutMS: 60000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				result, err := svc.Analyze(ctx, stringArg(args, "project_id"), stringArg(args, "path"))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"files":     result.Files,
					"modules":   result.Modules,
					"entities":  len(result.Entities),
					"relations": len(result.Relations),
				}, nil
			},
		},
		{
			Name:        "query_knowledge",
			Description: "Search the stored code graph by free text",
			Category:    "code-knowledge",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"query":      {Type: "string"},
					"limit":      {Type: "integer"},
				},
				Required: []string{"project_id", "query"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.Query(ctx, stringArg(args, "project_id"), stringArg(args, "query"), intArg(args, "limit"))
			},
		},
		{
			Name:        "find_entity",
			Description: "Look up entities by exact name",
			Category:    "code-knowledge",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"name":       {Type: "string"},
				},
				Required: []string{"project_id", "name"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.FindEntity(ctx, stringArg(args, "project_id"), stringArg(args, "name"))
			},
		},
		{
			Name:        "trace_calls",
			Description: "Follow outgoing relations transitively from an entity",
			Category:    "code-knowledge",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"entity":     {Type: "string"},
				},
				Required: []string{"project_id", "entity"},
			},
			DefaultTimeoutMS: 10000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.Trace(ctx, stringArg(args, "project_id"), stringArg(args, "entity"))
			},
		},
		{
			Name:        "get_dependencies",
			Description: "One-hop dependencies and dependents of an entity",
			Category:    "code-knowledge",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"entity":     {Type: "string"},
				},
				Required: []string{"project_id", "entity"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				outgoing, incoming, err := svc.Dependencies(ctx, stringArg(args, "project_id"), stringArg(args, "entity"))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"depends_on":   outgoing,
					"depended_by":  incoming,
				}, nil
			},
		},
		{
			Name:        "list_modules",
			Description: "The project's module entities",
			Category:    "code-knowledge",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.Modules(ctx, stringArg(args, "project_id"))
			},
		},
		{
			Name:        "search_pattern",
			Description: "Find entities whose name or path contains a pattern",
			Category:    "code-knowledge",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"pattern":    {Type: "string"},
					"limit":      {Type: "integer"},
				},
				Required: []string{"project_id", "pattern"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.SearchPattern(ctx, stringArg(args, "project_id"), stringArg(args, "pattern"), intArg(args, "limit"))
			},
		},
	}
}

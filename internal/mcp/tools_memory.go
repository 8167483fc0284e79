package mcp

import (
	"context"

	"github.com/contextd/contextd/internal/memory"
)

// MemoryTools registers the memory tool group.
func MemoryTools(engine *memory.Engine) []*Tool {
	return []*Tool{
		{
			Name:        "store_memory",
			Description: "Store a memory in the short, mid, or long tier",
			Category:    "memory",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id":   {Type: "string", Description: "Owning project"},
					"content":      {Type: "string", Description: "Memory content"},
					"tier":         {Type: "string", Enum: []string{"short", "mid", "long"}},
					"memory_level": {Type: "string", Enum: []string{"short", "mid", "long"}, Description: "Alias for tier"},
					"category":     {Type: "string"},
					"importance":   {Type: "number", Description: "Importance in [0,1], default 0.8"},
					"tags":         {Type: "array"},
				},
				Required: []string{"project_id", "content"},
			},
			DefaultTimeoutMS: 10000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return engine.Store(ctx, memory.StoreRequest{
					ProjectID:  stringArg(args, "project_id"),
					Content:    stringArg(args, "content"),
					Tier:       stringArgDefault(args, "tier", stringArg(args, "memory_level")),
					Category:   stringArg(args, "category"),
					Importance: floatArg(args, "importance"),
					Tags:       stringSliceArg(args, "tags"),
					Creator:    stringArg(args, "creator"),
				})
			},
		},
		{
			Name:        "retrieve_memory",
			Description: "Recall memories across all tiers, ranked by relevance",
			Category:    "memory",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": {Type: "string"},
					"query":      {Type: "string", Description: "Free-text query"},
					"top_k":      {Type: "integer", Description: "Maximum results, default 5"},
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 10000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return engine.Retrieve(ctx,
					stringArg(args, "project_id"),
					stringArg(args, "query"),
					intArg(args, "top_k"))
			},
		},
		{
			Name:        "delete_memory",
			Description: "Delete a memory from every tier",
			Category:    "memory",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": {Type: "string"},
					"memory_id":  {Type: "string"},
				},
				Required: []string{"project_id", "memory_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if err := engine.Delete(ctx, stringArg(args, "project_id"), stringArg(args, "memory_id")); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": true}, nil
			},
		},
		{
			Name:        "get_memory_stats",
			Description: "Search performance statistics for the memory engine",
			Category:    "memory",
			InputSchema: Schema{
				Type: "object",
			},
			DefaultTimeoutMS: 2000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return engine.Stats(), nil
			},
		},
	}
}

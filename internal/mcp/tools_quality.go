package mcp

import (
	"context"

	"github.com/contextd/contextd/internal/quality"
)

// QualityTools registers the quality tool group.
func QualityTools(svc *quality.Service) []*Tool {
	return []*Tool{
		{
			Name:        "check_code_quality",
			Description: "Analyze a source tree and persist the quality report",
			Category:    "quality",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": {Type: "string"},
					"path":       {Type: "string", Description: "Root directory to analyze"},
				},
				Required: []string{"project_id", "path"},
			},
			DefaultTimeoutMS: 60000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.Check(ctx, stringArg(args, "project_id"), stringArg(args, "path"))
			},
		},
		{
			Name:        "get_quality_summary",
			Description: "Recent persisted quality reports for a project",
			Category:    "quality",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": {Type: "string"},
					"limit":      {Type: "integer"},
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.Summary(ctx, stringArg(args, "project_id"), intArg(args, "limit"))
			},
		},
	}
}

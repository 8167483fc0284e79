package mcp

import (
	"context"

	"github.com/contextd/contextd/internal/firewall"
	"github.com/contextd/contextd/internal/storage"
)

// FirewallTools registers the error-firewall tool group.
func FirewallTools(fw *firewall.Firewall) []*Tool {
	return []*Tool{
		{
			Name:        "record_error",
			Description: "Record an error pattern with its remediation",
			Category:    "error-firewall",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"error_type":          {Type: "string"},
					"error_scene":         {Type: "string", Description: "Human description of the failure"},
					"features":            {Type: "object", Description: "Feature map used for matching"},
					"error_message":       {Type: "string"},
					"solution":            {Type: "string"},
					"solution_confidence": {Type: "number"},
					"block_level":         {Type: "string", Enum: []string{"none", "warning", "block"}},
				},
				Required: []string{"error_type"},
			},
			DefaultTimeoutMS: 10000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return fw.RecordError(ctx, firewall.RecordInput{
					ErrorType:          stringArg(args, "error_type"),
					ErrorScene:         stringArg(args, "error_scene"),
					Features:           mapArg(args, "features"),
					ErrorMessage:       stringArg(args, "error_message"),
					Solution:           stringArg(args, "solution"),
					SolutionConfidence: floatArg(args, "solution_confidence"),
					BlockLevel:         stringArg(args, "block_level"),
				})
			},
		},
		{
			Name:        "check_operation",
			Description: "Check an operation against recorded error patterns",
			Category:    "error-firewall",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"operation_type":   {Type: "string"},
					"operation_params": {Type: "object"},
				},
				Required: []string{"operation_type"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return fw.CheckOperation(ctx,
					stringArg(args, "operation_type"),
					mapArg(args, "operation_params"))
			},
		},
		{
			Name:        "query_errors",
			Description: "Query stored error patterns by type, level, or frequency",
			Category:    "error-firewall",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"error_type":      {Type: "string"},
					"block_level":     {Type: "string", Enum: []string{"none", "warning", "block"}},
					"min_occurrences": {Type: "integer"},
					"limit":           {Type: "integer"},
				},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return fw.QueryErrors(ctx, storage.ErrorPatternFilter{
					ErrorType:      stringArg(args, "error_type"),
					BlockLevel:     stringArg(args, "block_level"),
					MinOccurrences: intArg(args, "min_occurrences"),
					Limit:          intArg(args, "limit"),
				})
			},
		},
		{
			Name:        "get_firewall_stats",
			Description: "Aggregate counters over stored error patterns",
			Category:    "error-firewall",
			InputSchema: Schema{
				Type: "object",
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return fw.Stats(ctx)
			},
		},
	}
}

package mcp

import (
	"context"

	"github.com/contextd/contextd/internal/project"
)

// ProjectTools registers the project-context tool group.
func ProjectTools(svc *project.Service) []*Tool {
	projectArg := Property{Type: "string", Description: "Project identifier"}

	return []*Tool{
		{
			Name:        "create_project",
			Description: "Register a project",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id":  projectArg,
					"name":        {Type: "string"},
					"description": {Type: "string"},
					"owner":       {Type: "string"},
				},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.CreateProject(ctx,
					stringArg(args, "project_id"),
					stringArg(args, "name"),
					stringArg(args, "description"),
					stringArg(args, "owner"))
			},
		},
		{
			Name:        "update_project",
			Description: "Update a project's fields",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id":  projectArg,
					"name":        {Type: "string"},
					"description": {Type: "string"},
					"owner":       {Type: "string"},
					"active":      {Type: "boolean"},
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				var active *bool
				if v, ok := boolArg(args, "active"); ok {
					active = &v
				}
				return svc.UpdateProject(ctx,
					stringArg(args, "project_id"),
					stringArg(args, "name"),
					stringArg(args, "description"),
					stringArg(args, "owner"),
					active)
			},
		},
		{
			Name:        "get_project_stats",
			Description: "Counts of memories, sessions, todos, notes, and decisions",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.Stats(ctx, stringArg(args, "project_id"))
			},
		},
		{
			Name:        "start_session",
			Description: "Start a working session, closing any active one",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"title":      {Type: "string"},
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.StartSession(ctx, stringArg(args, "project_id"), stringArg(args, "title"))
			},
		},
		{
			Name:        "end_session",
			Description: "End a session with an optional summary",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"session_id": {Type: "string"},
					"summary":    {Type: "string"},
				},
				Required: []string{"session_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if err := svc.EndSession(ctx, stringArg(args, "session_id"), stringArg(args, "summary")); err != nil {
					return nil, err
				}
				return map[string]any{"ended": true}, nil
			},
		},
		{
			Name:        "get_active_session",
			Description: "The project's currently active session",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.ActiveSession(ctx, stringArg(args, "project_id"))
			},
		},
		{
			Name:        "get_session_history",
			Description: "Recent sessions, newest first",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"limit":      {Type: "integer"},
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.SessionHistory(ctx, stringArg(args, "project_id"), intArg(args, "limit"))
			},
		},
		{
			Name:        "add_todo",
			Description: "Add a work item",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"content":    {Type: "string"},
					"priority":   {Type: "string", Enum: []string{"low", "medium", "high"}},
				},
				Required: []string{"project_id", "content"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.AddTodo(ctx,
					stringArg(args, "project_id"),
					stringArg(args, "content"),
					stringArg(args, "priority"))
			},
		},
		{
			Name:        "update_todo_status",
			Description: "Move a todo through its lifecycle",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"todo_id": {Type: "string"},
					"status":  {Type: "string", Enum: []string{"pending", "in_progress", "done", "canceled"}},
				},
				Required: []string{"todo_id", "status"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if err := svc.UpdateTodoStatus(ctx, stringArg(args, "todo_id"), stringArg(args, "status")); err != nil {
					return nil, err
				}
				return map[string]any{"updated": true}, nil
			},
		},
		{
			Name:        "delete_todo",
			Description: "Delete a work item",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"todo_id": {Type: "string"},
				},
				Required: []string{"todo_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if err := svc.DeleteTodo(ctx, stringArg(args, "todo_id")); err != nil {
					return nil, err
				}
				return map[string]any{"deleted": true}, nil
			},
		},
		{
			Name:        "list_todos",
			Description: "List todos, optionally filtered by status",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"status":     {Type: "string", Enum: []string{"pending", "in_progress", "done", "canceled"}},
					"limit":      {Type: "integer"},
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.ListTodos(ctx,
					stringArg(args, "project_id"),
					stringArg(args, "status"),
					intArg(args, "limit"))
			},
		},
		{
			Name:        "add_note",
			Description: "Attach a note to a project",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"title":      {Type: "string"},
					"content":    {Type: "string"},
					"tags":       {Type: "array"},
				},
				Required: []string{"project_id", "content"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.AddNote(ctx,
					stringArg(args, "project_id"),
					stringArg(args, "title"),
					stringArg(args, "content"),
					stringSliceArg(args, "tags"))
			},
		},
		{
			Name:        "search_notes",
			Description: "Find notes by title or content substring",
			Category:    "project-context",
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
				return svc.SearchNotes(ctx,
					stringArg(args, "project_id"),
					stringArg(args, "query"),
					intArg(args, "limit"))
			},
		},
		{
			Name:        "record_decision",
			Description: "Record a design decision with its rationale",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id":   projectArg,
					"title":        {Type: "string"},
					"decision":     {Type: "string"},
					"rationale":    {Type: "string"},
					"alternatives": {Type: "string"},
				},
				Required: []string{"project_id", "title", "decision"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.RecordDecision(ctx,
					stringArg(args, "project_id"),
					stringArg(args, "title"),
					stringArg(args, "decision"),
					stringArg(args, "rationale"),
					stringArg(args, "alternatives"))
			},
		},
		{
			Name:        "list_decisions",
			Description: "List recorded decisions, newest first",
			Category:    "project-context",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"project_id": projectArg,
					"limit":      {Type: "integer"},
				},
				Required: []string{"project_id"},
			},
			DefaultTimeoutMS: 5000,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return svc.ListDecisions(ctx, stringArg(args, "project_id"), intArg(args, "limit"))
			},
		},
	}
}

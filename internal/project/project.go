// Package project is the project-context service: sessions, todos,
// notes, and design decisions scoped to a project, on top of the
// relational store.
package project

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/contextd/contextd/internal/storage"
)

// Service coordinates project-context operations. It owns id
// generation; persistence and uniqueness live in the store.
type Service struct {
	store storage.Store
}

// NewService creates the project-context service.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString()[:12])
}

// CreateProject registers a project. The id defaults to a generated one
// when empty.
func (s *Service) CreateProject(ctx context.Context, projectID, name, description, owner string) (*storage.Project, error) {
	if projectID == "" {
		projectID = newID("proj")
	}
	if name == "" {
		name = projectID
	}
	p := &storage.Project{
		ProjectID:   projectID,
		Name:        name,
		Description: description,
		Owner:       owner,
		Active:      true,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProject applies non-empty fields onto the stored project.
func (s *Service) UpdateProject(ctx context.Context, projectID, name, description, owner string, active *bool) (*storage.Project, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if name != "" {
		p.Name = name
	}
	if description != "" {
		p.Description = description
	}
	if owner != "" {
		p.Owner = owner
	}
	if active != nil {
		p.Active = *active
	}
	if err := s.store.UpdateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Stats aggregates the project's owned records.
func (s *Service) Stats(ctx context.Context, projectID string) (*storage.ProjectStats, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.GetProjectStats(ctx, projectID)
}

// StartSession opens a new session, auto-creating the project and
// closing any previously active session.
func (s *Service) StartSession(ctx context.Context, projectID, title string) (*storage.Session, error) {
	if err := s.store.EnsureProject(ctx, projectID); err != nil {
		return nil, err
	}
	sess := &storage.Session{
		SessionID: newID("sess"),
		ProjectID: projectID,
		Title:     title,
	}
	if err := s.store.StartSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// EndSession closes a session with an optional summary.
func (s *Service) EndSession(ctx context.Context, sessionID, summary string) error {
	return s.store.EndSession(ctx, sessionID, summary)
}

// ActiveSession returns the project's active session, if any.
func (s *Service) ActiveSession(ctx context.Context, projectID string) (*storage.Session, error) {
	return s.store.GetActiveSession(ctx, projectID)
}

// SessionHistory lists recent sessions, newest first.
func (s *Service) SessionHistory(ctx context.Context, projectID string, limit int) ([]*storage.Session, error) {
	return s.store.GetSessionHistory(ctx, projectID, limit)
}

// AddTodo creates a work item.
func (s *Service) AddTodo(ctx context.Context, projectID, content, priority string) (*storage.Todo, error) {
	if err := s.store.EnsureProject(ctx, projectID); err != nil {
		return nil, err
	}
	t := &storage.Todo{
		TodoID:    newID("todo"),
		ProjectID: projectID,
		Content:   content,
		Priority:  priority,
	}
	if err := s.store.AddTodo(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTodoStatus moves a todo through its lifecycle.
func (s *Service) UpdateTodoStatus(ctx context.Context, todoID, status string) error {
	return s.store.UpdateTodoStatus(ctx, todoID, status)
}

// DeleteTodo removes a work item.
func (s *Service) DeleteTodo(ctx context.Context, todoID string) error {
	return s.store.DeleteTodo(ctx, todoID)
}

// ListTodos lists a project's todos, optionally filtered by status.
func (s *Service) ListTodos(ctx context.Context, projectID, status string, limit int) ([]*storage.Todo, error) {
	return s.store.ListTodos(ctx, projectID, status, limit)
}

// AddNote attaches a free-form note to a project.
func (s *Service) AddNote(ctx context.Context, projectID, title, content string, tags []string) (*storage.Note, error) {
	if err := s.store.EnsureProject(ctx, projectID); err != nil {
		return nil, err
	}
	n := &storage.Note{
		NoteID:    newID("note"),
		ProjectID: projectID,
		Title:     title,
		Content:   content,
		Tags:      storage.StringList(tags),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AddNote(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// SearchNotes finds notes whose title or content contains the query.
func (s *Service) SearchNotes(ctx context.Context, projectID, query string, limit int) ([]*storage.Note, error) {
	return s.store.SearchNotes(ctx, projectID, query, limit)
}

// RecordDecision persists a design decision.
func (s *Service) RecordDecision(ctx context.Context, projectID, title, decision, rationale, alternatives string) (*storage.Decision, error) {
	if err := s.store.EnsureProject(ctx, projectID); err != nil {
		return nil, err
	}
	d := &storage.Decision{
		DecisionID:   newID("dec"),
		ProjectID:    projectID,
		Title:        title,
		Decision:     decision,
		Rationale:    rationale,
		Alternatives: alternatives,
	}
	if err := s.store.RecordDecision(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDecisions lists decisions, newest first.
func (s *Service) ListDecisions(ctx context.Context, projectID string, limit int) ([]*storage.Decision, error) {
	return s.store.ListDecisions(ctx, projectID, limit)
}

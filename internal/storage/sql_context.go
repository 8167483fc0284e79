package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// StartSession opens a new active session, closing any session still
// active for the project first so at most one is active at a time.
func (s *sqlStore) StartSession(ctx context.Context, sess *Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	sess.Active = true

	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		tx, err := c.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE sessions SET active = ?, ended_at = ? WHERE project_id = ? AND active = ?`),
			false, now, sess.ProjectID, true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO sessions (session_id, project_id, title, summary, active, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			sess.SessionID, sess.ProjectID, sess.Title, sess.Summary, sess.Active, sess.StartedAt); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("start session %s: %w", sess.SessionID, err)
	}
	return nil
}

func (s *sqlStore) EndSession(ctx context.Context, sessionID, summary string) error {
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		res, err := c.ExecContext(ctx, s.q(`
			UPDATE sessions SET active = ?, ended_at = ?, summary = ? WHERE session_id = ?`),
			false, time.Now().UTC(), summary, sessionID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

func (s *sqlStore) GetActiveSession(ctx context.Context, projectID string) (*Session, error) {
	var sess Session
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.GetContext(ctx, &sess, s.q(`
			SELECT * FROM sessions WHERE project_id = ? AND active = ?
			ORDER BY started_at DESC LIMIT 1`), projectID, true)
	})
	if err := mapError(err); err != nil {
		return nil, fmt.Errorf("active session %s: %w", projectID, err)
	}
	return &sess, nil
}

func (s *sqlStore) GetSessionHistory(ctx context.Context, projectID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*Session
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM sessions WHERE project_id = ?
			ORDER BY started_at DESC LIMIT ?`), projectID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("session history %s: %w", projectID, err)
	}
	return out, nil
}

func (s *sqlStore) AddTodo(ctx context.Context, t *Todo) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = "pending"
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}

	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, s.q(`
			INSERT INTO todos (todo_id, project_id, content, status, priority, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			t.TodoID, t.ProjectID, t.Content, t.Status, t.Priority, t.CreatedAt, t.UpdatedAt)
		return err
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("add todo %s: %w", t.TodoID, err)
	}
	return nil
}

func (s *sqlStore) UpdateTodoStatus(ctx context.Context, todoID, status string) error {
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		res, err := c.ExecContext(ctx, s.q(`
			UPDATE todos SET status = ?, updated_at = ? WHERE todo_id = ?`),
			status, time.Now().UTC(), todoID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("update todo %s: %w", todoID, err)
	}
	return nil
}

func (s *sqlStore) DeleteTodo(ctx context.Context, todoID string) error {
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		res, err := c.ExecContext(ctx, s.q(`DELETE FROM todos WHERE todo_id = ?`), todoID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("delete todo %s: %w", todoID, err)
	}
	return nil
}

func (s *sqlStore) ListTodos(ctx context.Context, projectID, status string, limit int) ([]*Todo, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM todos WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var out []*Todo
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(query), args...)
	})
	if err != nil {
		return nil, fmt.Errorf("list todos %s: %w", projectID, err)
	}
	return out, nil
}

func (s *sqlStore) AddNote(ctx context.Context, n *Note) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, s.q(`
			INSERT INTO notes (note_id, project_id, title, content, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			n.NoteID, n.ProjectID, n.Title, n.Content, n.Tags, n.CreatedAt)
		return err
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("add note %s: %w", n.NoteID, err)
	}
	return nil
}

func (s *sqlStore) SearchNotes(ctx context.Context, projectID, query string, limit int) ([]*Note, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*Note
	like := "%" + query + "%"
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM notes
			WHERE project_id = ? AND (title LIKE ? OR content LIKE ?)
			ORDER BY created_at DESC LIMIT ?`), projectID, like, like, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("search notes %s: %w", projectID, err)
	}
	return out, nil
}

func (s *sqlStore) RecordDecision(ctx context.Context, d *Decision) error {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = "accepted"
	}
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, s.q(`
			INSERT INTO decisions (decision_id, project_id, title, decision, rationale, alternatives, status, decided_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			d.DecisionID, d.ProjectID, d.Title, d.Decision, d.Rationale, d.Alternatives, d.Status, d.DecidedAt)
		return err
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("record decision %s: %w", d.DecisionID, err)
	}
	return nil
}

func (s *sqlStore) ListDecisions(ctx context.Context, projectID string, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*Decision
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM decisions WHERE project_id = ?
			ORDER BY decided_at DESC LIMIT ?`), projectID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list decisions %s: %w", projectID, err)
	}
	return out, nil
}

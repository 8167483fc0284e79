package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

func (s *sqlStore) CreateProject(ctx context.Context, p *Project) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, s.q(`
			INSERT INTO projects (project_id, name, description, owner, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			p.ProjectID, p.Name, p.Description, p.Owner, p.Active, p.CreatedAt, p.UpdatedAt)
		return err
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("create project %s: %w", p.ProjectID, err)
	}
	return nil
}

func (s *sqlStore) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.GetContext(ctx, &p, s.q(`SELECT * FROM projects WHERE project_id = ?`), projectID)
	})
	if err := mapError(err); err != nil {
		return nil, fmt.Errorf("get project %s: %w", projectID, err)
	}
	return &p, nil
}

func (s *sqlStore) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now().UTC()
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		res, err := c.ExecContext(ctx, s.q(`
			UPDATE projects SET name = ?, description = ?, owner = ?, active = ?, updated_at = ?
			WHERE project_id = ?`),
			p.Name, p.Description, p.Owner, p.Active, p.UpdatedAt, p.ProjectID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("update project %s: %w", p.ProjectID, err)
	}
	return nil
}

// EnsureProject creates a minimal project row when absent. A concurrent
// create racing to the same id is treated as success.
func (s *sqlStore) EnsureProject(ctx context.Context, projectID string) error {
	_, err := s.GetProject(ctx, projectID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	createErr := s.CreateProject(ctx, &Project{
		ProjectID: projectID,
		Name:      projectID,
		Active:    true,
	})
	if createErr != nil && !errors.Is(createErr, ErrDuplicate) {
		return createErr
	}
	return nil
}

func (s *sqlStore) ListProjects(ctx context.Context, limit int) ([]*Project, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*Project
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM projects ORDER BY updated_at DESC LIMIT ?`), limit)
	})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetProjectStats(ctx context.Context, projectID string) (*ProjectStats, error) {
	stats := &ProjectStats{ProjectID: projectID}
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		counts := []struct {
			dest  *int
			query string
			args  []any
		}{
			{&stats.MemoryCount, `SELECT COUNT(*) FROM long_memories WHERE project_id = ?`, []any{projectID}},
			{&stats.SessionCount, `SELECT COUNT(*) FROM sessions WHERE project_id = ?`, []any{projectID}},
			{&stats.TodoCount, `SELECT COUNT(*) FROM todos WHERE project_id = ?`, []any{projectID}},
			{&stats.OpenTodoCount, `SELECT COUNT(*) FROM todos WHERE project_id = ? AND status IN ('pending', 'in_progress')`, []any{projectID}},
			{&stats.NoteCount, `SELECT COUNT(*) FROM notes WHERE project_id = ?`, []any{projectID}},
			{&stats.DecisionCount, `SELECT COUNT(*) FROM decisions WHERE project_id = ?`, []any{projectID}},
		}
		for _, q := range counts {
			if err := c.GetContext(ctx, q.dest, s.q(q.query), q.args...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("project stats %s: %w", projectID, err)
	}
	return stats, nil
}

// longMemoryColumns reads importance through COALESCE so legacy NULL
// rows normalize to 0.5 at read time.
const longMemoryColumns = `memory_id, project_id, content, category,
	COALESCE(importance, 0.5) AS importance, tags, creator, metadata, created_at`

func (s *sqlStore) InsertLongMemory(ctx context.Context, m *LongMemory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, s.q(`
			INSERT INTO long_memories (memory_id, project_id, content, category, importance, tags, creator, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			m.MemoryID, m.ProjectID, m.Content, m.Category, m.Importance, m.Tags, m.Creator, m.Metadata, m.CreatedAt)
		return err
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("insert long memory %s: %w", m.MemoryID, err)
	}
	return nil
}

func (s *sqlStore) GetLongMemory(ctx context.Context, projectID, memoryID string) (*LongMemory, error) {
	var m LongMemory
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.GetContext(ctx, &m, s.q(`
			SELECT `+longMemoryColumns+` FROM long_memories
			WHERE project_id = ? AND memory_id = ?`), projectID, memoryID)
	})
	if err := mapError(err); err != nil {
		return nil, fmt.Errorf("get long memory %s: %w", memoryID, err)
	}
	return &m, nil
}

func (s *sqlStore) TopLongMemoriesByImportance(ctx context.Context, projectID string, limit int) ([]*LongMemory, error) {
	if limit <= 0 {
		limit = 15
	}
	var out []*LongMemory
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT `+longMemoryColumns+` FROM long_memories
			WHERE project_id = ?
			ORDER BY COALESCE(importance, 0.5) DESC, created_at DESC
			LIMIT ?`), projectID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("top long memories %s: %w", projectID, err)
	}
	return out, nil
}

func (s *sqlStore) RecentLongMemories(ctx context.Context, projectID string, limit int) ([]*LongMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []*LongMemory
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT `+longMemoryColumns+` FROM long_memories
			WHERE project_id = ?
			ORDER BY created_at DESC
			LIMIT ?`), projectID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("recent long memories %s: %w", projectID, err)
	}
	return out, nil
}

func (s *sqlStore) DeleteLongMemory(ctx context.Context, projectID, memoryID string) error {
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		res, err := c.ExecContext(ctx, s.q(`
			DELETE FROM long_memories WHERE project_id = ? AND memory_id = ?`), projectID, memoryID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("delete long memory %s: %w", memoryID, err)
	}
	return nil
}

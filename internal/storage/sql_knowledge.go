package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

func (s *sqlStore) SaveQualityReport(ctx context.Context, r *QualityReport) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, s.q(`
			INSERT INTO quality_reports (report_id, project_id, path, total_files, total_lines,
				long_functions, todo_count, score, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			r.ReportID, r.ProjectID, r.Path, r.TotalFiles, r.TotalLines,
			r.LongFunctions, r.TodoCount, r.Score, r.Details, r.CreatedAt)
		return err
	})
	if err := mapError(err); err != nil {
		return fmt.Errorf("save quality report %s: %w", r.ReportID, err)
	}
	return nil
}

func (s *sqlStore) LatestQualityReports(ctx context.Context, projectID string, limit int) ([]*QualityReport, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []*QualityReport
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM quality_reports WHERE project_id = ?
			ORDER BY created_at DESC LIMIT ?`), projectID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("latest quality reports %s: %w", projectID, err)
	}
	return out, nil
}

// ReplaceProjectKnowledge swaps a project's code graph atomically:
// a re-analysis always supersedes the previous snapshot in full.
func (s *sqlStore) ReplaceProjectKnowledge(ctx context.Context, projectID string, entities []*Entity, relations []*Relation) error {
	now := time.Now().UTC()
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		tx, err := c.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM code_relations WHERE project_id = ?`), projectID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM code_entities WHERE project_id = ?`), projectID); err != nil {
			return err
		}

		for _, e := range entities {
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now
			}
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO code_entities (entity_id, project_id, name, kind, path, language, metadata, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				e.EntityID, projectID, e.Name, e.Kind, e.Path, e.Language, e.Metadata, e.CreatedAt); err != nil {
				return fmt.Errorf("insert entity %s: %w", e.Name, err)
			}
		}
		for _, r := range relations {
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}
			if _, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO code_relations (relation_id, project_id, from_entity, to_entity, kind, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`),
				r.RelationID, projectID, r.FromEntity, r.ToEntity, r.Kind, r.CreatedAt); err != nil {
				return fmt.Errorf("insert relation %s->%s: %w", r.FromEntity, r.ToEntity, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("replace knowledge %s: %w", projectID, err)
	}
	return nil
}

func (s *sqlStore) FindEntities(ctx context.Context, projectID, name string, limit int) ([]*Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*Entity
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM code_entities WHERE project_id = ? AND name = ?
			ORDER BY name LIMIT ?`), projectID, name, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("find entities %s: %w", name, err)
	}
	return out, nil
}

func (s *sqlStore) SearchEntities(ctx context.Context, projectID, pattern string, limit int) ([]*Entity, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*Entity
	like := "%" + pattern + "%"
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM code_entities
			WHERE project_id = ? AND (name LIKE ? OR path LIKE ?)
			ORDER BY name LIMIT ?`), projectID, like, like, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("search entities %q: %w", pattern, err)
	}
	return out, nil
}

func (s *sqlStore) ListModules(ctx context.Context, projectID string) ([]*Entity, error) {
	var out []*Entity
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM code_entities WHERE project_id = ? AND kind = ?
			ORDER BY name`), projectID, "module")
	})
	if err != nil {
		return nil, fmt.Errorf("list modules %s: %w", projectID, err)
	}
	return out, nil
}

func (s *sqlStore) RelationsFrom(ctx context.Context, projectID, entityName string) ([]*Relation, error) {
	var out []*Relation
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM code_relations WHERE project_id = ? AND from_entity = ?
			ORDER BY to_entity`), projectID, entityName)
	})
	if err != nil {
		return nil, fmt.Errorf("relations from %s: %w", entityName, err)
	}
	return out, nil
}

func (s *sqlStore) RelationsTo(ctx context.Context, projectID, entityName string) ([]*Relation, error) {
	var out []*Relation
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM code_relations WHERE project_id = ? AND to_entity = ?
			ORDER BY from_entity`), projectID, entityName)
	})
	if err != nil {
		return nil, fmt.Errorf("relations to %s: %w", entityName, err)
	}
	return out, nil
}

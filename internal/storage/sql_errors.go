package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// UpsertErrorPattern inserts a new pattern or, when the fingerprint
// already exists, increments occurrence_count and refreshes
// last_seen_at. An existing solution is kept unless the caller supplies
// a non-empty replacement. The whole operation runs in one transaction;
// a unique-constraint race falls back to the update path after rollback.
func (s *sqlStore) UpsertErrorPattern(ctx context.Context, p *ErrorPattern) (bool, error) {
	now := time.Now().UTC()
	var isNew bool

	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		tx, err := c.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var existing ErrorPattern
		err = tx.GetContext(ctx, &existing, s.q(`
			SELECT * FROM error_patterns WHERE error_id = ?`), p.ErrorID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			p.OccurrenceCount = 1
			p.CreatedAt = now
			p.LastSeenAt = now
			_, err = tx.ExecContext(ctx, s.q(`
				INSERT INTO error_patterns (error_id, error_type, error_scene, features, error_message,
					solution, solution_confidence, block_level, occurrence_count, created_at, last_seen_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				p.ErrorID, p.ErrorType, p.ErrorScene, p.Features, p.ErrorMessage,
				p.Solution, p.SolutionConfidence, p.BlockLevel, p.OccurrenceCount, p.CreatedAt, p.LastSeenAt)
			if err != nil {
				if isDuplicate(err) {
					// Lost the insert race: the row exists now, retry as update.
					return ErrDuplicate
				}
				return err
			}
			isNew = true
		case err != nil:
			return err
		default:
			if err := applyErrorPatternUpdate(ctx, tx, s, p, &existing, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if errors.Is(err, ErrDuplicate) {
		// Retry once as a plain update against the now-existing row.
		err = s.withConn(ctx, func(c *sqlx.Conn) error {
			tx, txErr := c.BeginTxx(ctx, nil)
			if txErr != nil {
				return txErr
			}
			defer func() { _ = tx.Rollback() }()
			var existing ErrorPattern
			if getErr := tx.GetContext(ctx, &existing, s.q(`SELECT * FROM error_patterns WHERE error_id = ?`), p.ErrorID); getErr != nil {
				return getErr
			}
			if updErr := applyErrorPatternUpdate(ctx, tx, s, p, &existing, now); updErr != nil {
				return updErr
			}
			return tx.Commit()
		})
	}
	if err != nil {
		return false, fmt.Errorf("upsert error pattern %s: %w", p.ErrorID, err)
	}
	return isNew, nil
}

func applyErrorPatternUpdate(ctx context.Context, tx *sqlx.Tx, s *sqlStore, p, existing *ErrorPattern, now time.Time) error {
	solution := existing.Solution
	confidence := existing.SolutionConfidence
	if p.Solution != "" {
		solution = p.Solution
		confidence = p.SolutionConfidence
	}
	blockLevel := existing.BlockLevel
	if p.BlockLevel != "" {
		blockLevel = p.BlockLevel
	}

	_, err := tx.ExecContext(ctx, s.q(`
		UPDATE error_patterns
		SET occurrence_count = occurrence_count + 1, last_seen_at = ?,
			solution = ?, solution_confidence = ?, block_level = ?
		WHERE error_id = ?`),
		now, solution, confidence, blockLevel, p.ErrorID)
	if err != nil {
		return err
	}

	p.OccurrenceCount = existing.OccurrenceCount + 1
	p.CreatedAt = existing.CreatedAt
	p.LastSeenAt = now
	p.Solution = solution
	p.SolutionConfidence = confidence
	p.BlockLevel = blockLevel
	return nil
}

func (s *sqlStore) GetErrorPattern(ctx context.Context, errorID string) (*ErrorPattern, error) {
	var p ErrorPattern
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.GetContext(ctx, &p, s.q(`SELECT * FROM error_patterns WHERE error_id = ?`), errorID)
	})
	if err := mapError(err); err != nil {
		return nil, fmt.Errorf("get error pattern %s: %w", errorID, err)
	}
	return &p, nil
}

func (s *sqlStore) ErrorPatternsByType(ctx context.Context, errorType string) ([]*ErrorPattern, error) {
	var out []*ErrorPattern
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(`
			SELECT * FROM error_patterns WHERE error_type = ?
			ORDER BY occurrence_count DESC, last_seen_at DESC`), errorType)
	})
	if err != nil {
		return nil, fmt.Errorf("error patterns by type %s: %w", errorType, err)
	}
	return out, nil
}

func (s *sqlStore) QueryErrorPatterns(ctx context.Context, f ErrorPatternFilter) ([]*ErrorPattern, error) {
	query := `SELECT * FROM error_patterns WHERE 1=1`
	var args []any

	if f.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, f.ErrorType)
	}
	if f.BlockLevel != "" {
		query += ` AND block_level = ?`
		args = append(args, f.BlockLevel)
	}
	if f.MinOccurrences > 0 {
		query += ` AND occurrence_count >= ?`
		args = append(args, f.MinOccurrences)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY last_seen_at DESC LIMIT ?`
	args = append(args, limit)

	var out []*ErrorPattern
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		return c.SelectContext(ctx, &out, s.q(query), args...)
	})
	if err != nil {
		return nil, fmt.Errorf("query error patterns: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetErrorPatternStats(ctx context.Context) (*ErrorPatternStats, error) {
	stats := &ErrorPatternStats{}
	err := s.withConn(ctx, func(c *sqlx.Conn) error {
		row := struct {
			Total       int `db:"total"`
			Blocking    int `db:"blocking"`
			Warning     int `db:"warning"`
			Types       int `db:"types"`
			Occurrences int `db:"occurrences"`
		}{}
		if err := c.GetContext(ctx, &row, `
			SELECT COUNT(*) AS total,
				COUNT(CASE WHEN block_level = 'block' THEN 1 END) AS blocking,
				COUNT(CASE WHEN block_level = 'warning' THEN 1 END) AS warning,
				COUNT(DISTINCT error_type) AS types,
				COALESCE(SUM(occurrence_count), 0) AS occurrences
			FROM error_patterns`); err != nil {
			return err
		}
		stats.TotalPatterns = row.Total
		stats.BlockingPatterns = row.Blocking
		stats.WarningPatterns = row.Warning
		stats.DistinctTypes = row.Types
		stats.TotalOccurrences = row.Occurrences
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error pattern stats: %w", err)
	}
	return stats, nil
}

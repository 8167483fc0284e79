// Package storage provides the relational persistence layer: projects,
// long-term memories, error patterns, and the project-context tables.
// Two backends share one SQL implementation: networked Postgres and
// embedded SQLite (selected when no database host is configured).
package storage

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Driver-specific failures are mapped onto these so
// callers can branch with errors.Is.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
)

// StringList stores a []string as a JSON text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// JSONMap stores a map[string]any as a JSON text column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
}

// Project owns memories, sessions, notes, todos, and decisions.
type Project struct {
	ProjectID   string    `db:"project_id" json:"project_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	Owner       string    `db:"owner" json:"owner"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// LongMemory is a durable long-tier memory record. Importance is read
// through COALESCE so legacy NULL rows normalize to 0.5.
type LongMemory struct {
	MemoryID   string     `db:"memory_id" json:"memory_id"`
	ProjectID  string     `db:"project_id" json:"project_id"`
	Content    string     `db:"content" json:"content"`
	Category   string     `db:"category" json:"category"`
	Importance float64    `db:"importance" json:"importance"`
	Tags       StringList `db:"tags" json:"tags"`
	Creator    string     `db:"creator" json:"creator"`
	Metadata   JSONMap    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// ErrorPattern is one fingerprinted failure with its remediation.
type ErrorPattern struct {
	ErrorID            string    `db:"error_id" json:"error_id"`
	ErrorType          string    `db:"error_type" json:"error_type"`
	ErrorScene         string    `db:"error_scene" json:"error_scene"`
	Features           JSONMap   `db:"features" json:"features"`
	ErrorMessage       string    `db:"error_message" json:"error_message"`
	Solution           string    `db:"solution" json:"solution"`
	SolutionConfidence float64   `db:"solution_confidence" json:"solution_confidence"`
	BlockLevel         string    `db:"block_level" json:"block_level"`
	OccurrenceCount    int       `db:"occurrence_count" json:"occurrence_count"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	LastSeenAt         time.Time `db:"last_seen_at" json:"last_seen_at"`
}

// ErrorPatternFilter narrows query_errors results.
type ErrorPatternFilter struct {
	ErrorType      string
	BlockLevel     string
	MinOccurrences int
	Limit          int
}

// ErrorPatternStats aggregates the firewall's stored patterns.
type ErrorPatternStats struct {
	TotalPatterns    int `json:"total_patterns"`
	BlockingPatterns int `json:"blocking_patterns"`
	WarningPatterns  int `json:"warning_patterns"`
	DistinctTypes    int `json:"distinct_types"`
	TotalOccurrences int `json:"total_occurrences"`
}

// Session is one working session within a project.
type Session struct {
	SessionID string     `db:"session_id" json:"session_id"`
	ProjectID string     `db:"project_id" json:"project_id"`
	Title     string     `db:"title" json:"title"`
	Summary   string     `db:"summary" json:"summary"`
	Active    bool       `db:"active" json:"active"`
	StartedAt time.Time  `db:"started_at" json:"started_at"`
	EndedAt   *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// Todo is one tracked work item.
type Todo struct {
	TodoID    string    `db:"todo_id" json:"todo_id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	Content   string    `db:"content" json:"content"`
	Status    string    `db:"status" json:"status"`
	Priority  string    `db:"priority" json:"priority"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Note is a free-form project note.
type Note struct {
	NoteID    string     `db:"note_id" json:"note_id"`
	ProjectID string     `db:"project_id" json:"project_id"`
	Title     string     `db:"title" json:"title"`
	Content   string     `db:"content" json:"content"`
	Tags      StringList `db:"tags" json:"tags"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Decision records a design decision with its rationale.
type Decision struct {
	DecisionID   string    `db:"decision_id" json:"decision_id"`
	ProjectID    string    `db:"project_id" json:"project_id"`
	Title        string    `db:"title" json:"title"`
	Decision     string    `db:"decision" json:"decision"`
	Rationale    string    `db:"rationale" json:"rationale"`
	Alternatives string    `db:"alternatives" json:"alternatives"`
	Status       string    `db:"status" json:"status"`
	DecidedAt    time.Time `db:"decided_at" json:"decided_at"`
}

// QualityReport is one persisted quality-analysis run.
type QualityReport struct {
	ReportID      string    `db:"report_id" json:"report_id"`
	ProjectID     string    `db:"project_id" json:"project_id"`
	Path          string    `db:"path" json:"path"`
	TotalFiles    int       `db:"total_files" json:"total_files"`
	TotalLines    int       `db:"total_lines" json:"total_lines"`
	LongFunctions int       `db:"long_functions" json:"long_functions"`
	TodoCount     int       `db:"todo_count" json:"todo_count"`
	Score         float64   `db:"score" json:"score"`
	Details       JSONMap   `db:"details" json:"details,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Entity is one code-knowledge entity (module, file, or symbol).
type Entity struct {
	EntityID  string    `db:"entity_id" json:"entity_id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	Name      string    `db:"name" json:"name"`
	Kind      string    `db:"kind" json:"kind"`
	Path      string    `db:"path" json:"path"`
	Language  string    `db:"language" json:"language"`
	Metadata  JSONMap   `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Relation links two entities (imports, calls).
type Relation struct {
	RelationID string    `db:"relation_id" json:"relation_id"`
	ProjectID  string    `db:"project_id" json:"project_id"`
	FromEntity string    `db:"from_entity" json:"from_entity"`
	ToEntity   string    `db:"to_entity" json:"to_entity"`
	Kind       string    `db:"kind" json:"kind"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ProjectStats aggregates a project's owned records.
type ProjectStats struct {
	ProjectID     string `json:"project_id"`
	MemoryCount   int    `json:"memory_count"`
	SessionCount  int    `json:"session_count"`
	TodoCount     int    `json:"todo_count"`
	OpenTodoCount int    `json:"open_todo_count"`
	NoteCount     int    `json:"note_count"`
	DecisionCount int    `json:"decision_count"`
}

// Store is the relational persistence contract.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, projectID string) (*Project, error)
	UpdateProject(ctx context.Context, p *Project) error
	// EnsureProject creates the project when absent; existing projects
	// are untouched. Long memories require this before insert.
	EnsureProject(ctx context.Context, projectID string) error
	ListProjects(ctx context.Context, limit int) ([]*Project, error)
	GetProjectStats(ctx context.Context, projectID string) (*ProjectStats, error)

	// Long-tier memories
	InsertLongMemory(ctx context.Context, m *LongMemory) error
	GetLongMemory(ctx context.Context, projectID, memoryID string) (*LongMemory, error)
	TopLongMemoriesByImportance(ctx context.Context, projectID string, limit int) ([]*LongMemory, error)
	RecentLongMemories(ctx context.Context, projectID string, limit int) ([]*LongMemory, error)
	DeleteLongMemory(ctx context.Context, projectID, memoryID string) error

	// Error patterns
	UpsertErrorPattern(ctx context.Context, p *ErrorPattern) (isNew bool, err error)
	GetErrorPattern(ctx context.Context, errorID string) (*ErrorPattern, error)
	ErrorPatternsByType(ctx context.Context, errorType string) ([]*ErrorPattern, error)
	QueryErrorPatterns(ctx context.Context, f ErrorPatternFilter) ([]*ErrorPattern, error)
	GetErrorPatternStats(ctx context.Context) (*ErrorPatternStats, error)

	// Sessions
	StartSession(ctx context.Context, s *Session) error
	EndSession(ctx context.Context, sessionID, summary string) error
	GetActiveSession(ctx context.Context, projectID string) (*Session, error)
	GetSessionHistory(ctx context.Context, projectID string, limit int) ([]*Session, error)

	// Todos
	AddTodo(ctx context.Context, t *Todo) error
	UpdateTodoStatus(ctx context.Context, todoID, status string) error
	DeleteTodo(ctx context.Context, todoID string) error
	ListTodos(ctx context.Context, projectID, status string, limit int) ([]*Todo, error)

	// Notes
	AddNote(ctx context.Context, n *Note) error
	SearchNotes(ctx context.Context, projectID, query string, limit int) ([]*Note, error)

	// Decisions
	RecordDecision(ctx context.Context, d *Decision) error
	ListDecisions(ctx context.Context, projectID string, limit int) ([]*Decision, error)

	// Quality reports
	SaveQualityReport(ctx context.Context, r *QualityReport) error
	LatestQualityReports(ctx context.Context, projectID string, limit int) ([]*QualityReport, error)

	// Code knowledge
	ReplaceProjectKnowledge(ctx context.Context, projectID string, entities []*Entity, relations []*Relation) error
	FindEntities(ctx context.Context, projectID, name string, limit int) ([]*Entity, error)
	SearchEntities(ctx context.Context, projectID, pattern string, limit int) ([]*Entity, error)
	ListModules(ctx context.Context, projectID string) ([]*Entity, error)
	RelationsFrom(ctx context.Context, projectID, entityName string) ([]*Relation, error)
	RelationsTo(ctx context.Context, projectID, entityName string) ([]*Relation, error)

	// Ping probes the backing database.
	Ping(ctx context.Context) error
	Close() error
}

package knowledge

import (
	"context"
	"fmt"

	"github.com/contextd/contextd/internal/storage"
)

// traceDepthLimit caps transitive call/import traces.
const traceDepthLimit = 10

// Service exposes the code-knowledge operations over the stored graph.
type Service struct {
	store storage.Store
}

// NewService creates the knowledge service.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Analyze runs the import analyzer on path and replaces the project's
// stored graph with the result.
func (s *Service) Analyze(ctx context.Context, projectID, path string) (*AnalysisResult, error) {
	if err := s.store.EnsureProject(ctx, projectID); err != nil {
		return nil, err
	}
	result, err := AnalyzePath(projectID, path)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReplaceProjectKnowledge(ctx, projectID, result.Entities, result.Relations); err != nil {
		return nil, fmt.Errorf("persist knowledge: %w", err)
	}
	return result, nil
}

// Query answers a free-form knowledge query by substring match over
// entity names and paths.
func (s *Service) Query(ctx context.Context, projectID, query string, limit int) ([]*storage.Entity, error) {
	return s.store.SearchEntities(ctx, projectID, query, limit)
}

// FindEntity looks up entities by exact name.
func (s *Service) FindEntity(ctx context.Context, projectID, name string) ([]*storage.Entity, error) {
	return s.store.FindEntities(ctx, projectID, name, 20)
}

// TraceStep is one hop of a transitive trace.
type TraceStep struct {
	Depth int    `json:"depth"`
	From  string `json:"from"`
	To    string `json:"to"`
	Kind  string `json:"kind"`
}

// Trace follows outgoing relations transitively from an entity,
// breadth-first, up to traceDepthLimit hops. Cycles terminate because
// visited entities are not expanded twice.
func (s *Service) Trace(ctx context.Context, projectID, entityName string) ([]TraceStep, error) {
	var steps []TraceStep
	visited := map[string]struct{}{entityName: {}}
	frontier := []string{entityName}

	for depth := 1; depth <= traceDepthLimit && len(frontier) > 0; depth++ {
		var next []string
		for _, name := range frontier {
			relations, err := s.store.RelationsFrom(ctx, projectID, name)
			if err != nil {
				return nil, err
			}
			for _, r := range relations {
				steps = append(steps, TraceStep{
					Depth: depth,
					From:  r.FromEntity,
					To:    r.ToEntity,
					Kind:  r.Kind,
				})
				if _, seen := visited[r.ToEntity]; !seen {
					visited[r.ToEntity] = struct{}{}
					next = append(next, r.ToEntity)
				}
			}
		}
		frontier = next
	}
	return steps, nil
}

// Dependencies returns what the entity depends on and what depends on
// it (one hop each way).
func (s *Service) Dependencies(ctx context.Context, projectID, entityName string) (outgoing, incoming []*storage.Relation, err error) {
	outgoing, err = s.store.RelationsFrom(ctx, projectID, entityName)
	if err != nil {
		return nil, nil, err
	}
	incoming, err = s.store.RelationsTo(ctx, projectID, entityName)
	if err != nil {
		return nil, nil, err
	}
	return outgoing, incoming, nil
}

// Modules lists the project's module entities.
func (s *Service) Modules(ctx context.Context, projectID string) ([]*storage.Entity, error) {
	return s.store.ListModules(ctx, projectID)
}

// SearchPattern finds entities whose name or path contains pattern.
func (s *Service) SearchPattern(ctx context.Context, projectID, pattern string, limit int) ([]*storage.Entity, error) {
	return s.store.SearchEntities(ctx, projectID, pattern, limit)
}

// Package quality analyzes source trees with line-level heuristics:
// file sizes, long functions, and open TODO/FIXME markers, summarized
// into a persisted score per run.
package quality

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/contextd/contextd/internal/storage"
)

const (
	longFunctionLines = 80
	longFileLines     = 600
)

var funcStartPatterns = map[string]*regexp.Regexp{
	"go":         regexp.MustCompile(`^func\s`),
	"python":     regexp.MustCompile(`^\s*def\s`),
	"javascript": regexp.MustCompile(`^\s*(?:function\s|\w+\s*=\s*(?:async\s*)?\(|(?:async\s+)?function)`),
	"typescript": regexp.MustCompile(`^\s*(?:function\s|\w+\s*=\s*(?:async\s*)?\(|(?:async\s+)?function)`),
}

var todoPattern = regexp.MustCompile(`(?i)\b(?:TODO|FIXME)\b`)

var languageByExt = map[string]string{
	".go": "go",
	".py": "python",
	".js": "javascript",
	".ts": "typescript",
}

var skipDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, "vendor": {}, "__pycache__": {},
	".venv": {}, "dist": {}, "build": {},
}

// FileMetrics is the per-file analysis output.
type FileMetrics struct {
	Path          string `json:"path"`
	Lines         int    `json:"lines"`
	LongFunctions int    `json:"long_functions"`
	Todos         int    `json:"todos"`
}

// Report is one quality-analysis run.
type Report struct {
	ProjectID     string        `json:"project_id"`
	Path          string        `json:"path"`
	TotalFiles    int           `json:"total_files"`
	TotalLines    int           `json:"total_lines"`
	LongFunctions int           `json:"long_functions"`
	LongFiles     int           `json:"long_files"`
	TodoCount     int           `json:"todo_count"`
	Score         float64       `json:"score"`
	Files         []FileMetrics `json:"files,omitempty"`
}

// Service runs analyses and persists reports.
type Service struct {
	store storage.Store
}

// NewService creates the quality service.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Check analyzes root and persists the resulting report.
func (s *Service) Check(ctx context.Context, projectID, root string) (*Report, error) {
	if err := s.store.EnsureProject(ctx, projectID); err != nil {
		return nil, err
	}
	report, err := Analyze(projectID, root)
	if err != nil {
		return nil, err
	}
	saved := &storage.QualityReport{
		ReportID:      uuid.NewString(),
		ProjectID:     projectID,
		Path:          root,
		TotalFiles:    report.TotalFiles,
		TotalLines:    report.TotalLines,
		LongFunctions: report.LongFunctions,
		TodoCount:     report.TodoCount,
		Score:         report.Score,
		Details: storage.JSONMap{
			"long_files": report.LongFiles,
		},
	}
	if err := s.store.SaveQualityReport(ctx, saved); err != nil {
		return nil, fmt.Errorf("persist quality report: %w", err)
	}
	return report, nil
}

// Summary returns the latest persisted reports for a project.
func (s *Service) Summary(ctx context.Context, projectID string, limit int) ([]*storage.QualityReport, error) {
	return s.store.LatestQualityReports(ctx, projectID, limit)
}

// Analyze walks root and computes the quality report without
// persisting it.
func Analyze(projectID, root string) (*Report, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("quality analyze %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("quality analyze %s: not a directory", root)
	}

	report := &Report{ProjectID: projectID, Path: root}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		lang, ok := languageByExt[filepath.Ext(path)]
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		fm, err := analyzeFile(path, lang)
		if err != nil {
			return err
		}
		fm.Path = filepath.ToSlash(rel)

		report.Files = append(report.Files, *fm)
		report.TotalFiles++
		report.TotalLines += fm.Lines
		report.LongFunctions += fm.LongFunctions
		report.TodoCount += fm.Todos
		if fm.Lines > longFileLines {
			report.LongFiles++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("quality analyze %s: %w", root, err)
	}

	report.Score = score(report)
	return report, nil
}

// score starts at 100 and deducts per finding, floored at 0.
func score(r *Report) float64 {
	if r.TotalFiles == 0 {
		return 100
	}
	s := 100.0
	s -= 5 * float64(r.LongFunctions)
	s -= 3 * float64(r.LongFiles)
	s -= 1 * float64(r.TodoCount)
	if s < 0 {
		s = 0
	}
	return s
}

func analyzeFile(path, lang string) (*FileMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fm := &FileMetrics{}
	funcStart := funcStartPatterns[lang]
	inFunc := false
	funcLines := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fm.Lines++
		if todoPattern.MatchString(line) {
			fm.Todos++
		}
		if funcStart != nil && funcStart.MatchString(line) {
			if inFunc && funcLines > longFunctionLines {
				fm.LongFunctions++
			}
			inFunc = true
			funcLines = 0
			continue
		}
		if inFunc {
			funcLines++
			// A non-indented closing brace or blank top-level line ends
			// the function for brace languages.
			if lang == "go" && strings.HasPrefix(line, "}") {
				if funcLines > longFunctionLines {
					fm.LongFunctions++
				}
				inFunc = false
				funcLines = 0
			}
		}
	}
	if inFunc && funcLines > longFunctionLines {
		fm.LongFunctions++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return fm, nil
}

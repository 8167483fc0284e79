// Package knowledge builds and queries a project's code graph: file
// and module entities connected by import relations, extracted from
// source text and persisted in the relational store.
package knowledge

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/contextd/contextd/internal/storage"
)

// Per-language import patterns. Good enough for dependency graphs;
// this is not a parser.
var (
	goImportSingle = regexp.MustCompile(`^\s*import\s+(?:\w+\s+)?"([^"]+)"`)
	goImportLine   = regexp.MustCompile(`^\s*(?:\w+\s+)?"([^"]+)"`)
	pyImport       = regexp.MustCompile(`^\s*import\s+([\w.]+)`)
	pyFromImport   = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import`)
	jsImport       = regexp.MustCompile(`^\s*import\s+.*?from\s+['"]([^'"]+)['"]`)
	jsBareImport   = regexp.MustCompile(`^\s*import\s+['"]([^'"]+)['"]`)
	jsRequire      = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
)

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

// AnalysisResult summarizes one analyzer run.
type AnalysisResult struct {
	Entities  []*storage.Entity
	Relations []*storage.Relation
	Files     int
	Modules   int
}

// AnalyzePath walks root and extracts a file/module entity graph with
// import relations.
func AnalyzePath(projectID, root string) (*AnalysisResult, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("analyze %s: not a directory", root)
	}

	result := &AnalysisResult{}
	modules := map[string]*storage.Entity{}
	seenRelations := map[string]struct{}{}

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
		rel = filepath.ToSlash(rel)

		moduleName := moduleOf(rel)
		mod, ok := modules[moduleName]
		if !ok {
			mod = &storage.Entity{
				EntityID:  uuid.NewString(),
				ProjectID: projectID,
				Name:      moduleName,
				Kind:      "module",
				Path:      filepath.ToSlash(filepath.Dir(rel)),
				Language:  lang,
			}
			modules[moduleName] = mod
			result.Entities = append(result.Entities, mod)
			result.Modules++
		}

		fileEntity := &storage.Entity{
			EntityID:  uuid.NewString(),
			ProjectID: projectID,
			Name:      rel,
			Kind:      "file",
			Path:      rel,
			Language:  lang,
		}
		result.Entities = append(result.Entities, fileEntity)
		result.Files++

		imports, err := extractImports(path, lang)
		if err != nil {
			return err
		}
		for _, imp := range imports {
			key := rel + "\x00" + imp
			if _, dup := seenRelations[key]; dup {
				continue
			}
			seenRelations[key] = struct{}{}
			result.Relations = append(result.Relations, &storage.Relation{
				RelationID: uuid.NewString(),
				ProjectID:  projectID,
				FromEntity: rel,
				ToEntity:   imp,
				Kind:       "imports",
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", root, err)
	}
	return result, nil
}

// moduleOf maps a relative file path to its module name: the top
// directory, or "root" for top-level files.
func moduleOf(rel string) string {
	dir := filepath.ToSlash(filepath.Dir(rel))
	if dir == "." {
		return "root"
	}
	return strings.SplitN(dir, "/", 2)[0]
}

func extractImports(path, lang string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var (
		imports   []string
		inGoBlock bool
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch lang {
		case "go":
			if inGoBlock {
				if strings.TrimSpace(line) == ")" {
					inGoBlock = false
					continue
				}
				if m := goImportLine.FindStringSubmatch(line); m != nil {
					imports = append(imports, m[1])
				}
				continue
			}
			if strings.HasPrefix(strings.TrimSpace(line), "import (") {
				inGoBlock = true
				continue
			}
			if m := goImportSingle.FindStringSubmatch(line); m != nil {
				imports = append(imports, m[1])
			}
		case "python":
			if m := pyFromImport.FindStringSubmatch(line); m != nil {
				imports = append(imports, m[1])
			} else if m := pyImport.FindStringSubmatch(line); m != nil {
				imports = append(imports, m[1])
			}
		case "javascript", "typescript":
			if m := jsImport.FindStringSubmatch(line); m != nil {
				imports = append(imports, m[1])
			} else if m := jsBareImport.FindStringSubmatch(line); m != nil {
				imports = append(imports, m[1])
			}
			for _, m := range jsRequire.FindAllStringSubmatch(line, -1) {
				imports = append(imports, m[1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return imports, nil
}

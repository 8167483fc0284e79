package quality

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextd/contextd/internal/pool"
	"github.com/contextd/contextd/internal/storage"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// longGoFunc renders a Go function body exceeding the long-function
// threshold.
func longGoFunc(name string, lines int) string {
	var b strings.Builder
	b.WriteString("func " + name + "() {\n")
	for i := 0; i < lines; i++ {
		b.WriteString("\t_ = " + name + "\n")
	}
	b.WriteString("}\n")
	return b.String()
}

func TestAnalyzeCleanTreeScoresFull(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {\n\tprintln(\"ok\")\n}\n")

	report, err := Analyze("p1", root)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalFiles)
	assert.Equal(t, 100.0, report.Score)
	assert.Zero(t, report.LongFunctions)
	assert.Zero(t, report.TodoCount)
}

func TestAnalyzeEmptyTree(t *testing.T) {
	report, err := Analyze("p1", t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, report.TotalFiles)
	assert.Equal(t, 100.0, report.Score)
}

func TestAnalyzeCountsTodos(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", strings.Join([]string{
		"package main",
		"// TODO: handle errors",
		"// fixme: rename this",
		"// a todoist mention should not count",
		"var x = 1",
	}, "\n"))

	report, err := Analyze("p1", root)
	require.NoError(t, err)
	assert.Equal(t, 2, report.TodoCount)
	assert.Equal(t, 98.0, report.Score)
}

func TestAnalyzeDetectsLongFunctions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.go", "package main\n\n"+longGoFunc("bloated", 120)+"\n"+longGoFunc("small", 3))

	report, err := Analyze("p1", root)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LongFunctions)
	assert.Equal(t, 95.0, report.Score)
}

func TestAnalyzeDetectsLongFiles(t *testing.T) {
	root := t.TempDir()
	var b strings.Builder
	b.WriteString("package main\n")
	for i := 0; i < 650; i++ {
		b.WriteString("var _ = 0\n")
	}
	writeFile(t, root, "huge.go", b.String())

	report, err := Analyze("p1", root)
	require.NoError(t, err)
	assert.Equal(t, 1, report.LongFiles)
	assert.Equal(t, 97.0, report.Score)
}

func TestAnalyzeScoreFloorsAtZero(t *testing.T) {
	root := t.TempDir()
	var b strings.Builder
	b.WriteString("package main\n")
	for i := 0; i < 120; i++ {
		b.WriteString("// TODO item\n")
	}
	writeFile(t, root, "debt.go", b.String())

	report, err := Analyze("p1", root)
	require.NoError(t, err)
	assert.Equal(t, 120, report.TodoCount)
	assert.Equal(t, 0.0, report.Score)
}

func TestAnalyzeSkipsVendoredAndUnknownFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "vendor/dep.go", "package dep\n// TODO should not count\n")
	writeFile(t, root, "notes.txt", "TODO not code\n")

	report, err := Analyze("p1", root)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalFiles)
	assert.Zero(t, report.TodoCount)
}

func TestAnalyzeRejectsNonDirectory(t *testing.T) {
	_, err := Analyze("p1", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestCheckPersistsReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quality_test.db")
	p, err := pool.New(storage.SQLiteOpener(path), pool.Config{
		Size: 2, MinSize: 1, MaxSize: 4, ReuseHandle: true,
	}, nil)
	require.NoError(t, err)
	store, err := storage.NewSQLStore(p, "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := NewService(store)
	ctx := context.Background()

	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n// TODO cleanup\n")

	report, err := svc.Check(ctx, "p1", root)
	require.NoError(t, err)
	assert.Equal(t, 99.0, report.Score)

	saved, err := svc.Summary(ctx, "p1", 5)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 99.0, saved[0].Score)
	assert.Equal(t, 1, saved[0].TotalFiles)
}

package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
	return root
}

func TestBuildGoTarget(t *testing.T) {
	root := writeTree(t, map[string]string{
		"go.mod":                     "module example.com/proj\n",
		"internal/core/core.go":      "package core\n\nimport \"example.com/proj/internal/util\"\n\nfunc Do() { util.Helper() }\n",
		"internal/core/sibling.go":   "package core\n\nfunc sibling() {}\n",
		"internal/core/core_test.go": "package core\n\nfunc TestDo(t *testing.T) {}\n",
		"internal/util/util.go":      "package util\n\nfunc Helper() {}\n",
	})

	bundle, err := NewContextBuilder(root, DefaultContextLimits()).Build([]string{"internal/core/core.go"})
	require.NoError(t, err)

	require.Len(t, bundle.TargetFiles, 1)
	assert.Equal(t, "internal/core/core.go", bundle.TargetFiles[0].Path)

	related := map[string]bool{}
	for _, f := range bundle.RelatedFiles {
		related[f.Path] = true
	}
	assert.True(t, related["internal/core/sibling.go"], "same-package files ride along")
	assert.True(t, related["internal/util/util.go"], "imported internal packages ride along")

	require.Len(t, bundle.TestFiles, 1)
	assert.Equal(t, "internal/core/core_test.go", bundle.TestFiles[0].Path)
}

func TestBuildMissingTargetFails(t *testing.T) {
	root := writeTree(t, map[string]string{"go.mod": "module x\n"})
	_, err := NewContextBuilder(root, DefaultContextLimits()).Build([]string{"nope.go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.go")
}

func TestBuildPerFileCapTruncates(t *testing.T) {
	limits := DefaultContextLimits()
	limits.MaxBytesPerFile = 10
	root := writeTree(t, map[string]string{
		"big.py": strings.Repeat("x", 100),
	})

	bundle, err := NewContextBuilder(root, limits).Build([]string{"big.py"})
	require.NoError(t, err)
	require.Len(t, bundle.TargetFiles, 1)
	assert.True(t, bundle.TargetFiles[0].IsTruncated)
	assert.Len(t, bundle.TargetFiles[0].Content, 10)
}

func TestBuildFileCountCapRecordsOmissions(t *testing.T) {
	files := map[string]string{"go.mod": "module x\n", "pkg/a.go": "package pkg\n"}
	for _, name := range []string{"b", "c", "d", "e"} {
		files["pkg/"+name+".go"] = "package pkg\n"
	}
	root := writeTree(t, files)

	limits := DefaultContextLimits()
	limits.MaxFilesTotal = 2
	bundle, err := NewContextBuilder(root, limits).Build([]string{"pkg/a.go"})
	require.NoError(t, err)

	assert.Len(t, bundle.RelatedFiles, 1, "one slot remains after the target")
	assert.NotEmpty(t, bundle.TruncationInfo.OmittedFiles)
	assert.Equal(t, "context caps reached", bundle.TruncationInfo.Reason)
}

func TestBuildTargetExemptFromFileCap(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.py": "print(1)\n",
		"b.py": "print(2)\n",
	})

	limits := DefaultContextLimits()
	limits.MaxFilesTotal = 1
	bundle, err := NewContextBuilder(root, limits).Build([]string{"a.py", "b.py"})
	require.NoError(t, err)
	assert.Len(t, bundle.TargetFiles, 2, "targets always ship")
}

func TestRustRelatedFollowsModDecls(t *testing.T) {
	root := writeTree(t, map[string]string{
		"src/lib.rs":        "mod engine;\nuse crate::helpers::thing;\n",
		"src/engine.rs":     "pub fn run() {}\n",
		"src/helpers/mod.rs": "pub fn thing() {}\n",
	})

	bundle, err := NewContextBuilder(root, DefaultContextLimits()).Build([]string{"src/lib.rs"})
	require.NoError(t, err)

	related := map[string]bool{}
	for _, f := range bundle.RelatedFiles {
		related[f.Path] = true
	}
	assert.True(t, related["src/engine.rs"])
	assert.True(t, related["src/helpers/mod.rs"])
}

func TestPythonRelatedFollowsImports(t *testing.T) {
	root := writeTree(t, map[string]string{
		"app.py":           "import helpers\nfrom pkg import thing\n",
		"helpers.py":       "def h(): pass\n",
		"pkg/__init__.py":  "",
		"test_app.py":      "def test_app(): pass\n",
	})

	bundle, err := NewContextBuilder(root, DefaultContextLimits()).Build([]string{"app.py"})
	require.NoError(t, err)

	related := map[string]bool{}
	for _, f := range bundle.RelatedFiles {
		related[f.Path] = true
	}
	assert.True(t, related["helpers.py"])
	assert.True(t, related["pkg/__init__.py"])

	require.Len(t, bundle.TestFiles, 1)
	assert.Equal(t, "test_app.py", bundle.TestFiles[0].Path)
}

func TestReverseDepsFindMentions(t *testing.T) {
	root := writeTree(t, map[string]string{
		"go.mod":         "module x\n",
		"core.go":        "package main\n\nfunc core() {}\n",
		"caller/use.go":  "package caller\n\n// calls core somewhere\nfunc use() { core() }\n",
		"unrelated.rs":   "fn other() {}\n",
	})

	bundle, err := NewContextBuilder(root, DefaultContextLimits()).Build([]string{"core.go"})
	require.NoError(t, err)

	snips, ok := bundle.ReverseDeps["caller/use.go"]
	require.True(t, ok, "files mentioning the target's stem are recorded")
	assert.NotEmpty(t, snips)
	assert.LessOrEqual(t, len(snips), 3)
	_, hit := bundle.ReverseDeps["unrelated.rs"]
	assert.False(t, hit)
}

package applypatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/council-cli/internal/parsing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, root, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(b)
}

func TestParseFullEnvelope(t *testing.T) {
	text := `*** Begin Patch
*** Add File: new.go
+package new
+
+var X = 1
*** Update File: old.go
*** Move to: renamed.go
@@ func Old() {
-	return 1
+	return 2
 }
*** Delete File: gone.go
*** End Patch`

	patch, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, patch.Ops, 3)

	add := patch.Ops[0]
	assert.Equal(t, parsing.OpAdd, add.Kind)
	assert.Equal(t, "new.go", add.Path)
	assert.Equal(t, "package new\n\nvar X = 1\n", add.Content)

	upd := patch.Ops[1]
	assert.Equal(t, parsing.OpUpdate, upd.Kind)
	assert.Equal(t, "old.go", upd.Path)
	assert.Equal(t, "renamed.go", upd.MovePath)
	require.Len(t, upd.Hunks, 1)
	assert.Equal(t, "func Old() {", upd.Hunks[0].ChangeContext)
	assert.Equal(t, []string{"\treturn 1", "}"}, upd.Hunks[0].OldLines)
	assert.Equal(t, []string{"\treturn 2", "}"}, upd.Hunks[0].NewLines)

	assert.Equal(t, parsing.OpDelete, patch.Ops[2].Kind)
	assert.Equal(t, "gone.go", patch.Ops[2].Path)
}

func TestParseRejectsMalformed(t *testing.T) {
	var perr *ParseError

	_, err := Parse("no sentinels at all")
	require.ErrorAs(t, err, &perr)

	_, err = Parse("*** Begin Patch\n*** Add File: a.go\n+x")
	require.ErrorAs(t, err, &perr, "missing end sentinel")

	_, err = Parse("*** Begin Patch\n*** End Patch")
	require.ErrorAs(t, err, &perr, "empty patch")

	_, err = Parse("*** Begin Patch\ngarbage line\n*** End Patch")
	require.ErrorAs(t, err, &perr)
}

func TestApplyAddUpdateDelete(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "old.go", "package old\n\nfunc Old() int {\n\treturn 1\n}\n")
	writeFile(t, root, "gone.go", "package gone\n")

	text := `*** Begin Patch
*** Add File: sub/new.go
+package sub
*** Update File: old.go
@@ func Old() int {
-	return 1
+	return 2
 }
*** Delete File: gone.go
*** End Patch`

	res, err := ApplyInDir(root, text)
	require.NoError(t, err)
	want := &Result{
		Added:   []string{"sub/new.go"},
		Updated: []string{"old.go"},
		Deleted: []string{"gone.go"},
	}
	assert.Empty(t, cmp.Diff(want, res, cmpopts.EquateEmpty()))

	assert.Equal(t, "package sub\n", readFile(t, root, "sub/new.go"))
	assert.Equal(t, "package old\n\nfunc Old() int {\n\treturn 2\n}\n", readFile(t, root, "old.go"))
	assert.NoFileExists(t, filepath.Join(root, "gone.go"))
}

func TestApplyMove(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n\nvar V = 1\n")

	text := `*** Begin Patch
*** Update File: a.go
*** Move to: b/a.go
@@
-var V = 1
+var V = 2
*** End Patch`

	res, err := ApplyInDir(root, text)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.go": "b/a.go"}, res.Moved)
	assert.NoFileExists(t, filepath.Join(root, "a.go"))
	assert.Equal(t, "package a\n\nvar V = 2\n", readFile(t, root, "b/a.go"))
}

func TestApplyEndOfFileHunk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.txt", "one\ntwo\nthree\n")

	text := `*** Begin Patch
*** Update File: f.txt
@@
 two
-three
+3
*** End of File
*** End Patch`

	_, err := ApplyInDir(root, text)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n3\n", readFile(t, root, "f.txt"))
}

func TestApplyToleratesTrailingWhitespaceDrift(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.txt", "alpha  \nbeta\n")

	text := `*** Begin Patch
*** Update File: f.txt
@@
 alpha
-beta
+gamma
*** End Patch`

	_, err := ApplyInDir(root, text)
	require.NoError(t, err)
	assert.Equal(t, "alpha\ngamma\n", readFile(t, root, "f.txt"))
}

func TestCheckIsReadOnly(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.txt", "keep\n")

	text := `*** Begin Patch
*** Update File: f.txt
@@
-keep
+changed
*** End Patch`

	res, err := Check(root, text)
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt"}, res.Updated)
	assert.Equal(t, "keep\n", readFile(t, root, "f.txt"), "dry-run must not write")
}

func TestCheckFailures(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "present.go", "package p\n")

	t.Run("add over existing", func(t *testing.T) {
		_, err := Check(root, "*** Begin Patch\n*** Add File: present.go\n+x\n*** End Patch")
		assert.ErrorContains(t, err, "already exists")
	})

	t.Run("update missing", func(t *testing.T) {
		_, err := Check(root, "*** Begin Patch\n*** Update File: nope.go\n@@\n-x\n+y\n*** End Patch")
		assert.Error(t, err)
	})

	t.Run("delete missing", func(t *testing.T) {
		_, err := Check(root, "*** Begin Patch\n*** Delete File: nope.go\n*** End Patch")
		assert.Error(t, err)
	})

	t.Run("context not found", func(t *testing.T) {
		_, err := Check(root, "*** Begin Patch\n*** Update File: present.go\n@@\n-not in file\n+y\n*** End Patch")
		assert.ErrorContains(t, err, "could not locate")
	})
}

func TestApplyRefusesEscapingPaths(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "escapee.txt")

	_, err := ApplyInDir(root, "*** Begin Patch\n*** Add File: ../escapee.txt\n+boom\n*** End Patch")
	require.Error(t, err)
	assert.ErrorContains(t, err, "escapes root")
	assert.NoFileExists(t, outside)
}

func TestApplyFailedDryRunLeavesTreeUntouched(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a\n")

	// Second op fails its dry-run, so the first must not be applied either.
	text := `*** Begin Patch
*** Update File: a.txt
@@
-a
+A
*** Update File: missing.txt
@@
-x
+y
*** End Patch`

	_, err := ApplyInDir(root, text)
	require.Error(t, err)
	assert.Equal(t, "a\n", readFile(t, root, "a.txt"))
}

func TestApplyDoesNotChangeWorkingDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.txt", "x\n")

	before, err := os.Getwd()
	require.NoError(t, err)

	_, err = ApplyInDir(root, "*** Begin Patch\n*** Update File: f.txt\n@@\n-x\n+y\n*** End Patch")
	require.NoError(t, err)

	after, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSummary(t *testing.T) {
	res := newResult()
	res.Added = []string{"a.go"}
	res.Updated = []string{"b.go", "c.go"}
	res.Moved["c.go"] = "d.go"
	res.Deleted = []string{"e.go"}

	assert.Equal(t, "A a.go\nM b.go\nM c.go -> d.go\nD e.go\n", res.Summary())
}

package isolation

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo builds a repository with one commit containing the given
// files, entirely through go-git.
func initTestRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()

	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err = wt.Add(rel)
		require.NoError(t, err)
	}

	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return root
}

func TestHeadSHA(t *testing.T) {
	root := initTestRepo(t, map[string]string{"a.txt": "a\n"})
	repo, err := OpenRepo(root)
	require.NoError(t, err)

	sha, err := repo.HeadSHA()
	require.NoError(t, err)
	assert.Len(t, sha, 40)
}

func TestDirtyFiles(t *testing.T) {
	root := initTestRepo(t, map[string]string{
		"clean.txt":   "clean\n",
		"sub/mod.txt": "original\n",
	})
	repo, err := OpenRepo(root)
	require.NoError(t, err)

	dirty, err := repo.DirtyFiles(false)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	isDirty, err := repo.IsDirty()
	require.NoError(t, err)
	assert.False(t, isDirty)

	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "mod.txt"), []byte("changed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "untracked.txt"), []byte("new\n"), 0o644))

	dirty, err = repo.DirtyFiles(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/mod.txt"}, dirty, "untracked files excluded by default")

	dirty, err = repo.DirtyFiles(true)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/mod.txt", "untracked.txt"}, dirty)

	isDirty, err = repo.IsDirty()
	require.NoError(t, err)
	assert.True(t, isDirty)
}

func TestFileAtHeadIgnoresWorkingTreeEdits(t *testing.T) {
	root := initTestRepo(t, map[string]string{"f.txt": "committed\n"})
	repo, err := OpenRepo(root)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("dirty edit\n"), 0o644))

	content, err := repo.FileAtHead("f.txt")
	require.NoError(t, err)
	assert.Equal(t, "committed\n", string(content))

	tracked, err := repo.TrackedAtHead("f.txt")
	require.NoError(t, err)
	assert.True(t, tracked)

	tracked, err = repo.TrackedAtHead("never-committed.txt")
	require.NoError(t, err)
	assert.False(t, tracked)
}

func TestResolveTargets(t *testing.T) {
	root := initTestRepo(t, map[string]string{"a.txt": "a\n", "b.txt": "b\n"})
	repo, err := OpenRepo(root)
	require.NoError(t, err)

	t.Run("plain path passes through", func(t *testing.T) {
		targets, err := repo.ResolveTargets("sub//x.go")
		require.NoError(t, err)
		assert.Equal(t, []string{"sub/x.go"}, targets)
	})

	t.Run("dirty sentinel on clean repo fails", func(t *testing.T) {
		_, err := repo.ResolveTargets(DirtySentinel)
		assert.Error(t, err)
	})

	t.Run("dirty sentinel expands", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("y\n"), 0o644))
		targets, err := repo.ResolveTargets(DirtySentinel)
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt", "b.txt"}, targets)
	})

	t.Run("escaping targets rejected", func(t *testing.T) {
		_, err := repo.ResolveTargets("../outside.go")
		assert.Error(t, err)
		_, err = repo.ResolveTargets("/abs/path.go")
		assert.Error(t, err)
	})
}

func TestCreateSnapshot(t *testing.T) {
	root := initTestRepo(t, map[string]string{
		"src/main.go": "package main\n",
		"doc.md":      "# doc\n",
	})
	repo, err := OpenRepo(root)
	require.NoError(t, err)

	// Dirty the tree; the snapshot must still carry HEAD content.
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package broken\n"), 0o644))

	dest := filepath.Join(t.TempDir(), "snapshot")
	snap, err := repo.CreateSnapshot(dest, []string{"src/main.go", "doc.md"})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/main.go", "doc.md"}, snap.Files)

	content, err := os.ReadFile(filepath.Join(dest, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(content))

	require.NoError(t, snap.Remove())
	assert.NoDirExists(t, dest)
}

func TestCreateSnapshotMissingFile(t *testing.T) {
	root := initTestRepo(t, map[string]string{"a.txt": "a\n"})
	repo, err := OpenRepo(root)
	require.NoError(t, err)

	_, err = repo.CreateSnapshot(filepath.Join(t.TempDir(), "snap"), []string{"missing.txt"})
	assert.Error(t, err)

	_, err = repo.CreateSnapshot(filepath.Join(t.TempDir(), "snap"), nil)
	assert.Error(t, err)
}

func TestWorktreeLifecycle(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	root := initTestRepo(t, map[string]string{"f.txt": "committed\n"})
	// Dirty the main tree so the worktree content proves HEAD isolation.
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("dirty\n"), 0o644))

	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "wt")

	wt, err := CreateWorktree(ctx, root, "HEAD", dest)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dest, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "committed\n", string(content))

	// Modify inside the worktree; forced removal must still succeed.
	require.NoError(t, os.WriteFile(filepath.Join(dest, "f.txt"), []byte("patched\n"), 0o644))
	require.NoError(t, wt.Remove(ctx))
	assert.NoDirExists(t, dest)

	// The user's tree kept its dirty edit throughout.
	after, err := os.ReadFile(filepath.Join(root, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "dirty\n", string(after))
}

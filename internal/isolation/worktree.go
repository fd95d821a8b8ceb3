package isolation

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/internal/observability"
)

// Worktree is a detached checkout of a repository at a fixed revision,
// created and removed through the git binary. The hosting process never
// changes directory into it; every command pins its own cwd.
type Worktree struct {
	// Path is the absolute root of the detached checkout.
	Path string
	// RepoRoot is the main repository the worktree belongs to.
	RepoRoot string

	log *zap.Logger
}

// CreateWorktree materializes a detached worktree of repoRoot at rev under
// dest. dest must not exist yet; git creates it. The detached checkout means
// no branch is created, so frequent jobs cannot collide on branch names.
func CreateWorktree(ctx context.Context, repoRoot, rev, dest string) (*Worktree, error) {
	log := observability.GetLogger().Named("isolation")

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("preparing worktree parent: %w", err)
	}

	log.Info("creating detached worktree",
		zap.String("repo", repoRoot),
		zap.String("rev", rev),
		zap.String("dest", dest))

	if out, err := runGit(ctx, repoRoot, "worktree", "add", "--detach", dest, rev); err != nil {
		return nil, fmt.Errorf("git worktree add: %w: %s", err, out)
	}

	return &Worktree{Path: dest, RepoRoot: repoRoot, log: log}, nil
}

// OpenWorktree wraps an already-materialized worktree so it can be removed
// later, typically during retention pruning of a finished job.
func OpenWorktree(repoRoot, path string) *Worktree {
	return &Worktree{
		Path:     path,
		RepoRoot: repoRoot,
		log:      observability.GetLogger().Named("isolation"),
	}
}

// Remove deletes the checkout and deregisters it from the repository's
// worktree list. Force is required: the runner applies patches inside the
// worktree, and git refuses to remove modified worktrees otherwise.
func (w *Worktree) Remove(ctx context.Context) error {
	w.log.Info("removing worktree", zap.String("path", w.Path))

	if out, err := runGit(ctx, w.RepoRoot, "worktree", "remove", "--force", w.Path); err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, out)
	}
	return nil
}

// runGit executes one git command with argv semantics, cwd pinned to dir,
// and a minimal environment. Output is combined and trimmed for error
// reporting.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = gitEnv()

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return strings.TrimSpace(buf.String()), err
}

// gitEnv passes through only what git needs to function non-interactively.
func gitEnv() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	for _, key := range []string{"PATH", "HOME", "USER", "LANG", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

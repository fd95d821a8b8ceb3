// Package isolation gives the runner a working root that is independent of
// the user's (possibly dirty) working tree. Fix jobs get a detached git
// worktree checked out at HEAD; review jobs get a cheaper file snapshot of
// just the files under critique. Read-only repository queries go through
// go-git; worktree surgery shells out to the git binary because worktrees
// are not part of go-git's porcelain.
package isolation

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/internal/observability"
)

// DirtySentinel is the target token that expands to every tracked file
// differing from HEAD.
const DirtySentinel = "@dirty"

// Repo answers read-only questions about a git repository. It never writes.
type Repo struct {
	root string
	repo *git.Repository
	log  *zap.Logger
}

// OpenRepo opens the repository whose working tree root is root. The root
// must be the top level of the checkout, not a subdirectory.
func OpenRepo(root string) (*Repo, error) {
	repo, err := git.PlainOpen(root)
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", root, err)
	}
	return &Repo{
		root: root,
		repo: repo,
		log:  observability.GetLogger().Named("isolation"),
	}, nil
}

// Root returns the absolute working tree root the repo was opened at.
func (r *Repo) Root() string { return r.root }

// HeadSHA resolves HEAD to its full commit hash.
func (r *Repo) HeadSHA() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// DirtyFiles lists tracked files whose working-tree content differs from
// HEAD, as slash-separated paths relative to the root, sorted. Untracked
// files are included only when includeUntracked is set.
func (r *Repo) DirtyFiles(includeUntracked bool) ([]string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("computing status: %w", err)
	}

	var dirty []string
	for path, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		if st.Worktree == git.Untracked && !includeUntracked {
			continue
		}
		dirty = append(dirty, path)
	}
	sort.Strings(dirty)
	return dirty, nil
}

// IsDirty reports whether any tracked file differs from HEAD.
func (r *Repo) IsDirty() (bool, error) {
	files, err := r.DirtyFiles(false)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// FileAtHead returns the HEAD revision of one tracked file. relPath uses
// forward slashes regardless of host platform, matching git's object paths.
func (r *Repo) FileAtHead(relPath string) ([]byte, error) {
	commit, err := r.headCommit()
	if err != nil {
		return nil, err
	}
	f, err := commit.File(relPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s at HEAD: %w", relPath, err)
	}
	reader, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("reading %s at HEAD: %w", relPath, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// TrackedAtHead reports whether relPath exists in the HEAD tree.
func (r *Repo) TrackedAtHead(relPath string) (bool, error) {
	commit, err := r.headCommit()
	if err != nil {
		return false, err
	}
	if _, err := commit.File(relPath); err != nil {
		if err == object.ErrFileNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ResolveTargets expands a raw target into concrete relative paths. The
// dirty sentinel expands to the tracked-dirty set; anything else passes
// through as a single normalized relative path.
func (r *Repo) ResolveTargets(target string) ([]string, error) {
	if target == DirtySentinel {
		files, err := r.DirtyFiles(false)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("%s: no tracked files differ from HEAD", DirtySentinel)
		}
		r.log.Debug("resolved dirty sentinel", zap.Int("files", len(files)))
		return files, nil
	}

	rel := filepath.ToSlash(filepath.Clean(target))
	if rel == "." || rel == "" {
		return nil, fmt.Errorf("target %q does not name a file", target)
	}
	if strings.HasPrefix(rel, "../") || filepath.IsAbs(target) {
		return nil, fmt.Errorf("target %q is outside the repository", target)
	}
	return []string{rel}, nil
}

func (r *Repo) headCommit() (*object.Commit, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("loading HEAD commit: %w", err)
	}
	return commit, nil
}

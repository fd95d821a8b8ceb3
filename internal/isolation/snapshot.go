package isolation

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Snapshot is a plain directory holding the HEAD revision of a chosen set of
// files, preserving their relative layout. It is the review-mode alternative
// to a full worktree: no git metadata, no checkout cost, read-only use.
type Snapshot struct {
	// Path is the snapshot directory root.
	Path string
	// Files are the relative paths that were materialized, in request order.
	Files []string
}

// CreateSnapshot writes the HEAD content of each relative path in targets
// under dest. Files absent from HEAD fail the snapshot: a review rooted at a
// committed revision cannot include content that was never committed.
func (r *Repo) CreateSnapshot(dest string, targets []string) (*Snapshot, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("snapshot requires at least one target")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}

	snap := &Snapshot{Path: dest}
	for _, rel := range targets {
		content, err := r.FileAtHead(rel)
		if err != nil {
			return nil, err
		}
		out := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", rel, err)
		}
		if err := os.WriteFile(out, content, 0o644); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", rel, err)
		}
		snap.Files = append(snap.Files, rel)
	}

	r.log.Info("snapshot created",
		zap.String("dest", dest),
		zap.Int("files", len(snap.Files)))
	return snap, nil
}

// Remove deletes the snapshot directory.
func (s *Snapshot) Remove() error {
	return os.RemoveAll(s.Path)
}

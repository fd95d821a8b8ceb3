package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/api/schemas"
	"github.com/xkilldash9x/council-cli/internal/applypatch"
	"github.com/xkilldash9x/council-cli/internal/parsing"
)

// ErrStateChanged reports that the working tree moved between the apply
// gate's dry-run and the real apply. Nothing was written.
var ErrStateChanged = errors.New("state-changed-during-confirmation")

// PatchArtifact is the name of the validated patch file inside a job
// directory.
const PatchArtifact = "implementation.patch"

// Apply is the gate between a finished job and the user's real working
// tree. It re-reads the job's patch artifact, re-validates structure and
// paths against the repository root recorded at submission, dry-runs the
// patch against the current tree, and only then applies. With confirm false
// it stops after the dry-run and returns what would change.
func (m *Manager) Apply(jobID string, confirm bool) (*applypatch.Result, error) {
	jobDir := m.JobDir(jobID)
	meta, err := schemas.LoadJobMetadata(jobDir)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	if meta.Outcome == schemas.OutcomeUnset {
		return nil, fmt.Errorf("job %s is still running", jobID)
	}

	raw, err := os.ReadFile(filepath.Join(jobDir, PatchArtifact))
	if err != nil {
		return nil, fmt.Errorf("job %s produced no patch: %w", jobID, err)
	}
	patchText := string(raw)

	if !parsing.LooksLikeApplyPatch(patchText) {
		return nil, fmt.Errorf("job %s: stored patch failed structural validation", jobID)
	}
	if err := parsing.ValidatePatchPaths(patchText, meta.RepoRoot); err != nil {
		return nil, fmt.Errorf("job %s: stored patch contains unsafe paths: %w", jobID, err)
	}

	preview, err := applypatch.Check(meta.RepoRoot, patchText)
	if err != nil {
		return nil, fmt.Errorf("dry-run against working tree failed: %w", err)
	}
	if !confirm {
		return preview, nil
	}

	// ApplyInDir re-runs the dry-run immediately before writing. A failure
	// here, after the gate's own dry-run passed, means the tree changed
	// under us.
	result, err := applypatch.ApplyInDir(meta.RepoRoot, patchText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateChanged, err)
	}

	m.log.Info("patch applied to working tree",
		zap.String("job_id", jobID),
		zap.String("repo", meta.RepoRoot),
		zap.Int("added", len(result.Added)),
		zap.Int("updated", len(result.Updated)),
		zap.Int("deleted", len(result.Deleted)))
	return result, nil
}

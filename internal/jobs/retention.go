package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/api/schemas"
	"github.com/xkilldash9x/council-cli/internal/isolation"
)

// jobEntry pairs a retained job directory with its metadata.
type jobEntry struct {
	JobID string
	Dir   string
	Meta  *schemas.JobMetadata
}

// ListJobs returns every job under the cache root that carries readable
// metadata, newest first.
func (m *Manager) ListJobs() []jobEntry {
	dirents, err := os.ReadDir(m.opts.CacheRoot)
	if err != nil {
		return nil
	}

	var entries []jobEntry
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(m.opts.CacheRoot, d.Name())
		meta, loadErr := schemas.LoadJobMetadata(dir)
		if loadErr != nil {
			continue
		}
		entries = append(entries, jobEntry{JobID: d.Name(), Dir: dir, Meta: meta})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Meta.StartedAt.After(entries[j].Meta.StartedAt)
	})
	return entries
}

// Prune removes finished jobs beyond the count bound and any finished job
// older than the age bound. The active job is never touched. Removal
// deregisters the job's worktree before deleting artifacts so the main
// repository's worktree list stays clean.
func (m *Manager) Prune() {
	active := m.ActiveJobID()
	cutoff := time.Now().Add(-m.opts.MaxAge)

	kept := 0
	for _, entry := range m.ListJobs() {
		if entry.JobID == active || entry.Meta.Outcome == schemas.OutcomeUnset {
			kept++
			continue
		}
		if kept < m.opts.MaxJobs && entry.Meta.StartedAt.After(cutoff) {
			kept++
			continue
		}
		m.removeJob(entry)
	}
}

func (m *Manager) removeJob(entry jobEntry) {
	wtPath := filepath.Join(entry.Dir, "worktree")
	if info, err := os.Stat(wtPath); err == nil && info.IsDir() {
		wt := isolation.OpenWorktree(entry.Meta.RepoRoot, wtPath)
		if err := wt.Remove(context.Background()); err != nil {
			m.log.Warn("worktree deregistration failed during prune",
				zap.String("job_id", entry.JobID), zap.Error(err))
		}
	}
	if err := os.RemoveAll(entry.Dir); err != nil {
		m.log.Warn("could not remove job directory",
			zap.String("job_id", entry.JobID), zap.Error(err))
		return
	}
	m.log.Info("pruned job", zap.String("job_id", entry.JobID))
}

// RecoverStale marks jobs whose metadata never reached a terminal outcome
// and whose recorded runner process is gone. Without this, a crashed runner
// would leave a job that looks active forever.
func (m *Manager) RecoverStale() {
	for _, entry := range m.ListJobs() {
		if entry.Meta.Outcome != schemas.OutcomeUnset {
			continue
		}
		if m.runnerAlive(entry.Meta.RunnerPID, entry.Meta.RunnerSig) {
			continue
		}
		entry.Meta.Outcome = schemas.OutcomeCancelled
		entry.Meta.Reason = "crashed"
		entry.Meta.EndedAt = time.Now().UTC()
		if err := entry.Meta.Save(entry.Dir); err != nil {
			m.log.Warn("could not persist crash-recovery metadata",
				zap.String("job_id", entry.JobID), zap.Error(err))
			continue
		}
		m.log.Info("recovered crashed job", zap.String("job_id", entry.JobID))
	}
}

// runnerAlive reports whether pid is a live process whose command line still
// carries the signature recorded at job start. Pid reuse by an unrelated
// process must not hold the singleton slot hostage.
func (m *Manager) runnerAlive(pid int, sig string) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	cmdline, err := m.procCmdline(pid)
	if err != nil {
		// Alive but unreadable: assume it is ours rather than cancel a
		// running job.
		return true
	}
	if sig == "" {
		sig = schemas.RunnerSignature
	}
	return strings.Contains(cmdline, sig)
}

func readProcCmdline(pid int) (string, error) {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(raw), "\x00", " "), nil
}

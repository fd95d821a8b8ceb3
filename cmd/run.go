// -- cmd/run.go --
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/council-cli/api/schemas"
	"github.com/xkilldash9x/council-cli/internal/jobs"
	"github.com/xkilldash9x/council-cli/internal/llmclient"
	"github.com/xkilldash9x/council-cli/internal/observability"
	"github.com/xkilldash9x/council-cli/internal/runner"
	"github.com/xkilldash9x/council-cli/internal/verify"
)

// findRepoRoot walks up from start until it finds a directory carrying a
// .git entry. The CLI never changes the process working directory; it only
// reads it to locate the repository.
func findRepoRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not inside a git repository: %s", start)
		}
		dir = parent
	}
}

// cacheRoot expands the configured artifact root.
func cacheRoot() (string, error) {
	root, err := homedir.Expand(appCfg.Cache().Root)
	if err != nil {
		return "", fmt.Errorf("expanding cache.root: %w", err)
	}
	return root, nil
}

// newArtifactManager builds a manager wired for artifact-only operations
// (listing, apply gate). No model client or verifier is needed for those.
func newArtifactManager(sink schemas.EventSink) (*jobs.Manager, error) {
	root, err := cacheRoot()
	if err != nil {
		return nil, err
	}
	return jobs.NewManager(managerOptions(root), nil, nil, sink), nil
}

func managerOptions(root string) jobs.Options {
	return jobs.Options{
		CacheRoot:     root,
		MaxJobs:       appCfg.Retention().MaxJobs,
		MaxAge:        appCfg.Retention().MaxAge(),
		PromptVersion: appCfg.Prompts().Version,
		Limits: runner.ContextLimits{
			MaxFilesTotal:   appCfg.Limits().MaxFilesTotal,
			MaxBytesPerFile: appCfg.Limits().MaxBytesPerFile,
			MaxTotalBytes:   appCfg.Limits().MaxTotalBytes,
		},
		// MaxIterations counts total chair attempts, retries are one fewer.
		PlanRetries: appCfg.Repair().MaxIterations - 1,
		DebugRawLog: appCfg.Debug().RawLog,
	}
}

// terminalCapture remembers the terminal event of the submitted job.
type terminalCapture struct {
	mu      sync.Mutex
	outcome schemas.Outcome
	summary string
}

func (t *terminalCapture) record(e schemas.JobFinished) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcome = e.Outcome
	t.summary = e.SummaryLine
}

func (t *terminalCapture) get() (schemas.Outcome, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, t.summary
}

// runCouncilJob is the shared driver behind the review and fix commands. It
// submits a job, streams its events to the terminal, and maps the terminal
// outcome onto the exit-code contract.
func runCouncilJob(out io.Writer, mode schemas.Mode, target string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return exitWith(exitRejected, err)
	}
	repoRoot, err := findRepoRoot(cwd)
	if err != nil {
		return exitWith(exitRejected, err)
	}
	root, err := cacheRoot()
	if err != nil {
		return exitWith(exitRejected, err)
	}

	logger := observability.GetLogger()
	client, err := llmclient.NewRoleClient(appCfg.LLM(), logger)
	if err != nil {
		return exitWith(exitRejected, fmt.Errorf("building model clients: %w", err))
	}
	verifier := verify.NewVerifier(verify.SandboxOptions{
		CommandTimeout: appCfg.Verify().CommandTimeout,
		KillGrace:      5 * time.Second,
		OutputCap:      appCfg.Verify().OutputCapBytes,
		ExtraEnv:       appCfg.Verify().ExtraEnv,
	}, appCfg.Verify().GlobalBudget)

	var terminal terminalCapture
	sink := func(jobID string, event schemas.Event) {
		if fin, ok := event.(schemas.JobFinished); ok {
			terminal.record(fin)
		}
		printEvent(out, event)
	}

	mgr := jobs.NewManager(managerOptions(root), client, verifier, sink)
	mgr.RecoverStale()

	jobID, err := mgr.Submit(jobs.SubmitRequest{Mode: mode, Target: target, RepoRoot: repoRoot})
	if err != nil {
		return exitWith(exitRejected, err)
	}

	// Ctrl-C requests cancellation; the terminal event still arrives
	// through the sink and decides the exit code.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(out, "cancelling...")
			_ = mgr.Cancel(jobID)
		case <-done:
		}
	}()

	mgr.Wait()
	close(done)
	signal.Stop(sigCh)

	outcome, summary := terminal.get()
	switch outcome {
	case schemas.OutcomeSuccess:
		if mode == schemas.ModeReview {
			printFindings(out, mgr.JobDir(jobID))
		}
		return nil
	case schemas.OutcomeCancelled:
		return exitWith(exitCancelled, fmt.Errorf("job cancelled: %s", summary))
	default:
		return exitWith(exitJobFailure, fmt.Errorf("job failed: %s", summary))
	}
}

// printEvent renders one event as a terminal line. Events carry display
// strings only, so rendering never touches raw model or command output.
func printEvent(w io.Writer, event schemas.Event) {
	switch e := event.(type) {
	case schemas.JobStarted:
		dirty := ""
		if e.RepoDirty {
			dirty = ", dirty tree"
		}
		head := e.HeadSHA
		if len(head) > 12 {
			head = head[:12]
		}
		fmt.Fprintf(w, "job %s: %s %s (HEAD %s%s)\n", e.JobID, e.Mode, e.Target, head, dirty)
	case schemas.PhaseStarted:
		detail := ""
		if e.Detail != "" {
			detail = " - " + e.Detail
		}
		fmt.Fprintf(w, "[%d/%d] %s%s\n", e.StepCurrent, e.StepTotal, e.Phase, detail)
	case schemas.PhaseNote:
		fmt.Fprintf(w, "      %s\n", e.Message)
	case schemas.ArtifactWritten:
		fmt.Fprintf(w, "      wrote %s\n", e.Path)
	case schemas.CommandStarted:
		fmt.Fprintf(w, "      $ %s\n", e.DisplayCmd)
	case schemas.CommandFinished:
		truncated := ""
		if e.Truncated {
			truncated = " (output truncated)"
		}
		fmt.Fprintf(w, "      $ %s -> %s in %s%s\n", e.DisplayCmd, e.Status, e.Duration.Round(10*time.Millisecond), truncated)
	case schemas.Warning:
		fmt.Fprintf(w, "      warning: %s\n", e.Message)
	case schemas.Error:
		fmt.Fprintf(w, "      error in %s: %s\n", e.Phase, e.Message)
	case schemas.JobFinished:
		fmt.Fprintf(w, "%s: %s\n", e.Outcome, e.SummaryLine)
	}
}

// printFindings renders the findings artifact of a finished review job.
func printFindings(w io.Writer, jobDir string) {
	raw, err := os.ReadFile(filepath.Join(jobDir, "findings.json"))
	if err != nil {
		return
	}
	var findings []schemas.Finding
	if err := json.Unmarshal(raw, &findings); err != nil {
		return
	}
	if len(findings) == 0 {
		fmt.Fprintln(w, "no findings")
		return
	}

	fmt.Fprintf(w, "\n%d finding(s):\n", len(findings))
	for _, f := range findings {
		loc := f.File
		if f.Symbol != "" {
			loc += ":" + f.Symbol
		}
		title := f.Title
		if title == "" {
			title = firstLine(f.Body)
		}
		fmt.Fprintf(w, "  [%s] %-30s %s\n", f.Severity, loc, title)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

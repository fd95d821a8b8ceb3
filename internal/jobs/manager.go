// Package jobs owns the lifecycle around a council run: the singleton job
// slot, worker spawning, event bridging, artifact retention, crash recovery
// and the gated apply of a finished job's patch. The manager never inspects
// model output; it moves events and files.
package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/api/schemas"
	"github.com/xkilldash9x/council-cli/internal/observability"
	"github.com/xkilldash9x/council-cli/internal/runner"
	"github.com/xkilldash9x/council-cli/internal/verify"
)

// RejectedError is returned by Submit while another job holds the slot. The
// message deterministically names the active job so callers can surface it.
type RejectedError struct {
	ActiveJobID string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("a job is already running: %s", e.ActiveJobID)
}

// SubmitRequest describes one job submission.
type SubmitRequest struct {
	Mode     schemas.Mode
	Target   string
	RepoRoot string
}

// Options configure a Manager.
type Options struct {
	// CacheRoot is the directory job artifacts live under, one
	// subdirectory per job id.
	CacheRoot string

	// Retention bounds. Zero values take the defaults.
	MaxJobs int
	MaxAge  time.Duration

	PromptVersion string
	Limits        runner.ContextLimits
	PlanRetries   int
	DebugRawLog   bool
	EventBuffer   int
}

func (o *Options) applyDefaults() {
	if o.MaxJobs <= 0 {
		o.MaxJobs = 20
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 24 * time.Hour
	}
}

// jobRunner is what the manager spawns per job. runner.Runner satisfies it;
// tests substitute their own.
type jobRunner interface {
	Events() <-chan schemas.Event
	Run(ctx context.Context)
}

// Manager enforces the one-active-job rule and bridges runner events to the
// consumer sink.
type Manager struct {
	opts     Options
	client   schemas.RoleClient
	verifier *verify.Verifier
	sink     schemas.EventSink
	log      *zap.Logger

	// newRunner is swappable for tests.
	newRunner func(opts runner.Options) jobRunner
	// procCmdline reads a live process's command line during crash
	// recovery; swappable for tests.
	procCmdline func(pid int) (string, error)

	mu           sync.Mutex
	activeJobID  string
	activeCancel context.CancelFunc

	wg sync.WaitGroup
}

func NewManager(opts Options, client schemas.RoleClient, verifier *verify.Verifier, sink schemas.EventSink) *Manager {
	opts.applyDefaults()
	if sink == nil {
		sink = func(string, schemas.Event) {}
	}
	m := &Manager{
		opts:        opts,
		client:      client,
		verifier:    verifier,
		sink:        sink,
		log:         observability.GetLogger().Named("jobs"),
		procCmdline: readProcCmdline,
	}
	m.newRunner = func(ro runner.Options) jobRunner {
		return runner.New(ro, m.client, m.verifier)
	}
	return m
}

// Submit acquires the singleton slot, materializes the job directory and
// spawns the runner on its own worker goroutine. It returns the new job id,
// or RejectedError while another job is active.
func (m *Manager) Submit(req SubmitRequest) (string, error) {
	if req.Target == "" {
		return "", fmt.Errorf("target must not be empty")
	}
	if req.Mode != schemas.ModeReview && req.Mode != schemas.ModeFix {
		return "", fmt.Errorf("unknown mode %q", req.Mode)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating job id: %w", err)
	}
	jobID := id.String()
	jobDir := filepath.Join(m.opts.CacheRoot, jobID)

	m.mu.Lock()
	if m.activeJobID != "" {
		active := m.activeJobID
		m.mu.Unlock()
		return "", &RejectedError{ActiveJobID: active}
	}
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("creating job directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.activeJobID = jobID
	m.activeCancel = cancel
	m.mu.Unlock()

	r := m.newRunner(runner.Options{
		JobID:         jobID,
		JobDir:        jobDir,
		Mode:          req.Mode,
		Target:        req.Target,
		RepoRoot:      req.RepoRoot,
		PromptVersion: m.opts.PromptVersion,
		Limits:        m.opts.Limits,
		PlanRetries:   m.opts.PlanRetries,
		DebugRawLog:   m.opts.DebugRawLog,
		EventBuffer:   m.opts.EventBuffer,
	})

	m.log.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("mode", string(req.Mode)),
		zap.String("target", req.Target))

	m.wg.Add(1)
	go m.work(ctx, cancel, jobID, r)
	return jobID, nil
}

// work drives one job to its terminal event. The singleton slot is cleared
// exactly when JobFinished passes through the bridge; if the worker dies
// without one, a Failure terminal is synthesized so the slot cannot leak.
func (m *Manager) work(ctx context.Context, cancel context.CancelFunc, jobID string, r jobRunner) {
	defer m.wg.Done()
	defer cancel()

	var terminalSeen atomic.Bool
	bridged := make(chan struct{})
	go func() {
		defer close(bridged)
		for event := range r.Events() {
			if _, ok := event.(schemas.JobFinished); ok {
				terminalSeen.Store(true)
				m.clearSlot(jobID)
			}
			m.sink(jobID, event)
		}
	}()

	func() {
		defer func() {
			if p := recover(); p != nil {
				m.log.Error("job worker panicked",
					zap.String("job_id", jobID), zap.Any("panic", p))
			}
		}()
		r.Run(ctx)
	}()

	select {
	case <-bridged:
	case <-time.After(5 * time.Second):
		m.log.Error("event stream did not close after runner exit",
			zap.String("job_id", jobID))
	}

	if !terminalSeen.Load() {
		m.sink(jobID, schemas.JobFinished{
			Outcome:     schemas.OutcomeFailure,
			SummaryLine: "job worker terminated without a result",
		})
		m.clearSlot(jobID)
	}

	m.Prune()
}

func (m *Manager) clearSlot(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeJobID == jobID {
		m.activeJobID = ""
		m.activeCancel = nil
	}
}

// ActiveJobID returns the id of the running job, or the empty string.
func (m *Manager) ActiveJobID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeJobID
}

// Cancel requests cancellation of the active job. The terminal event still
// arrives through the sink; the slot clears when it does.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeJobID == "" {
		return fmt.Errorf("no job is running")
	}
	if m.activeJobID != jobID {
		return fmt.Errorf("job %s is not the active job (%s is)", jobID, m.activeJobID)
	}
	m.activeCancel()
	return nil
}

// Wait blocks until every spawned worker has finished. Intended for
// orderly shutdown and tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// JobDir returns the artifact directory for a job id.
func (m *Manager) JobDir(jobID string) string {
	return filepath.Join(m.opts.CacheRoot, jobID)
}

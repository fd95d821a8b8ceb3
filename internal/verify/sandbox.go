package verify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/api/schemas"
	"github.com/xkilldash9x/council-cli/internal/observability"
)

// SandboxOptions tune the execution envelope around a verification command.
type SandboxOptions struct {
	// CommandTimeout is the wall clock budget of a single command.
	CommandTimeout time.Duration
	// KillGrace is the pause between SIGTERM and SIGKILL on the process
	// group.
	KillGrace time.Duration
	// OutputCap limits captured bytes per stream; overflow is dropped and
	// the result marked truncated.
	OutputCap int
	// ExtraEnv names additional environment variables to pass through on
	// top of the base allowlist.
	ExtraEnv []string
}

// DefaultSandboxOptions matches the budgets used by the runner.
func DefaultSandboxOptions() SandboxOptions {
	return SandboxOptions{
		CommandTimeout: 10 * time.Minute,
		KillGrace:      5 * time.Second,
		OutputCap:      1 << 20,
	}
}

// baseEnvAllowlist is always passed through when set in the host process.
var baseEnvAllowlist = []string{"PATH", "HOME", "LANG", "USER", "TMPDIR", "GOCACHE", "GOPATH", "CARGO_HOME", "RUSTUP_HOME"}

// Sandbox runs argv commands with a pinned working directory, restricted
// environment, output caps, and process-group teardown. It never invokes a
// shell.
type Sandbox struct {
	opts     SandboxOptions
	redactor *Redactor
	log      *zap.Logger
}

func NewSandbox(opts SandboxOptions, redactor *Redactor) *Sandbox {
	return &Sandbox{
		opts:     opts,
		redactor: redactor,
		log:      observability.GetLogger().Named("sandbox"),
	}
}

// capBuffer keeps at most cap bytes and records whether anything was
// dropped. Writes never fail; a verifier command must not die on chatty
// output.
type capBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *capBuffer) contents() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf), b.truncated
}

// Run executes one command pinned to root and returns its result plus the
// redacted combined output. The result's RedactedLogPath is left empty; the
// caller decides where logs live.
func (s *Sandbox) Run(ctx context.Context, root string, command Command) (schemas.VerifyResult, string) {
	display := command.Display()
	s.log.Info("running verification command",
		zap.String("command", display),
		zap.String("root", root))

	cmdCtx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	out := &capBuffer{limit: s.opts.OutputCap}
	start := time.Now()

	cmd := exec.Command(command.Argv[0], command.Argv[1:]...)
	cmd.Dir = root
	cmd.Env = s.environ()
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	result := schemas.VerifyResult{Command: display}
	if err := cmd.Start(); err != nil {
		result.ExitCode = -1
		result.DurationMS = time.Since(start).Milliseconds()
		s.log.Warn("verification command failed to start",
			zap.String("command", display), zap.Error(err))
		return result, s.redactor.Redact(err.Error())
	}

	waitErr := s.waitWithTeardown(cmdCtx, cmd)

	captured, truncated := out.contents()
	result.DurationMS = time.Since(start).Milliseconds()
	result.Truncated = truncated
	result.ExitCode = exitCode(cmd, waitErr)
	result.Success = waitErr == nil

	if !result.Success {
		s.log.Warn("verification command failed",
			zap.String("command", display),
			zap.Int("exit_code", result.ExitCode))
	}
	return result, s.redactor.Redact(captured)
}

// waitWithTeardown waits for the command, escalating from SIGTERM to
// SIGKILL on the whole process group when the context expires.
func (s *Sandbox) waitWithTeardown(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(s.opts.KillGrace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-done
	}
	return ctx.Err()
}

func (s *Sandbox) environ() []string {
	var env []string
	for _, key := range append(append([]string{}, baseEnvAllowlist...), s.opts.ExtraEnv...) {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
	}
	return -1
}

// WriteRedactedLog persists already-redacted output for one command under
// dir, returning the path.
func WriteRedactedLog(dir string, index int, output string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := fmt.Sprintf("%s/verify_%02d.log", dir, index)
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

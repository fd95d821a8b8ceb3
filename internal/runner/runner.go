// Package runner drives the council's phase state machine for one job:
// Discovering, Baseline-Verify, Criticism, Planning, Implementation,
// Apply-to-Worktree, Final-Verify. Review jobs stop after Criticism. The
// runner talks to its consumer exclusively through events and on-disk
// artifacts, and guarantees exactly one terminal event no matter how a
// phase dies.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/council-cli/api/schemas"
	"github.com/xkilldash9x/council-cli/internal/applypatch"
	"github.com/xkilldash9x/council-cli/internal/isolation"
	"github.com/xkilldash9x/council-cli/internal/observability"
	"github.com/xkilldash9x/council-cli/internal/parsing"
	"github.com/xkilldash9x/council-cli/internal/prompts"
	"github.com/xkilldash9x/council-cli/internal/verify"
)

// Options configure one runner instance for one job.
type Options struct {
	JobID         string
	JobDir        string
	Mode          schemas.Mode
	Target        string // raw target; may be the dirty sentinel
	RepoRoot      string
	PromptVersion string
	Limits        ContextLimits
	// PlanRetries bounds re-asks of the chair when its reply carries no
	// plan block.
	PlanRetries int
	DebugRawLog bool
	EventBuffer int
}

// Runner executes one job. Construct with New, consume Events, call Run
// once.
type Runner struct {
	opts     Options
	client   schemas.RoleClient
	verifier *verify.Verifier
	emitter  *Emitter
	log      *zap.Logger

	meta *schemas.JobMetadata
}

func New(opts Options, client schemas.RoleClient, verifier *verify.Verifier) *Runner {
	if opts.PromptVersion == "" {
		opts.PromptVersion = prompts.DefaultVersion
	}
	if opts.Limits == (ContextLimits{}) {
		opts.Limits = DefaultContextLimits()
	}
	return &Runner{
		opts:     opts,
		client:   client,
		verifier: verifier,
		emitter:  NewEmitter(opts.EventBuffer),
		log: observability.GetLogger().Named("runner").With(
			zap.String("job_id", opts.JobID)),
	}
}

// Events exposes the job's event stream. Closed after the terminal event.
func (r *Runner) Events() <-chan schemas.Event { return r.emitter.Events() }

// Run executes the pipeline. It never returns before the terminal event has
// been emitted and job metadata reflects the outcome, even on panic or
// cancellation.
func (r *Runner) Run(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("runner panicked", zap.Any("panic", p))
			r.emitter.Send(schemas.Error{Phase: "Job Execution", Message: fmt.Sprintf("internal error: %v", p)})
			r.finish(schemas.OutcomeFailure, "internal error", "panic")
		}
		if !r.emitter.Finished() {
			r.finish(schemas.OutcomeFailure, "runner exited without terminal state", "incomplete")
		}
	}()

	if err := r.pipeline(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.finish(schemas.OutcomeCancelled, "job cancelled", "cancelled")
			return
		}
		var pe *phaseError
		if !errors.As(err, &pe) {
			r.emitter.Send(schemas.Error{Phase: "Job Execution", Message: err.Error()})
		}
		r.finish(schemas.OutcomeFailure, summaryFromError(err), "error")
	}
}

// phaseError marks a failure already surfaced to the event stream with a
// phase-specific Error event; the top level only records the outcome.
type phaseError struct {
	summary string
}

func (e *phaseError) Error() string { return e.summary }

func summaryFromError(err error) string {
	var pe *phaseError
	if errors.As(err, &pe) {
		return pe.summary
	}
	return err.Error()
}

// fail emits the phase Error event and returns a terminal phaseError.
func (r *Runner) fail(phase, message, summary string) error {
	r.emitter.Send(schemas.Error{Phase: phase, Message: message})
	return &phaseError{summary: summary}
}

func (r *Runner) finish(outcome schemas.Outcome, summary, reason string) {
	if r.meta != nil && r.meta.Outcome == schemas.OutcomeUnset {
		r.meta.Outcome = outcome
		r.meta.Reason = reason
		r.meta.EndedAt = time.Now().UTC()
		if err := r.meta.Save(r.opts.JobDir); err != nil {
			r.log.Error("could not persist terminal metadata", zap.Error(err))
		}
	}
	r.emitter.Finish(outcome, summary)
}

func (r *Runner) pipeline(ctx context.Context) error {
	stepTotal := 7
	if r.opts.Mode == schemas.ModeReview {
		stepTotal = 2
	}

	repo, err := isolation.OpenRepo(r.opts.RepoRoot)
	if err != nil {
		return r.fail("Discovering", err.Error(), "repository open failed")
	}

	targets, err := repo.ResolveTargets(r.opts.Target)
	if err != nil {
		return r.fail("Discovering", err.Error(), "invalid target")
	}

	headSHA, err := repo.HeadSHA()
	if err != nil {
		return r.fail("Discovering", err.Error(), "HEAD unresolvable")
	}
	dirty, err := repo.IsDirty()
	if err != nil {
		return r.fail("Discovering", err.Error(), "dirty probe failed")
	}

	r.emitter.Send(schemas.JobStarted{
		JobID:     r.opts.JobID,
		Mode:      r.opts.Mode,
		Target:    r.opts.Target,
		HeadSHA:   headSHA,
		RepoDirty: dirty,
	})

	r.meta = &schemas.JobMetadata{
		JobID:            r.opts.JobID,
		Mode:             r.opts.Mode,
		Target:           r.opts.Target,
		RepoRoot:         r.opts.RepoRoot,
		HeadSHAAtStart:   headSHA,
		RepoDirtyAtStart: dirty,
		PromptVersion:    r.opts.PromptVersion,
		RunnerPID:        os.Getpid(),
		RunnerSig:        schemas.RunnerSignature,
		StartedAt:        time.Now().UTC(),
	}
	if err := r.meta.Save(r.opts.JobDir); err != nil {
		return r.fail("Discovering", err.Error(), "metadata write failed")
	}

	for _, rel := range targets {
		tracked, trackErr := repo.TrackedAtHead(rel)
		if trackErr != nil {
			return r.fail("Discovering", trackErr.Error(), "HEAD lookup failed")
		}
		if !tracked {
			return r.fail("Discovering",
				fmt.Sprintf("target %s does not exist in HEAD", rel), "target not in HEAD")
		}
	}

	// Isolation: worktree for fix, snapshot for review. Cancellation tears
	// the isolation directory down; otherwise it stays for the apply gate
	// and retention to manage.
	workingRoot, cleanupIsolation, err := r.isolate(ctx, repo, targets)
	if err != nil {
		return r.fail("Discovering", err.Error(), "isolation failed")
	}
	defer func() {
		if ctx.Err() != nil {
			cleanupIsolation()
		}
	}()

	// Discovering.
	r.emitter.Send(schemas.PhaseStarted{Phase: "Discovering", StepCurrent: 1, StepTotal: stepTotal,
		Detail: "Assembling context bundle"})
	bundle, err := NewContextBuilder(workingRoot, r.opts.Limits).Build(targets)
	if err != nil {
		return r.fail("Discovering", err.Error(), "context build failed")
	}
	bundleJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return r.fail("Discovering", err.Error(), "context encode failed")
	}
	if err := r.writeArtifact("context_bundle", "context_bundle.json", bundleJSON); err != nil {
		return err
	}

	// Baseline-Verify (fix only).
	var baseline []schemas.VerifyResult
	if r.opts.Mode == schemas.ModeFix {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.emitter.Send(schemas.PhaseStarted{Phase: "Baseline-Verify", StepCurrent: 2, StepTotal: stepTotal,
			Detail: "Recording pre-change verification state"})
		baseline, err = r.verifier.RunAll(ctx, workingRoot, targets[0],
			filepath.Join(r.opts.JobDir, "logs", "baseline"), r.commandObserver())
		if err != nil {
			return err
		}
		if err := r.writeJSONArtifact("verify_baseline", "verify_baseline.json", baseline); err != nil {
			return err
		}
		if n := verify.FailureCount(baseline); n > 0 {
			r.emitter.Note("Baseline-Verify", fmt.Sprintf("%d baseline command(s) failing before any change", n))
		}
	}

	// Criticism.
	if err := ctx.Err(); err != nil {
		return err
	}
	critStep := 2
	if r.opts.Mode == schemas.ModeFix {
		critStep = 3
	}
	r.emitter.Send(schemas.PhaseStarted{Phase: "Criticism", StepCurrent: critStep, StepTotal: stepTotal,
		Detail: "Convening critics"})

	promptContext := r.promptContext(workingRoot, targets, bundleJSON, baseline)
	critique, err := r.runCritics(ctx, promptContext)
	if err != nil {
		return err
	}

	findings, warnings := parsing.ExtractFindings(critique)
	for _, w := range warnings {
		r.emitter.Send(schemas.Warning{Message: w})
	}
	r.emitter.Note("Criticism", fmt.Sprintf("%d finding(s) extracted", len(findings)))
	if err := r.writeJSONArtifact("findings", "findings.json", findings); err != nil {
		return err
	}

	if r.opts.Mode == schemas.ModeReview {
		r.finish(schemas.OutcomeSuccess, fmt.Sprintf("critique complete: %d finding(s)", len(findings)), "")
		return nil
	}

	// Planning.
	plan, err := r.runPlanning(ctx, promptContext, critique)
	if err != nil {
		return err
	}
	r.emitter.Send(schemas.PhaseStarted{Phase: "Planning", StepCurrent: 4, StepTotal: stepTotal,
		Detail: "Plan accepted"})

	// Implementation.
	r.emitter.Send(schemas.PhaseStarted{Phase: "Implementation", StepCurrent: 5, StepTotal: stepTotal,
		Detail: "Generating patch"})
	patchText, err := r.runImplementation(ctx, promptContext, plan, workingRoot)
	if err != nil {
		return err
	}

	// Apply-to-Worktree.
	if err := ctx.Err(); err != nil {
		return err
	}
	r.emitter.Send(schemas.PhaseStarted{Phase: "Apply-to-Worktree", StepCurrent: 6, StepTotal: stepTotal,
		Detail: "Applying patch to isolated checkout"})
	applyRes, err := applypatch.ApplyInDir(workingRoot, patchText)
	if err != nil {
		return r.fail("Apply-to-Worktree", err.Error(), "patch application failed")
	}
	if err := r.writeArtifact("apply_result", "apply_result.txt", []byte(applyRes.Summary())); err != nil {
		return err
	}

	// Final-Verify.
	r.emitter.Send(schemas.PhaseStarted{Phase: "Final-Verify", StepCurrent: 7, StepTotal: stepTotal,
		Detail: "Re-running verification"})
	final, err := r.verifier.RunAll(ctx, workingRoot, targets[0],
		filepath.Join(r.opts.JobDir, "logs", "final"), r.commandObserver())
	if err != nil {
		return err
	}
	if err := r.writeJSONArtifact("verify_final", "verify_final.json", final); err != nil {
		return err
	}

	outcome, summary := compareVerification(baseline, final)
	if err := r.writeJSONArtifact("summary", "summary.json", map[string]any{
		"outcome":           outcome,
		"summary":           summary,
		"findings":          len(findings),
		"baseline_failures": verify.FailureCount(baseline),
		"final_failures":    verify.FailureCount(final),
	}); err != nil {
		return err
	}
	r.finish(outcome, summary, "")
	return nil
}

// compareVerification turns the baseline/final failure counts into a job
// outcome. Fixing at least as many commands as before counts as success; a
// regression does not.
func compareVerification(baseline, final []schemas.VerifyResult) (schemas.Outcome, string) {
	before := verify.FailureCount(baseline)
	after := verify.FailureCount(final)
	switch {
	case after > before:
		return schemas.OutcomeFailure,
			fmt.Sprintf("verification regressed: %d failing (was %d)", after, before)
	case after == 0:
		return schemas.OutcomeSuccess, "patch applied, verification clean"
	default:
		return schemas.OutcomeSuccess,
			fmt.Sprintf("patch applied, %d failing (was %d)", after, before)
	}
}

func (r *Runner) isolate(ctx context.Context, repo *isolation.Repo, targets []string) (string, func(), error) {
	if r.opts.Mode == schemas.ModeFix {
		dest := filepath.Join(r.opts.JobDir, "worktree")
		wt, err := isolation.CreateWorktree(ctx, r.opts.RepoRoot, "HEAD", dest)
		if err != nil {
			return "", nil, err
		}
		return wt.Path, func() {
			if rmErr := wt.Remove(context.Background()); rmErr != nil {
				r.log.Warn("worktree cleanup failed", zap.Error(rmErr))
			}
		}, nil
	}

	dest := filepath.Join(r.opts.JobDir, "snapshot")
	snap, err := repo.CreateSnapshot(dest, targets)
	if err != nil {
		return "", nil, err
	}
	return snap.Path, func() {
		if rmErr := snap.Remove(); rmErr != nil {
			r.log.Warn("snapshot cleanup failed", zap.Error(rmErr))
		}
	}, nil
}

// criticOrder fixes the deterministic concatenation order of critic output.
var criticOrder = []schemas.Role{schemas.RoleCriticA, schemas.RoleCriticB}

// runCritics fans the criticism prompt out to every critic seat in
// parallel, tolerates individual failures, and writes the concatenated
// critique artifact in seat order. All seats failing fails the job.
func (r *Runner) runCritics(ctx context.Context, promptContext string) (string, error) {
	systemPrompt, err := prompts.SystemPromptCritic(r.opts.PromptVersion)
	if err != nil {
		return "", r.fail("Criticism", err.Error(), "prompt assets missing")
	}
	userPrompt := "Review this code context and identify defects.\n\n" + promptContext

	replies := make([]string, len(criticOrder))
	g, gctx := errgroup.WithContext(ctx)
	for i, role := range criticOrder {
		g.Go(func() error {
			reply, callErr := r.client.Call(gctx, role, systemPrompt, userPrompt)
			if callErr != nil {
				// One deaf critic does not sink the council.
				r.log.Warn("critic failed", zap.String("role", string(role)), zap.Error(callErr))
				r.emitter.Note("Criticism", fmt.Sprintf("critic %s failed: %v", role, callErr))
				return nil
			}
			replies[i] = reply
			r.emitter.Note("Criticism", fmt.Sprintf("critique received from %s", role))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var sections []string
	for i, role := range criticOrder {
		if replies[i] == "" {
			continue
		}
		r.writeDebugLog(fmt.Sprintf("debug_critique_%s.log", role), replies[i])
		if err := r.writeArtifact("critique_"+string(role),
			fmt.Sprintf("critique_%s.xml", role), []byte(replies[i])); err != nil {
			return "", err
		}
		sections = append(sections, fmt.Sprintf("### Critique: %s\n\n%s", role, replies[i]))
	}
	if len(sections) == 0 {
		return "", r.fail("Criticism", "all critics failed to respond", "critics failed")
	}

	critique := strings.Join(sections, "\n\n")
	if err := r.writeArtifact("critique", "critique.xml", []byte(critique)); err != nil {
		return "", err
	}
	return critique, nil
}

// runPlanning asks the chair for a plan, retrying a bounded number of times
// when the reply carries no plan block. A refusal block fails immediately.
func (r *Runner) runPlanning(ctx context.Context, promptContext, critique string) (string, error) {
	systemPrompt, err := prompts.SystemPromptChair(r.opts.PromptVersion)
	if err != nil {
		return "", r.fail("Planning", err.Error(), "prompt assets missing")
	}

	r.emitter.Send(schemas.PhaseStarted{Phase: "Planning", StepCurrent: 4, StepTotal: 7,
		Detail: "Chair is synthesizing a plan"})

	userPrompt := fmt.Sprintf(
		"Review the critiques and formulate a repair plan.\n\nContext:\n%s\n\nCritiques:\n%s",
		promptContext, critique)

	attempts := r.opts.PlanRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		reply, callErr := r.client.Call(ctx, schemas.RoleChair, systemPrompt, userPrompt)
		if callErr != nil {
			return "", r.fail("Planning", callErr.Error(), "chair call failed")
		}
		r.writeDebugLog("debug_plan_raw.log", reply)
		if err := r.writeArtifact("plan_raw", "plan.xml", []byte(reply)); err != nil {
			return "", err
		}

		if plan, ok := parsing.ExtractPlan(reply); ok {
			if err := r.writeArtifact("plan", "plan.md", []byte(plan)); err != nil {
				return "", err
			}
			return plan, nil
		}
		if msg, ok := parsing.ExtractError(reply); ok {
			return "", r.fail("Planning", "chair refused: "+msg, "chair refused plan")
		}
		if attempt < attempts {
			r.emitter.Note("Planning", fmt.Sprintf("chair reply carried no plan block, retrying (%d/%d)", attempt, attempts-1))
		}
	}
	return "", r.fail("Planning", "chair reply carried no plan block after retries", "plan parse failed")
}

// runImplementation asks the implementer for a patch and validates it
// before anything touches the filesystem.
func (r *Runner) runImplementation(ctx context.Context, promptContext, plan, workingRoot string) (string, error) {
	systemPrompt, err := prompts.SystemPromptImplementer(r.opts.PromptVersion)
	if err != nil {
		return "", r.fail("Implementation", err.Error(), "prompt assets missing")
	}
	userPrompt := fmt.Sprintf(
		"Implement the following plan.\n\nPlan:\n%s\n\nContext:\n%s", plan, promptContext)

	reply, callErr := r.client.Call(ctx, schemas.RoleImplementer, systemPrompt, userPrompt)
	if callErr != nil {
		return "", r.fail("Implementation", callErr.Error(), "implementer call failed")
	}
	r.writeDebugLog("debug_implementation_raw.log", reply)

	if msg, ok := parsing.ExtractError(reply); ok {
		return "", r.fail("Implementation", "implementer refused: "+msg, "implementer refused")
	}

	patchText, ok := parsing.ExtractPatch(reply)
	if !ok {
		// Loose fallback: some models fence the patch instead of tagging it.
		patchText = extractFenced(reply)
	}

	if !parsing.LooksLikeApplyPatch(patchText) {
		return "", r.fail("Implementation", "generated patch failed validation (missing markers)", "patch validation failed")
	}
	if err := parsing.ValidatePatchPaths(patchText, workingRoot); err != nil {
		return "", r.fail("Implementation", "generated patch contained unsafe paths: "+err.Error(), "patch safety check failed")
	}

	// The artifact stores the validated patch body, not the raw reply; the
	// apply gate re-reads this file verbatim.
	if err := r.writeArtifact("implementation", "implementation.patch", []byte(patchText)); err != nil {
		return "", err
	}
	return patchText, nil
}

// extractFenced returns the first ``` fenced block, or the whole reply when
// no fence exists.
func extractFenced(reply string) string {
	parts := strings.Split(reply, "```")
	if len(parts) < 3 {
		return reply
	}
	body := parts[1]
	// Drop the rest of the opening fence line when it is empty or a
	// language hint.
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		first := strings.TrimSpace(body[:idx])
		if !strings.Contains(first, " ") && !strings.HasPrefix(first, "*") {
			body = body[idx+1:]
		}
	}
	return body
}

// promptContext renders the model-facing context: target list, bundle JSON
// with isolated-root paths scrubbed, and baseline verification summaries.
func (r *Runner) promptContext(workingRoot string, targets []string, bundleJSON []byte, baseline []schemas.VerifyResult) string {
	scrubbed := strings.ReplaceAll(string(bundleJSON), workingRoot, "")

	var b strings.Builder
	fmt.Fprintf(&b, "Targets: %s\n\nContext Bundle:\n%s\n", strings.Join(targets, ", "), scrubbed)
	if len(baseline) > 0 {
		b.WriteString("\nBaseline Verification:\n")
		for _, res := range baseline {
			status := "ok"
			if !res.Success {
				status = fmt.Sprintf("exit %d", res.ExitCode)
			}
			fmt.Fprintf(&b, "- %s: %s\n", res.Command, status)
		}
	}
	return b.String()
}

// commandObserver bridges verifier progress into the event stream.
func (r *Runner) commandObserver() verify.Observer {
	return &emitObserver{emitter: r.emitter}
}

type emitObserver struct {
	emitter *Emitter
}

func (o *emitObserver) CommandStarted(display string) {
	o.emitter.Send(schemas.CommandStarted{DisplayCmd: display})
}

func (o *emitObserver) CommandFinished(result schemas.VerifyResult) {
	status := "ok"
	if !result.Success {
		status = fmt.Sprintf("exit %d", result.ExitCode)
	}
	o.emitter.Send(schemas.CommandFinished{
		DisplayCmd: result.Command,
		Status:     status,
		Duration:   time.Duration(result.DurationMS) * time.Millisecond,
		Truncated:  result.Truncated,
	})
}

// writeArtifact persists a job artifact and reports it on the event stream.
// The write always precedes the event.
func (r *Runner) writeArtifact(kind, name string, data []byte) error {
	path := filepath.Join(r.opts.JobDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return r.fail("Artifacts", fmt.Sprintf("writing %s: %v", name, err), "artifact write failed")
	}
	r.emitter.Send(schemas.ArtifactWritten{Kind: kind, Path: path})
	return nil
}

func (r *Runner) writeJSONArtifact(kind, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return r.fail("Artifacts", fmt.Sprintf("encoding %s: %v", name, err), "artifact encode failed")
	}
	return r.writeArtifact(kind, name, data)
}

// writeDebugLog appends a raw model reply to the 0600 debug log when debug
// capture is enabled. Never surfaced in events.
func (r *Runner) writeDebugLog(label, content string) {
	if !r.opts.DebugRawLog {
		return
	}
	path := filepath.Join(r.opts.JobDir, "debug_raw.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		r.log.Warn("debug log open failed", zap.Error(err))
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "==== %s ====\n%s\n", label, content)
}

// Package verify detects a working root's toolchain and runs its
// verification commands under a hardened sandbox. Raw command output never
// leaves the package through return values larger than a summary; full
// (redacted) logs go to disk.
package verify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/api/schemas"
	"github.com/xkilldash9x/council-cli/internal/observability"
)

// Observer is notified around each command so callers can surface progress
// without receiving raw output.
type Observer interface {
	CommandStarted(display string)
	CommandFinished(result schemas.VerifyResult)
}

// Verifier runs the detected command list for a working root.
type Verifier struct {
	detector *Detector
	sandbox  *Sandbox
	// globalBudget caps the combined wall time of one RunAll pass.
	globalBudget time.Duration
	log          *zap.Logger
}

// NewVerifier wires a verifier from sandbox options. A zero globalBudget
// means one hour.
func NewVerifier(opts SandboxOptions, globalBudget time.Duration) *Verifier {
	if globalBudget <= 0 {
		globalBudget = time.Hour
	}
	return &Verifier{
		detector:     NewDetector(),
		sandbox:      NewSandbox(opts, NewProcessRedactor()),
		globalBudget: globalBudget,
		log:          observability.GetLogger().Named("verify"),
	}
}

// RunAll detects the toolchain of root and executes its commands in order,
// writing each command's redacted output under logDir. A failing command
// does not stop the list; the caller compares failure counts across runs.
// target may be empty; when set it steers manifest detection toward the
// file under repair. observer may be nil.
func (v *Verifier) RunAll(ctx context.Context, root, target, logDir string, observer Observer) ([]schemas.VerifyResult, error) {
	tc := v.detector.Detect(root, target)
	v.log.Info("detected toolchain",
		zap.String("toolchain", tc.Name),
		zap.Int("commands", len(tc.Commands)))

	ctx, cancel := context.WithTimeout(ctx, v.globalBudget)
	defer cancel()

	results := make([]schemas.VerifyResult, 0, len(tc.Commands))
	for i, command := range tc.Commands {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if observer != nil {
			observer.CommandStarted(command.Display())
		}
		result, output := v.sandbox.Run(ctx, root, command)
		if path, err := WriteRedactedLog(logDir, i, output); err == nil {
			result.RedactedLogPath = path
		} else {
			v.log.Warn("could not persist verification log", zap.Error(err))
		}
		if observer != nil {
			observer.CommandFinished(result)
		}
		results = append(results, result)
	}
	return results, nil
}

// FailureCount tallies unsuccessful results, the quantity the runner
// compares between baseline and final verification passes.
func FailureCount(results []schemas.VerifyResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}

// -- cmd/jobs.go --
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/council-cli/api/schemas"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List retained jobs, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		mgr, err := newArtifactManager(nil)
		if err != nil {
			return exitWith(exitRejected, err)
		}
		// Jobs whose runner died without a terminal state show up as
		// cancelled/crashed instead of running forever.
		mgr.RecoverStale()

		entries := mgr.ListJobs()
		if len(entries) == 0 {
			fmt.Fprintln(out, "no retained jobs")
			return nil
		}

		for _, entry := range entries {
			outcome := string(entry.Meta.Outcome)
			if entry.Meta.Outcome == schemas.OutcomeUnset {
				outcome = "running"
			}
			fmt.Fprintf(out, "%s  %-7s %-9s %-8s %s\n",
				entry.JobID,
				entry.Meta.Mode,
				outcome,
				formatAge(time.Since(entry.Meta.StartedAt)),
				entry.Meta.Target)
		}
		return nil
	},
}

// formatAge renders a duration the way humans scan a listing: one coarse
// unit.
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}

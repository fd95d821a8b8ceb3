// -- cmd/apply.go --
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var applyConfirm bool

var applyCmd = &cobra.Command{
	Use:   "apply <job-id>",
	Short: "Promote a finished job's patch to the real working tree.",
	Long: `Apply re-validates the stored patch, dry-runs it against the current
working tree and reports what would change. Nothing is written unless --yes
is given. If the tree moved between the dry-run and the write, the apply is
rejected and no file is touched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		out := cmd.OutOrStdout()

		mgr, err := newArtifactManager(nil)
		if err != nil {
			return exitWith(exitRejected, err)
		}

		result, err := mgr.Apply(jobID, applyConfirm)
		if err != nil {
			return exitWith(exitRejected, err)
		}

		if !applyConfirm {
			fmt.Fprintln(out, "dry-run only; re-run with --yes to write these changes:")
		}
		for _, p := range result.Added {
			fmt.Fprintf(out, "  A %s\n", p)
		}
		for _, p := range result.Updated {
			fmt.Fprintf(out, "  M %s\n", p)
		}
		for _, p := range result.Deleted {
			fmt.Fprintf(out, "  D %s\n", p)
		}
		if applyConfirm {
			fmt.Fprintf(out, "applied: %d added, %d updated, %d deleted\n",
				len(result.Added), len(result.Updated), len(result.Deleted))
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().BoolVarP(&applyConfirm, "yes", "y", false, "write the changes instead of stopping at the dry-run")
	rootCmd.AddCommand(applyCmd)
}

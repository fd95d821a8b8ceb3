// -- cmd/fix.go --
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/council-cli/api/schemas"
)

var fixCmd = &cobra.Command{
	Use:   "fix <target>",
	Short: "Run the full repair pipeline against a file.",
	Long: `Fix drives the whole council: critique, repair plan, patch generation,
apply in an isolated worktree, and verification against the baseline. The
resulting patch stays in the job directory until 'council apply' promotes it
to the real working tree.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runCouncilJob(cmd.OutOrStdout(), schemas.ModeFix, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "run 'council jobs' to find the job id, then 'council apply <job-id>' to promote the patch")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fixCmd)
}

// -- cmd/review.go --
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/council-cli/api/schemas"
)

var reviewCmd = &cobra.Command{
	Use:   "review <target>",
	Short: "Run the critic panel against a file without changing anything.",
	Long: `Review submits the target file to both critics and prints their
structured findings. The working tree is never modified; pass @dirty as the
target to review every tracked file that differs from HEAD.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCouncilJob(cmd.OutOrStdout(), schemas.ModeReview, args[0])
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}

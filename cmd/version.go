package cmd

import (
	"fmt"

	"github.com/Independent-Federal-Investigation-Club/plana-core/plana"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			plana.Version,
			plana.CommitSHA,
			plana.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

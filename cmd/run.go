package cmd

import (
	"log"

	"github.com/Independent-Federal-Investigation-Club/plana-core/plana"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Plana bot and (optionally) the management API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := plana.New(cfg)
		if err != nil {
			log.Fatalf("error creating plana: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running plana: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

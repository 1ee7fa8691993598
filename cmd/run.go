package cmd

import (
	"github.com/arcward/warden/warden"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Warden bot and API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			w, err := warden.New(cfg)
			if err != nil {
				log.Fatalf("error creating warden: %s", err.Error())
			}

			if err = w.Run(ctx); err != nil {
				log.Fatalf("error running warden: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}

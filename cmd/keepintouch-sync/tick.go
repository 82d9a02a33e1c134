package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run exactly one sync tick and print its result",
		Long: "Claims at most one eligible job, advances it by a bounded number of pages " +
			"and exits. Suited to cron or scheduled invocation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			result, err := a.processor.Tick(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/nowpools/keepintouchtext-sub000/internal/api"
	"github.com/nowpools/keepintouchtext-sub000/internal/database"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the job control HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			srv := api.New(a.control, database.NewHealthChecker(a.db), a.logger.Named("http"))
			if err := srv.Run(ctx, a.cfg.HTTPAddr, a.cfg.ShutdownTimeout); err != nil {
				return err
			}
			a.logger.Info("Application stopped")
			return nil
		},
	}
}

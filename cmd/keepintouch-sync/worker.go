package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nowpools/keepintouchtext-sub000/internal/api"
	"github.com/nowpools/keepintouchtext-sub000/internal/database"
	"github.com/nowpools/keepintouchtext-sub000/internal/watcher"
)

func newWorkerCmd() *cobra.Command {
	var withHTTP bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Poll for sync jobs and advance them until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			w := watcher.New(watcher.Config{
				PollInterval:    a.cfg.PollInterval,
				MaxTicksPerPoll: a.cfg.MaxTicksPerPoll,
			}, a.processor, a.logger.Named("watcher"))

			ctx, stop := signalContext()
			defer stop()

			// Workers stop on the signal context; the HTTP server shares it
			errChan := make(chan error, 2)
			running := 1
			go func() {
				errChan <- w.Start(ctx)
			}()
			if withHTTP {
				running++
				srv := api.New(a.control, database.NewHealthChecker(a.db), a.logger.Named("http"))
				go func() {
					errChan <- srv.Run(ctx, a.cfg.HTTPAddr, a.cfg.ShutdownTimeout)
				}()
			}

			select {
			case <-ctx.Done():
				a.logger.Info("Shutdown signal received")
			case err := <-errChan:
				running--
				if err != nil && !errors.Is(err, context.Canceled) {
					stop()
					drain(a.logger, errChan, running, a.cfg.ShutdownTimeout)
					return err
				}
				stop()
			}

			drain(a.logger, errChan, running, a.cfg.ShutdownTimeout)
			a.logger.Info("Application stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&withHTTP, "http", false, "also serve the job control API")
	return cmd
}

// drain waits for the remaining components to stop, up to timeout
func drain(logger *zap.Logger, errChan <-chan error, running int, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for ; running > 0; running-- {
		select {
		case <-deadline.C:
			logger.Warn("Shutdown timeout exceeded")
			return
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Component stopped with error", zap.Error(err))
			}
		}
	}
}

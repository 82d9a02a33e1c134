package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nowpools/keepintouchtext-sub000/internal/config"
	"github.com/nowpools/keepintouchtext-sub000/internal/database"
	"github.com/nowpools/keepintouchtext-sub000/internal/logging"
	"github.com/nowpools/keepintouchtext-sub000/internal/people"
	"github.com/nowpools/keepintouchtext-sub000/internal/repository"
	"github.com/nowpools/keepintouchtext-sub000/internal/service"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keepintouch-sync",
		Short:         "Imports Google contacts into KeepInTouch in resumable background jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newWorkerCmd(),
		newTickCmd(),
		newServeCmd(),
		newMigrateCmd(),
		newTokenCmd(),
	)
	return root
}

// app holds the wired components shared by every command
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *gorm.DB
	jobs      *repository.SyncJobRepository
	events    *repository.SyncJobItemRepository
	tokens    *repository.TokenRepository
	contacts  *repository.ContactRepository
	processor *service.SyncProcessor
	control   *service.JobControl
}

// setup loads configuration, connects to the database and applies migrations
func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("Database connected successfully")

	logger.Info("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	logger.Info("Migrations completed successfully")

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		jobs:     repository.NewSyncJobRepository(db),
		events:   repository.NewSyncJobItemRepository(db),
		tokens:   repository.NewTokenRepository(db),
		contacts: repository.NewContactRepository(db),
	}

	peopleClient := people.NewClient(people.Config{
		ClientID:          cfg.GoogleClientID,
		ClientSecret:      cfg.GoogleClientSecret,
		RequestsPerMinute: cfg.RequestsPerMinute,
	}, logger.Named("people"))

	tokenManager := service.NewTokenManager(a.tokens, peopleClient, cfg.TokenExpiryBuffer, logger.Named("tokens"))
	reconciler := service.NewContactReconciler(a.contacts, logger.Named("reconciler"))

	a.processor = service.NewSyncProcessor(a.jobs, a.events, tokenManager, peopleClient, reconciler,
		service.ProcessorConfig{
			MaxPagesPerTick: cfg.MaxPagesPerTick,
			JobLease:        cfg.JobLease,
			DefaultPageSize: cfg.PageSize,
		}, logger.Named("worker"))
	a.control = service.NewJobControl(a.jobs, a.events, a.tokens, cfg.PageSize, logger.Named("jobs"))

	return a, nil
}

func (a *app) Close() {
	_ = a.logger.Sync()
	if err := database.Close(a.db); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close database: %v\n", err)
	}
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

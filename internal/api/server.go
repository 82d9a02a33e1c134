package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
	"github.com/nowpools/keepintouchtext-sub000/internal/service"
)

// UserIDHeader carries the caller identity set by the upstream gateway
const UserIDHeader = "X-User-ID"

const userIDKey = "user_id"

// JobService is the job control surface the handlers expose
type JobService interface {
	StartSync(ctx context.Context, userID string, params service.StartParams) (*models.SyncJob, error)
	CancelSync(ctx context.Context, userID, jobID string) (*models.SyncJob, error)
	GetStatus(ctx context.Context, userID, jobID string) (*service.StatusView, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]service.StatusView, error)
	ListEvents(ctx context.Context, userID, jobID string, limit int) ([]models.SyncJobItem, error)
}

// HealthChecker is probed by /healthz
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

type Server struct {
	engine *gin.Engine
	jobs   JobService
	health HealthChecker
	logger *zap.Logger
}

func New(jobs JobService, health HealthChecker, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine: gin.New(),
		jobs:   jobs,
		health: health,
		logger: logger,
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)

	sync := s.engine.Group("/sync", requireUser())
	sync.POST("/start", s.handleStart)
	sync.POST("/cancel", s.handleCancel)
	sync.GET("/status", s.handleStatus)
	sync.POST("/status", s.handleStatus)
	sync.GET("/jobs", s.handleListJobs)
	sync.GET("/events", s.handleListEvents)

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody("not found"))
	})
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("HTTP server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("user_id", c.GetString(userIDKey)),
			zap.Duration("latency", time.Since(start)))
	}
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserIDHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("missing "+UserIDHeader+" header"))
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/config"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service"
	"github.com/ifuryst/autoreel/internal/service/pipeline"
	"github.com/ifuryst/autoreel/internal/store"
)

type Server struct {
	Config *config.Config
	App    *service.App
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server
}

func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	app, err := service.NewApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(cfg, app, logger), nil
}

// New builds the HTTP surface around an already wired app.
func New(cfg *config.Config, app *service.App, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)

	srv := &Server{
		Config: cfg,
		App:    app,
		Router: gin.New(),
		Logger: logger.Named("http"),
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	s.Router.Use(gin.Recovery())

	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))

	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+service.AdminOTPHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	api := s.Router.Group("/api/v1")
	api.Use(s.App.Auth.AuthMiddleware())
	{
		automation := api.Group("/automation")
		{
			automation.POST("/run", s.handleRunClock)
			automation.POST("/process", s.handleProcessQueue)
			automation.POST("/sync", s.handleReconcile)
		}

		api.POST("/workflows/:id/run", s.handleRunWorkflow)

		queue := api.Group("/queue")
		{
			queue.GET("", s.handleListQueue)
			queue.GET("/:id", s.handleGetEntry)
			queue.GET("/:id/history", s.handleGetHistory)
			queue.POST("/:id/retry", s.handleRetryEntry)
			queue.DELETE("/:id", s.handleDeleteEntry)
		}

		api.GET("/stats", s.handleStats)
		api.POST("/errors/:id/resolve", s.handleResolveError)
	}
}

func (s *Server) handleRunClock(c *gin.Context) {
	report, err := s.App.Scheduler.RunClock(c.Request.Context())
	if err != nil {
		s.Logger.Error("Clock evaluation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Clock evaluation failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleProcessQueue(c *gin.Context) {
	report, err := s.App.Scheduler.RunWorker(c.Request.Context())
	if err != nil {
		s.Logger.Error("Worker tick failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Worker tick failed"})
		return
	}
	c.JSON(http.StatusAccepted, report)
}

func (s *Server) handleReconcile(c *gin.Context) {
	report, err := s.App.Scheduler.RunReconcile(c.Request.Context())
	if err != nil {
		s.Logger.Error("Reconciliation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleRunWorkflow(c *gin.Context) {
	ctx := c.Request.Context()
	wf, err := s.App.Store.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err, "Failed to load workflow")
		return
	}

	entry, err := s.App.Admission.TryEnqueue(ctx, wf, models.TriggerManual)
	if err != nil {
		s.respondError(c, err, "Failed to enqueue workflow")
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleListQueue(c *gin.Context) {
	filter := store.QueueFilter{
		OwnerID:    c.Query("owner_id"),
		WorkflowID: c.Query("workflow_id"),
		Status:     models.QueueStatus(c.Query("status")),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	entries, err := s.App.Store.ListEntries(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err, "Failed to list queue")
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleGetEntry(c *gin.Context) {
	entry, err := s.App.Store.GetEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err, "Failed to load queue entry")
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleGetHistory(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := s.App.Store.GetEntry(ctx, id); err != nil {
		s.respondError(c, err, "Failed to load queue entry")
		return
	}
	records, err := s.App.Store.ListHistory(ctx, id)
	if err != nil {
		s.respondError(c, err, "Failed to load history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": records})
}

func (s *Server) handleRetryEntry(c *gin.Context) {
	entry, err := s.App.Worker.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err, "Failed to retry queue entry")
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleDeleteEntry(c *gin.Context) {
	if err := s.App.Worker.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err, "Failed to delete queue entry")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStats(c *gin.Context) {
	summary, err := s.App.Monitoring.GetQueueSummary(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "Failed to load stats")
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleResolveError(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid error id"})
		return
	}
	if err := s.App.Monitoring.ResolveError(c.Request.Context(), uint(id)); err != nil {
		s.respondError(c, err, "Failed to resolve error")
		return
	}
	c.Status(http.StatusNoContent)
}

// respondError maps domain errors to status codes. Anything unexpected is
// logged and hidden behind fallback.
func (s *Server) respondError(c *gin.Context, err error, fallback string) {
	var rejected *pipeline.Rejected
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &rejected):
		c.JSON(http.StatusConflict, gin.H{"error": rejected.Reason})
	case errors.Is(err, pipeline.ErrNotRetryable),
		errors.Is(err, pipeline.ErrInFlight),
		errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.Logger.Error(fallback, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.App.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Loops and drivers stop first so no new work starts during drain.
	s.App.Shutdown()

	if s.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.Server.Shutdown(shutdownCtx)
}

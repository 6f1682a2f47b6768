package service

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/autoreel/internal/config"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/generation"
	"github.com/ifuryst/autoreel/internal/service/generation/httpapi"
	"github.com/ifuryst/autoreel/internal/service/generation/veo"
	"github.com/ifuryst/autoreel/internal/service/pipeline"
	"github.com/ifuryst/autoreel/internal/service/publisher"
	"github.com/ifuryst/autoreel/internal/service/publisher/stub"
	"github.com/ifuryst/autoreel/internal/service/publisher/telegram"
	"github.com/ifuryst/autoreel/internal/service/schedule"
	"github.com/ifuryst/autoreel/internal/store"
)

// App holds the wired pipeline components shared by the HTTP server and
// the one-shot CLI.
type App struct {
	DB         *gorm.DB
	Store      *store.Store
	Admission  *pipeline.Admission
	Worker     *pipeline.Worker
	Reconciler *pipeline.Reconciler
	Clock      *schedule.Clock
	Monitoring *MonitoringService
	Scheduler  *Scheduler
	Auth       *AuthService
}

func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	generator, err := NewGenerator(ctx, &cfg.Generation, logger)
	if err != nil {
		return nil, err
	}

	publishers, err := NewPublishers(&cfg.Telegram, generator, logger)
	if err != nil {
		return nil, err
	}

	app := Assemble(cfg, store.New(db), generator, publishers, logger)
	app.DB = db
	return app, nil
}

// Assemble wires the pipeline around an existing store and adapters.
func Assemble(cfg *config.Config, s *store.Store, generator generation.Adapter, publishers *publisher.Manager, logger *zap.Logger) *App {
	settings := pipeline.SettingsFrom(cfg.Pipeline)
	monitoring := NewMonitoringService(s, logger)
	admission := pipeline.NewAdmission(s, cfg.Pipeline, logger)
	worker := pipeline.NewWorker(s, admission, generator, publishers, settings, logger,
		pipeline.WithErrorSink(monitoring))
	reconciler := pipeline.NewReconciler(s, generator, worker, settings, logger,
		pipeline.WithErrorSink(monitoring))
	clock := schedule.NewClock(s, schedule.ProfileEntitlements{Store: s}, admission, cfg.Pipeline.Location(), logger.Named("clock"))

	return &App{
		DB:         s.DB(),
		Store:      s,
		Admission:  admission,
		Worker:     worker,
		Reconciler: reconciler,
		Clock:      clock,
		Monitoring: monitoring,
		Scheduler:  NewScheduler(&cfg.Scheduler, logger, clock, worker, reconciler, monitoring),
		Auth:       NewAuthService(logger, cfg.Auth.TOTPSecret),
	}
}

// Shutdown stops the loops, then cancels and waits for running drivers.
func (a *App) Shutdown() {
	a.Scheduler.Stop()
	a.Worker.Shutdown()
}

// NewGenerator registers every configured generation vendor and routes
// each content kind to its provider.
func NewGenerator(ctx context.Context, cfg *config.GenerationConfig, logger *zap.Logger) (*generation.Router, error) {
	router := generation.NewRouter()

	if cfg.HTTP.BaseURL != "" {
		client := httpapi.NewClient(cfg.HTTP.BaseURL, cfg.HTTP.APIKey,
			httpapi.WithHTTPClient(&http.Client{Timeout: config.Duration(cfg.HTTP.Timeout)}),
			httpapi.WithRateLimit(cfg.HTTP.RateLimit),
			httpapi.WithModel(cfg.HTTP.Model),
			httpapi.WithLogger(logger.Named("httpapi")))
		if err := router.Register(client); err != nil {
			return nil, err
		}
	}

	if cfg.Veo.APIKey != "" {
		adapter, err := veo.New(ctx, cfg.Veo.APIKey, cfg.Veo.Model, logger.Named("veo"))
		if err != nil {
			return nil, err
		}
		if err := router.Register(adapter); err != nil {
			return nil, err
		}
	}

	routes := map[models.ContentKind]string{
		models.ContentVideo: cfg.VideoProvider,
		models.ContentImage: cfg.ImageProvider,
	}
	for kind, provider := range routes {
		if err := router.Route(kind, provider); err != nil {
			logger.Warn("Generation provider not configured, runs of this kind will fail",
				zap.String("kind", string(kind)),
				zap.String("provider", provider),
				zap.Error(err))
		}
	}
	return router, nil
}

// NewPublishers registers Telegram and the stubbed platforms. Assets the
// opener handles are uploaded to Telegram rather than linked.
func NewPublishers(cfg *config.TelegramConfig, opener generation.AssetOpener, logger *zap.Logger) (*publisher.Manager, error) {
	manager := publisher.NewPublishManager(logger.Named("publisher"))

	tg := telegram.NewTelegramPublisher(logger.Named("telegram"),
		telegram.WithAPIBase(cfg.APIBase),
		telegram.WithBotToken(cfg.BotToken),
		telegram.WithTimeout(config.Duration(cfg.Timeout)),
		telegram.WithRateLimit(cfg.RateLimit),
		telegram.WithAssetOpener(opener))
	if err := manager.RegisterPublisher(tg); err != nil {
		return nil, err
	}
	if err := stub.RegisterAll(manager, logger.Named("stub")); err != nil {
		return nil, err
	}
	return manager, nil
}

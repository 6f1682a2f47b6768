package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/config"
	"github.com/ifuryst/autoreel/internal/service/pipeline"
	"github.com/ifuryst/autoreel/internal/service/schedule"
)

// Scheduler runs the clock, worker, reconciler and cleanup loops on cron
// specs. Every loop can also be triggered on demand.
type Scheduler struct {
	config     *config.SchedulerConfig
	logger     *zap.Logger
	clock      *schedule.Clock
	worker     *pipeline.Worker
	reconciler *pipeline.Reconciler
	monitoring *MonitoringService
	cron       *cron.Cron
	now        func() time.Time
}

func NewScheduler(
	cfg *config.SchedulerConfig,
	logger *zap.Logger,
	clock *schedule.Clock,
	worker *pipeline.Worker,
	reconciler *pipeline.Reconciler,
	monitoring *MonitoringService,
) *Scheduler {
	logger = logger.Named("scheduler")
	return &Scheduler{
		config:     cfg,
		logger:     logger,
		clock:      clock,
		worker:     worker,
		reconciler: reconciler,
		monitoring: monitoring,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger.Sugar()}),
			cron.SkipIfStillRunning(cronLogger{logger.Sugar()}),
		)),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler is disabled")
		return nil
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"clock", s.config.ClockSpec, func(ctx context.Context) error { _, err := s.RunClock(ctx); return err }},
		{"worker", s.config.WorkerSpec, func(ctx context.Context) error { _, err := s.RunWorker(ctx); return err }},
		{"reconciler", s.config.ReconcileSpec, func(ctx context.Context) error { _, err := s.RunReconcile(ctx); return err }},
		{"cleanup", s.config.CleanupSpec, func(ctx context.Context) error { _, err := s.RunCleanup(ctx); return err }},
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() { s.runJob(ctx, job.name, job.run) }); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", job.name, job.spec, err)
		}
		s.logger.Info("Scheduled loop", zap.String("loop", job.name), zap.String("spec", job.spec))
	}

	s.cron.Start()
	s.logger.Info("Starting scheduler")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop halts the cron loops and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler shutdown completed")
}

func (s *Scheduler) runJob(ctx context.Context, name string, run func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := run(ctx); err != nil {
		s.logger.Error("Loop failed",
			zap.String("loop", name),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)))
		return
	}
	s.logger.Debug("Loop completed",
		zap.String("loop", name),
		zap.Duration("duration", time.Since(start)))
}

// RunClock evaluates the schedule clock now.
func (s *Scheduler) RunClock(ctx context.Context) (*schedule.Report, error) {
	return s.clock.Evaluate(ctx, s.now())
}

// RunWorker performs one worker tick. Drivers keep running after it returns.
func (s *Scheduler) RunWorker(ctx context.Context) (*pipeline.TickReport, error) {
	return s.worker.Tick(ctx)
}

// RunReconcile performs one reconciliation pass.
func (s *Scheduler) RunReconcile(ctx context.Context) (*pipeline.ReconcileReport, error) {
	return s.reconciler.Reconcile(ctx)
}

// RunCleanup drops resolved error logs past the retention window.
func (s *Scheduler) RunCleanup(ctx context.Context) (int64, error) {
	removed, err := s.monitoring.CleanupOldData(ctx, s.config.ErrorLogRetention)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("Old error logs removed", zap.Int64("count", removed))
	}
	return removed, nil
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/store"
)

const (
	LevelError = "ERROR"
	LevelWarn  = "WARN"
)

// MonitoringService keeps the operator error log and builds the queue
// summary shown by the stats endpoint.
type MonitoringService struct {
	db     *gorm.DB
	store  *store.Store
	logger *zap.Logger
}

func NewMonitoringService(s *store.Store, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{
		db:     s.DB(),
		store:  s,
		logger: logger.Named("monitoring"),
	}
}

// RecordError stores one error log row.
func (m *MonitoringService) RecordError(ctx context.Context, level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}

	for _, option := range options {
		option(errorLog)
	}

	return m.db.WithContext(ctx).Create(errorLog).Error
}

type ErrorLogOption func(*models.ErrorLog)

func WithPlatform(platformName string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.Platform = platformName
	}
}

func WithWorkflow(workflowID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.WorkflowID = &workflowID
	}
}

func WithQueueEntry(entryID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.QueueEntryID = &entryID
	}
}

// WithContext attaches extra fields as JSON.
func WithContext(context map[string]any) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// RecordFailure logs a failed queue entry. Transient failures are warnings
// since they will be retried.
func (m *MonitoringService) RecordFailure(ctx context.Context, source string, entry *models.QueueEntry, err error) {
	kind := failure.KindOf(err)
	level := LevelError
	if kind == failure.Transient {
		level = LevelWarn
	}

	options := []ErrorLogOption{
		WithWorkflow(entry.WorkflowID),
		WithQueueEntry(entry.ID),
		WithContext(map[string]any{
			"kind":        kind,
			"owner_id":    entry.OwnerID,
			"retry_count": entry.RetryCount,
			"platforms":   []string(entry.Platforms),
		}),
	}
	if len(entry.Platforms) == 1 {
		options = append(options, WithPlatform(entry.Platforms[0]))
	}

	title := fmt.Sprintf("Queue entry failed (%s)", kind)
	if recordErr := m.RecordError(ctx, level, source, title, failure.Message(err), options...); recordErr != nil {
		m.logger.Error("Failed to record error log",
			zap.String("entry_id", entry.ID),
			zap.Error(recordErr))
	}
}

// GetRecentErrors returns the newest error log rows.
func (m *MonitoringService) GetRecentErrors(ctx context.Context, limit int) ([]models.ErrorLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var errors []models.ErrorLog
	err := m.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&errors).Error
	return errors, err
}

// ResolveError marks an error log row as handled.
func (m *MonitoringService) ResolveError(ctx context.Context, id uint) error {
	now := time.Now().UTC()
	res := m.db.WithContext(ctx).Model(&models.ErrorLog{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]any{"resolved": true, "resolved_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetQueueSummary counts entries per status and collects recent errors.
func (m *MonitoringService) GetQueueSummary(ctx context.Context) (*models.QueueSummary, error) {
	counts, err := m.store.StatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue entries: %w", err)
	}

	lastCompleted, err := m.store.LastCompletedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last completion: %w", err)
	}

	var unresolved int64
	if err := m.db.WithContext(ctx).Model(&models.ErrorLog{}).Where("resolved = ?", false).Count(&unresolved).Error; err != nil {
		return nil, fmt.Errorf("failed to count unresolved errors: %w", err)
	}

	recent, err := m.GetRecentErrors(ctx, 10)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent errors: %w", err)
	}

	return &models.QueueSummary{
		Counts:           counts,
		UnresolvedErrors: unresolved,
		LastCompletedAt:  lastCompleted,
		RecentErrors:     recent,
	}, nil
}

// CleanupOldData deletes resolved error logs older than daysToKeep.
func (m *MonitoringService) CleanupOldData(ctx context.Context, daysToKeep int) (int64, error) {
	cutoffDate := time.Now().UTC().AddDate(0, 0, -daysToKeep)

	res := m.db.WithContext(ctx).
		Where("created_at < ? AND resolved = ?", cutoffDate, true).
		Delete(&models.ErrorLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cleanup resolved errors: %w", res.Error)
	}
	return res.RowsAffected, nil
}

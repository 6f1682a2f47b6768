package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ifuryst/autoreel/internal/models"
)

// QueueFilter narrows ListEntries. Zero fields are ignored.
type QueueFilter struct {
	OwnerID    string
	WorkflowID string
	Status     models.QueueStatus
	Limit      int
}

func (s *Store) CreateEntry(ctx context.Context, entry *models.QueueEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create queue entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error; err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (s *Store) ListEntries(ctx context.Context, filter QueueFilter) ([]models.QueueEntry, error) {
	query := s.db.WithContext(ctx).Model(&models.QueueEntry{})
	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.WorkflowID != "" {
		query = query.Where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []models.QueueEntry
	err := query.Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// CountActiveForWorkflow counts entries that block a new run of the workflow.
func (s *Store) CountActiveForWorkflow(ctx context.Context, workflowID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("workflow_id = ? AND status IN ?", workflowID, models.ActiveStatuses).
		Count(&n).Error
	return n, err
}

// CountOwnerRunning counts the owner's entries that hold a concurrency slot.
func (s *Store) CountOwnerRunning(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("owner_id = ? AND status IN ?", ownerID, models.CeilingStatuses).
		Count(&n).Error
	return n, err
}

// LoadRunnable returns the oldest entries the worker can advance, skipping
// owners that already hold ownerLimit slots so their backlog cannot crowd
// other owners out of the batch.
func (s *Store) LoadRunnable(ctx context.Context, limit, ownerLimit int) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Scopes(ownerBelow(ownerLimit)).
		Where("status IN ?", []models.QueueStatus{models.StatusPending, models.StatusReady}).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// ListRetryable returns failed entries with a transient error and retries left.
func (s *Store) ListRetryable(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Where("status = ? AND error_kind = ? AND retry_count < max_retries", models.StatusFailed, "transient").
		Order("updated_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// ListStale returns generating/posting entries untouched since before.
func (s *Store) ListStale(ctx context.Context, before time.Time) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.QueueStatus{models.StatusGenerating, models.StatusPosting}, before).
		Order("updated_at ASC").
		Find(&entries).Error
	return entries, err
}

// Transition moves an entry from one status to another if it is still in
// from. fields are written in the same statement.
func (s *Store) Transition(ctx context.Context, id string, from, to models.QueueStatus, fields map[string]any) (bool, error) {
	return s.transition(ctx, id, from, to, fields)
}

func (s *Store) transition(ctx context.Context, id string, from, to models.QueueStatus, fields map[string]any, scopes ...func(*gorm.DB) *gorm.DB) (bool, error) {
	if !models.CanTransition(from, to) {
		return false, fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Scopes(scopes...).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to move entry %s to %s: %w", id, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ownerBelow guards a transition on the owner holding fewer than limit slots.
func ownerBelow(limit int) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"(SELECT COUNT(*) FROM queue_entries q WHERE q.owner_id = queue_entries.owner_id AND q.status IN ?) < ?",
			models.CeilingStatuses, limit)
	}
}

// workflowIdle guards a transition on no sibling entry being in flight.
func workflowIdle(db *gorm.DB) *gorm.DB {
	return noSiblingIn(models.InFlightStatuses)(db)
}

// noSiblingIn guards a transition on no other entry of the same workflow
// being in one of statuses.
func noSiblingIn(statuses []models.QueueStatus) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"NOT EXISTS (SELECT 1 FROM queue_entries q WHERE q.workflow_id = queue_entries.workflow_id AND q.id <> queue_entries.id AND q.status IN ?)",
			statuses)
	}
}

// ClaimGeneration atomically takes a pending entry. It loses when another
// worker got there first, when the owner is at its ceiling, or when another
// entry of the same workflow is in flight.
func (s *Store) ClaimGeneration(ctx context.Context, id string, ownerLimit int, now time.Time) (bool, error) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	return s.transition(ctx, id, models.StatusPending, models.StatusGenerating, map[string]any{
		"generation_started_at": now,
		"polled_at":             now,
		"error_message":         nil,
		"error_kind":            "",
	}, ownerBelow(ownerLimit), workflowIdle)
}

// SetJobHandle stores the vendor handle of a generating entry.
func (s *Store) SetJobHandle(ctx context.Context, id, handle string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("id = ? AND status = ?", id, models.StatusGenerating).
		Update("job_handle", handle)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordProgress stores a poll observation. The percentage never decreases.
func (s *Store) RecordProgress(ctx context.Context, id string, percentage int, polledAt time.Time) error {
	if percentage > 100 {
		percentage = 100
	}
	return s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Where("id = ? AND status = ?", id, models.StatusGenerating).
		Updates(map[string]any{
			"status_percentage": gorm.Expr("CASE WHEN status_percentage < ? THEN ? ELSE status_percentage END", percentage, percentage),
			"polled_at":         polledAt,
		}).Error
}

// MarkReady stores the asset URL and discards the job handle.
func (s *Store) MarkReady(ctx context.Context, id, contentURL string, now time.Time) (bool, error) {
	return s.transition(ctx, id, models.StatusGenerating, models.StatusReady, map[string]any{
		"content_url":         contentURL,
		"job_handle":          nil,
		"status_percentage":   100,
		"generation_ended_at": now,
	})
}

// BeginPublish takes a ready entry into posting, bounded by the owner ceiling.
func (s *Store) BeginPublish(ctx context.Context, id string, ownerLimit int, now time.Time) (bool, error) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	return s.transition(ctx, id, models.StatusReady, models.StatusPosting, map[string]any{
		"publish_started_at": now,
	}, ownerBelow(ownerLimit))
}

func (s *Store) MarkCompleted(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.transition(ctx, id, models.StatusPosting, models.StatusCompleted, map[string]any{
		"completed_at": now,
	})
}

// MarkFailed moves a generating or posting entry to failed. When exhaust is
// set the retry count jumps to the bound so no automatic retry happens.
func (s *Store) MarkFailed(ctx context.Context, id string, from models.QueueStatus, kind, message string, exhaust bool, now time.Time) (bool, error) {
	fields := map[string]any{
		"error_message": message,
		"error_kind":    kind,
		"job_handle":    nil,
	}
	if from == models.StatusGenerating {
		fields["generation_ended_at"] = now
	}
	if exhaust {
		fields["retry_count"] = gorm.Expr("max_retries")
	}
	return s.transition(ctx, id, from, models.StatusFailed, fields)
}

// Requeue moves a failed entry back to pending and counts the retry. A
// previously generated asset is kept so the next attempt can skip generation.
// It loses while another entry of the workflow is active, keeping one active
// entry per workflow.
func (s *Store) Requeue(ctx context.Context, id string) (bool, error) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	percentage := gorm.Expr("CASE WHEN content_url IS NULL THEN 0 ELSE status_percentage END")
	return s.transition(ctx, id, models.StatusFailed, models.StatusPending, map[string]any{
		"retry_count":       gorm.Expr("retry_count + 1"),
		"error_message":     nil,
		"error_kind":        "",
		"job_handle":        nil,
		"status_percentage": percentage,
	}, func(db *gorm.DB) *gorm.DB {
		return db.Where("retry_count < max_retries")
	}, noSiblingIn(models.ActiveStatuses))
}

// DeleteEntry removes an entry that is not in flight.
func (s *Store) DeleteEntry(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status NOT IN ?", id, models.InFlightStatuses).
		Delete(&models.QueueEntry{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// StatusCounts returns the number of entries per status.
func (s *Store) StatusCounts(ctx context.Context) (map[models.QueueStatus]int64, error) {
	var rows []struct {
		Status models.QueueStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.QueueStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func (s *Store) LastCompletedAt(ctx context.Context) (*time.Time, error) {
	var entry models.QueueEntry
	err := s.db.WithContext(ctx).
		Where("status = ? AND completed_at IS NOT NULL", models.StatusCompleted).
		Order("completed_at DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entry.CompletedAt, nil
}

package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/ifuryst/autoreel/internal/models"
)

func (s *Store) GetSchedule(ctx context.Context, workflowID string) (*models.Schedule, error) {
	var sch models.Schedule
	if err := s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).First(&sch).Error; err != nil {
		return nil, notFound(err)
	}
	return &sch, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	var schedules []models.Schedule
	err := s.db.WithContext(ctx).Find(&schedules).Error
	return schedules, err
}

// UpsertSchedule writes the cadence snapshot and next due instant.
func (s *Store) UpsertSchedule(ctx context.Context, sch *models.Schedule) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"cadence", "hour_of_day", "minute_of_hour", "next_run_at", "updated_at"}),
	}).Create(sch).Error
}

func (s *Store) DeleteSchedule(ctx context.Context, workflowID string) error {
	return s.db.WithContext(ctx).Where("workflow_id = ?", workflowID).Delete(&models.Schedule{}).Error
}

// DueSchedules returns schedules whose next run is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	var schedules []models.Schedule
	err := s.db.WithContext(ctx).
		Where("next_run_at <= ?", now.UTC()).
		Order("next_run_at ASC").
		Find(&schedules).Error
	return schedules, err
}

// AdvanceSchedule moves next_run_at from prev to next. It only succeeds when
// the row still holds prev, so two evaluations of the same slot cannot both win.
func (s *Store) AdvanceSchedule(ctx context.Context, workflowID string, prev, next, ranAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Schedule{}).
		Where("workflow_id = ? AND next_run_at = ?", workflowID, prev.UTC()).
		Updates(map[string]any{
			"next_run_at": next.UTC(),
			"last_run_at": ranAt.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

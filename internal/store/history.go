package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/ifuryst/autoreel/internal/models"
)

// AppendHistory inserts the outcome of an attempt. A second record for the
// same (entry, attempt) is ignored and reported as created == false.
func (s *Store) AppendHistory(ctx context.Context, h *models.History) (bool, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(h)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetHistory returns the record of one attempt, or ErrNotFound.
func (s *Store) GetHistory(ctx context.Context, entryID string, attempt int) (*models.History, error) {
	var h models.History
	err := s.db.WithContext(ctx).
		Where("queue_entry_id = ? AND attempt = ?", entryID, attempt).
		First(&h).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func (s *Store) ListHistory(ctx context.Context, entryID string) ([]models.History, error) {
	var records []models.History
	err := s.db.WithContext(ctx).
		Where("queue_entry_id = ?", entryID).
		Order("attempt ASC").
		Find(&records).Error
	return records, err
}

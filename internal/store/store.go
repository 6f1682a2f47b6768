// Package store persists workflows, schedules, queue entries and history.
// Every queue mutation is a conditional UPDATE guarded on the current status,
// so a caller that loses a race sees ok == false instead of clobbering state.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/ifuryst/autoreel/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a guarded update matched no row.
	ErrConflict = errors.New("entry state changed concurrently")
)

type Store struct {
	db *gorm.DB

	// slotMu serializes the statements that take a concurrency slot or make
	// an entry active. Their guards count other rows, which a row lock on
	// the updated entry does not protect under READ COMMITTED.
	slotMu sync.Mutex
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Exclusive runs fn while no slot-taking statement can run in this
// process. fn must not call ClaimGeneration, BeginPublish or Requeue.
func (s *Store) Exclusive(fn func() error) error {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	return fn()
}

// DB exposes the handle for callers that need raw queries, such as monitoring.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var wf models.Workflow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&wf).Error; err != nil {
		return nil, notFound(err)
	}
	return &wf, nil
}

func (s *Store) ListActiveWorkflows(ctx context.Context) ([]models.Workflow, error) {
	var workflows []models.Workflow
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_at ASC").
		Find(&workflows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}
	return workflows, nil
}

// SaveWorkflow inserts or fully replaces a workflow row.
func (s *Store) SaveWorkflow(ctx context.Context, wf *models.Workflow) error {
	return s.db.WithContext(ctx).Save(wf).Error
}

// DeleteWorkflow removes the workflow and its schedule. Queue entries and
// history are left alone.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("workflow_id = ?", id).Delete(&models.Schedule{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Workflow{}).Error
	})
}

func (s *Store) GetProfile(ctx context.Context, ownerID string) (*models.Profile, error) {
	var p models.Profile
	if err := s.db.WithContext(ctx).Where("id = ?", ownerID).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) SaveProfile(ctx context.Context, p *models.Profile) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// ListAccounts returns the enabled platform accounts of an owner.
func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]models.PlatformAccount, error) {
	var accounts []models.PlatformAccount
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND enabled = ?", ownerID, true).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list platform accounts: %w", err)
	}
	return accounts, nil
}

func (s *Store) SaveAccount(ctx context.Context, account *models.PlatformAccount) error {
	return s.db.WithContext(ctx).Save(account).Error
}

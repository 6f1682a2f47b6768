// Package storetest opens throwaway SQLite-backed stores for tests.
package storetest

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/store"
)

// New returns a migrated store backed by a private in-memory database.
func New(t testing.TB) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, store.AutoMigrate(db))
	return store.New(db)
}

// Workflow builds an active daily video workflow with sane defaults.
func Workflow(ownerID string) *models.Workflow {
	return &models.Workflow{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Name:           "Daily clip",
		Active:         true,
		ContentKind:    models.ContentVideo,
		PromptTemplate: "A calm sunrise over {{place}}",
		Platforms:      []string{"telegram"},
		Cadence:        models.CadenceDaily,
		HourOfDay:      9,
		Parameters:     map[string]any{"place": "the harbor"},
	}
}

// Entry builds a pending queue entry for wf.
func Entry(wf *models.Workflow) *models.QueueEntry {
	return &models.QueueEntry{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		OwnerID:     wf.OwnerID,
		ContentKind: wf.ContentKind,
		Prompt:      "A calm sunrise over the harbor",
		Caption:     "Good morning",
		Platforms:   wf.Platforms,
		Status:      models.StatusPending,
		MaxRetries:  3,
		Trigger:     models.TriggerSchedule,
	}
}

// Backdate rewrites updated_at without triggering auto timestamps.
func Backdate(t testing.TB, s *store.Store, entryID string, at time.Time) {
	t.Helper()
	err := s.DB().Model(&models.QueueEntry{}).
		Where("id = ?", entryID).
		UpdateColumn("updated_at", at.UTC()).Error
	require.NoError(t, err)
}

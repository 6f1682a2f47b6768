package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/config"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/pipeline"
	"github.com/ifuryst/autoreel/internal/store"
	"github.com/ifuryst/autoreel/internal/store/storetest"
)

type countingEnqueuer struct {
	mu     sync.Mutex
	calls  []string
	reject string
}

func (e *countingEnqueuer) TryEnqueue(ctx context.Context, wf *models.Workflow, trigger string) (*models.QueueEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reject != "" {
		return nil, &pipeline.Rejected{Reason: e.reject}
	}
	e.calls = append(e.calls, wf.ID)
	return &models.QueueEntry{ID: uuid.NewString(), WorkflowID: wf.ID}, nil
}

type allowAll struct{}

func (allowAll) Active(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	return true, nil
}

func at(day, hour, minute int) time.Time {
	return time.Date(2026, 6, day, hour, minute, 0, 0, time.UTC)
}

func seedWorkflow(t *testing.T, s *store.Store, ownerID string) *models.Workflow {
	t.Helper()
	wf := storetest.Workflow(ownerID)
	require.NoError(t, s.SaveWorkflow(context.Background(), wf))
	return wf
}

func TestDueAt0900EvaluatedAt0901(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "owner-1")
	require.NoError(t, s.SaveProfile(ctx, &models.Profile{ID: "owner-1", IsApproved: true}))

	admission := pipeline.NewAdmission(s, config.PipelineConfig{Timezone: "UTC", OwnerConcurrency: 4, MaxRetries: 3}, zap.NewNop())
	clock := NewClock(s, ProfileEntitlements{Store: s}, admission, time.UTC, zap.NewNop())

	synced, err := clock.SyncSchedules(ctx, at(10, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, synced)

	report, err := clock.Evaluate(ctx, at(10, 9, 1))
	require.NoError(t, err)
	require.Len(t, report.Enqueued, 1)

	entry, err := s.GetEntry(ctx, report.Enqueued[0])
	require.NoError(t, err)
	assert.Equal(t, wf.ID, entry.WorkflowID)
	assert.Equal(t, models.TriggerSchedule, entry.Trigger)

	sch, err := s.GetSchedule(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, at(11, 9, 0).Equal(sch.NextRunAt), "next run %s", sch.NextRunAt)
	require.NotNil(t, sch.LastRunAt)
}

func TestDailyWorkflowFiresOncePerDay(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedWorkflow(t, s, "owner-1")
	enqueuer := &countingEnqueuer{}
	clock := NewClock(s, allowAll{}, enqueuer, time.UTC, zap.NewNop())

	_, err := clock.SyncSchedules(ctx, at(10, 0, 0))
	require.NoError(t, err)

	for _, now := range []time.Time{
		at(10, 8, 59), at(10, 9, 0), at(10, 9, 0), at(10, 9, 1),
		at(10, 13, 0), at(10, 23, 59), at(11, 8, 59),
	} {
		_, err := clock.Evaluate(ctx, now)
		require.NoError(t, err)
	}
	assert.Len(t, enqueuer.calls, 1)

	_, err = clock.Evaluate(ctx, at(11, 9, 0))
	require.NoError(t, err)
	assert.Len(t, enqueuer.calls, 2)
}

func TestEvaluateIsIdempotentForSameInstant(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	seedWorkflow(t, s, "owner-1")
	enqueuer := &countingEnqueuer{}
	clock := NewClock(s, allowAll{}, enqueuer, time.UTC, zap.NewNop())

	_, err := clock.SyncSchedules(ctx, at(10, 8, 0))
	require.NoError(t, err)

	first, err := clock.Evaluate(ctx, at(10, 9, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Dispatched)

	second, err := clock.Evaluate(ctx, at(10, 9, 5))
	require.NoError(t, err)
	assert.Zero(t, second.Due)
	assert.Zero(t, second.Dispatched)
	assert.Len(t, enqueuer.calls, 1)
}

func TestUnentitledOwnerIsSkippedUntilEntitled(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "owner-1")
	enqueuer := &countingEnqueuer{}
	clock := NewClock(s, ProfileEntitlements{Store: s}, enqueuer, time.UTC, zap.NewNop())

	_, err := clock.SyncSchedules(ctx, at(10, 8, 0))
	require.NoError(t, err)

	report, err := clock.Evaluate(ctx, at(10, 9, 1))
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Empty(t, enqueuer.calls)

	// The subscription ends between two evaluations; only the instant passed
	// to Evaluate decides.
	endsAt := at(10, 9, 3)
	require.NoError(t, s.SaveProfile(ctx, &models.Profile{ID: "owner-1", IsApproved: true, SubscriptionEndsAt: &endsAt}))
	report, err = clock.Evaluate(ctx, at(10, 9, 5))
	require.NoError(t, err)
	assert.Zero(t, report.Due)

	endsAt = at(10, 9, 30)
	require.NoError(t, s.SaveProfile(ctx, &models.Profile{ID: "owner-1", IsApproved: true, SubscriptionEndsAt: &endsAt}))
	report, err = clock.Evaluate(ctx, at(10, 9, 6))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, []string{wf.ID}, enqueuer.calls)
}

func TestRejectedRunIsReported(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "owner-1")
	enqueuer := &countingEnqueuer{reject: "workflow already has an active run"}
	clock := NewClock(s, allowAll{}, enqueuer, time.UTC, zap.NewNop())

	_, err := clock.SyncSchedules(ctx, at(10, 8, 0))
	require.NoError(t, err)

	report, err := clock.Evaluate(ctx, at(10, 9, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dispatched)
	assert.Equal(t, "workflow already has an active run", report.Rejected[wf.ID])
	assert.Zero(t, report.Failed)

	sch, err := s.GetSchedule(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, at(11, 9, 0).Equal(sch.NextRunAt), "a rejected slot is not replayed")
}

func TestSyncSchedulesFollowsWorkflowChanges(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "owner-1")
	clock := NewClock(s, allowAll{}, &countingEnqueuer{}, time.UTC, zap.NewNop())

	_, err := clock.SyncSchedules(ctx, at(10, 8, 0))
	require.NoError(t, err)

	synced, err := clock.SyncSchedules(ctx, at(10, 8, 5))
	require.NoError(t, err)
	assert.Zero(t, synced, "unchanged workflows keep their schedule")

	wf.Cadence = models.CadenceHourly
	wf.MinuteOfHour = 45
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	synced, err = clock.SyncSchedules(ctx, at(10, 8, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	sch, err := s.GetSchedule(ctx, wf.ID)
	require.NoError(t, err)
	assert.True(t, at(10, 8, 45).Equal(sch.NextRunAt))

	wf.Active = false
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	_, err = clock.SyncSchedules(ctx, at(10, 8, 20))
	require.NoError(t, err)
	_, err = s.GetSchedule(ctx, wf.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

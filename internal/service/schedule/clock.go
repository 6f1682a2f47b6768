// Package schedule decides when workflows are due and advances their next
// run before handing them to the queue.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/pipeline"
	"github.com/ifuryst/autoreel/internal/store"
)

// Entitlements answers whether an owner may run automation at now.
type Entitlements interface {
	Active(ctx context.Context, ownerID string, now time.Time) (bool, error)
}

// Enqueuer turns a dispatched workflow into a queue entry.
type Enqueuer interface {
	TryEnqueue(ctx context.Context, wf *models.Workflow, trigger string) (*models.QueueEntry, error)
}

// ProfileEntitlements reads approval and subscription state from profiles.
// Owners without a profile row are not entitled.
type ProfileEntitlements struct {
	Store *store.Store
}

func (p ProfileEntitlements) Active(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	profile, err := p.Store.GetProfile(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return profile.Entitled(now), nil
}

type Clock struct {
	store        *store.Store
	entitlements Entitlements
	enqueuer     Enqueuer
	loc          *time.Location
	logger       *zap.Logger
}

func NewClock(s *store.Store, entitlements Entitlements, enqueuer Enqueuer, loc *time.Location, logger *zap.Logger) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{
		store:        s,
		entitlements: entitlements,
		enqueuer:     enqueuer,
		loc:          loc,
		logger:       logger,
	}
}

// Report summarizes one evaluation.
type Report struct {
	Synced     int               `json:"synced"`
	Due        int               `json:"due"`
	Dispatched int               `json:"dispatched"`
	Enqueued   []string          `json:"enqueued"`
	Rejected   map[string]string `json:"rejected"`
	Failed     int               `json:"failed"`
}

// SyncSchedules creates missing schedule rows for active workflows,
// recomputes rows whose cadence changed, and drops rows of workflows that
// are no longer active.
func (c *Clock) SyncSchedules(ctx context.Context, now time.Time) (int, error) {
	workflows, err := c.store.ListActiveWorkflows(ctx)
	if err != nil {
		return 0, err
	}
	schedules, err := c.store.ListSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list schedules: %w", err)
	}

	existing := make(map[string]models.Schedule, len(schedules))
	for _, sch := range schedules {
		existing[sch.WorkflowID] = sch
	}

	changed := 0
	active := make(map[string]struct{}, len(workflows))
	for i := range workflows {
		wf := &workflows[i]
		active[wf.ID] = struct{}{}
		if sch, ok := existing[wf.ID]; ok && sch.Matches(wf) {
			continue
		}
		sch := &models.Schedule{
			WorkflowID:   wf.ID,
			Cadence:      wf.Cadence,
			HourOfDay:    wf.HourOfDay,
			MinuteOfHour: wf.MinuteOfHour,
			NextRunAt:    FirstRun(wf, now, c.loc),
		}
		if err := c.store.UpsertSchedule(ctx, sch); err != nil {
			return changed, fmt.Errorf("failed to save schedule for %s: %w", wf.ID, err)
		}
		changed++
		c.logger.Info("Schedule computed",
			zap.String("workflow_id", wf.ID),
			zap.String("cadence", string(wf.Cadence)),
			zap.Time("next_run_at", sch.NextRunAt))
	}

	for id := range existing {
		if _, ok := active[id]; ok {
			continue
		}
		if err := c.store.DeleteSchedule(ctx, id); err != nil {
			return changed, fmt.Errorf("failed to drop schedule for %s: %w", id, err)
		}
		changed++
	}

	return changed, nil
}

// DueWorkflows returns active workflows whose next run is at or before now
// and whose owner is entitled.
func (c *Clock) DueWorkflows(ctx context.Context, now time.Time) ([]models.Workflow, error) {
	schedules, err := c.store.DueSchedules(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load due schedules: %w", err)
	}

	var due []models.Workflow
	for _, sch := range schedules {
		wf, err := c.store.GetWorkflow(ctx, sch.WorkflowID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !wf.Active {
			continue
		}
		entitled, err := c.entitlements.Active(ctx, wf.OwnerID, now)
		if err != nil {
			return nil, fmt.Errorf("entitlement check for %s: %w", wf.OwnerID, err)
		}
		if !entitled {
			c.logger.Debug("Owner not entitled, skipping workflow",
				zap.String("workflow_id", wf.ID),
				zap.String("owner_id", wf.OwnerID))
			continue
		}
		due = append(due, *wf)
	}
	return due, nil
}

// Dispatch advances the workflow's schedule past now. It returns false when
// the slot is not due or another evaluation already advanced it.
func (c *Clock) Dispatch(ctx context.Context, wf *models.Workflow, now time.Time) (bool, error) {
	sch, err := c.store.GetSchedule(ctx, wf.ID)
	if err != nil {
		return false, err
	}
	if sch.NextRunAt.After(now) {
		return false, nil
	}
	next := Advance(sch, now, c.loc)
	return c.store.AdvanceSchedule(ctx, wf.ID, sch.NextRunAt, next, now)
}

// Evaluate runs one full clock pass: sync, detect due workflows, advance
// their schedules and enqueue them. Running it twice for the same instant
// enqueues nothing the second time.
func (c *Clock) Evaluate(ctx context.Context, now time.Time) (*Report, error) {
	report := &Report{Enqueued: []string{}, Rejected: map[string]string{}}

	synced, err := c.SyncSchedules(ctx, now)
	if err != nil {
		return report, err
	}
	report.Synced = synced

	due, err := c.DueWorkflows(ctx, now)
	if err != nil {
		return report, err
	}
	report.Due = len(due)

	for i := range due {
		wf := &due[i]
		won, err := c.Dispatch(ctx, wf, now)
		if err != nil {
			report.Failed++
			c.logger.Error("Failed to advance schedule", zap.String("workflow_id", wf.ID), zap.Error(err))
			continue
		}
		if !won {
			continue
		}
		report.Dispatched++

		entry, err := c.enqueuer.TryEnqueue(ctx, wf, models.TriggerSchedule)
		var rejected *pipeline.Rejected
		switch {
		case errors.As(err, &rejected):
			report.Rejected[wf.ID] = rejected.Reason
			c.logger.Info("Workflow run rejected",
				zap.String("workflow_id", wf.ID),
				zap.String("reason", rejected.Reason))
		case err != nil:
			report.Failed++
			c.logger.Error("Failed to enqueue workflow", zap.String("workflow_id", wf.ID), zap.Error(err))
		default:
			report.Enqueued = append(report.Enqueued, entry.ID)
		}
	}

	if report.Dispatched > 0 {
		c.logger.Info("Clock evaluation finished",
			zap.Int("due", report.Due),
			zap.Int("dispatched", report.Dispatched),
			zap.Int("enqueued", len(report.Enqueued)),
			zap.Int("rejected", len(report.Rejected)))
	}
	return report, nil
}

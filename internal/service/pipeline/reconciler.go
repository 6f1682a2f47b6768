package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/generation"
	"github.com/ifuryst/autoreel/internal/store"
)

// Driving tells the reconciler which entries a live driver still owns.
type Driving interface {
	IsDriving(id string) bool
}

// Reconciler repairs entries stuck in generating or posting, using the
// history table as the source of truth for finished attempts.
type Reconciler struct {
	store     *store.Store
	generator generation.Adapter
	driving   Driving
	settings  Settings
	sink      ErrorSink
	now       func() time.Time
	logger    *zap.Logger
}

func NewReconciler(s *store.Store, generator generation.Adapter, driving Driving, settings Settings, logger *zap.Logger, opts ...Option) *Reconciler {
	settings.applyDefaults()
	o := buildOptions(opts)
	return &Reconciler{
		store:     s,
		generator: generator,
		driving:   driving,
		settings:  settings,
		sink:      o.sink,
		now:       o.now,
		logger:    logger.Named("reconciler"),
	}
}

const (
	ActionCompleted  = "completed"
	ActionReady      = "ready"
	ActionFailed     = "failed"
	ActionProgressed = "progressed"
	ActionUnchanged  = "unchanged"
)

// ReconcileReport lists what happened to each stale entry.
type ReconcileReport struct {
	Scanned int               `json:"scanned"`
	Skipped int               `json:"skipped"`
	Actions map[string]string `json:"actions"`
	Errors  int               `json:"errors"`
}

// Reconcile inspects stale generating and posting entries once. Running it
// again on the same data changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{Actions: map[string]string{}}

	stale, err := r.store.ListStale(ctx, r.now().Add(-r.settings.StaleAfter))
	if err != nil {
		return report, err
	}

	for i := range stale {
		entry := &stale[i]
		report.Scanned++
		if r.driving != nil && r.driving.IsDriving(entry.ID) {
			report.Skipped++
			continue
		}

		action, err := r.reconcileEntry(ctx, entry)
		if err != nil {
			report.Errors++
			r.logger.Error("Failed to reconcile entry", zap.String("entry_id", entry.ID), zap.Error(err))
			continue
		}
		report.Actions[entry.ID] = action
		if action != ActionUnchanged {
			r.logger.Info("Entry reconciled",
				zap.String("entry_id", entry.ID),
				zap.String("status", string(entry.Status)),
				zap.String("action", action))
		}
	}
	return report, nil
}

func (r *Reconciler) reconcileEntry(ctx context.Context, entry *models.QueueEntry) (string, error) {
	record, err := r.store.GetHistory(ctx, entry.ID, entry.RetryCount)
	switch {
	case err == nil:
		return r.applyHistory(ctx, entry, record)
	case !errors.Is(err, store.ErrNotFound):
		return "", err
	}

	switch entry.Status {
	case models.StatusGenerating:
		if entry.JobHandle == nil || *entry.JobHandle == "" {
			return r.fail(ctx, entry, models.PhaseGeneration,
				failure.Transientf("generation was interrupted before it was submitted"))
		}
		return r.pollOnce(ctx, entry, *entry.JobHandle)
	case models.StatusPosting:
		return r.fail(ctx, entry, models.PhasePublish,
			failure.Transientf("publishing was interrupted, outcome unknown"))
	}
	return ActionUnchanged, nil
}

// applyHistory moves the entry to the state its recorded outcome implies.
func (r *Reconciler) applyHistory(ctx context.Context, entry *models.QueueEntry, record *models.History) (string, error) {
	now := r.now()
	if record.Success {
		if entry.Status != models.StatusPosting {
			return ActionUnchanged, nil
		}
		ok, err := r.store.MarkCompleted(ctx, entry.ID, now)
		if err != nil || !ok {
			return ActionUnchanged, err
		}
		return ActionCompleted, nil
	}

	kind := failure.Kind(record.ErrorKind)
	if kind == "" {
		kind = failure.Transient
	}
	ok, err := r.store.MarkFailed(ctx, entry.ID, entry.Status, string(kind), record.ErrorMessage, kind != failure.Transient, now)
	if err != nil || !ok {
		return ActionUnchanged, err
	}
	return ActionFailed, nil
}

func (r *Reconciler) pollOnce(ctx context.Context, entry *models.QueueEntry, handle string) (string, error) {
	now := r.now()
	progress, err := r.generator.Poll(ctx, handle)
	if err != nil {
		if failure.KindOf(err) == failure.VendorRejection {
			return r.fail(ctx, entry, models.PhaseGeneration, err)
		}
		if r.pastPollTimeout(entry, now) {
			return r.fail(ctx, entry, models.PhaseGeneration,
				failure.Timeoutf("generation did not finish within %s", r.settings.PollTimeout))
		}
		r.logger.Warn("Poll failed during reconciliation", zap.String("entry_id", entry.ID), zap.Error(err))
		return ActionUnchanged, nil
	}

	switch progress.State {
	case generation.StateSucceeded:
		if progress.AssetURL == "" {
			return r.fail(ctx, entry, models.PhaseGeneration, failure.Rejectedf("generation finished without an asset URL"))
		}
		ok, err := r.store.MarkReady(ctx, entry.ID, progress.AssetURL, now)
		if err != nil || !ok {
			return ActionUnchanged, err
		}
		return ActionReady, nil
	case generation.StateFailed:
		reason := progress.Reason
		if reason == "" {
			reason = "generation failed"
		}
		return r.fail(ctx, entry, models.PhaseGeneration, failure.Rejectedf("%s", reason))
	}

	if r.pastPollTimeout(entry, now) {
		return r.fail(ctx, entry, models.PhaseGeneration,
			failure.Timeoutf("generation did not finish within %s", r.settings.PollTimeout))
	}
	if err := r.store.RecordProgress(ctx, entry.ID, progress.Percentage, now); err != nil {
		return "", err
	}
	return ActionProgressed, nil
}

func (r *Reconciler) pastPollTimeout(entry *models.QueueEntry, now time.Time) bool {
	started := entry.UpdatedAt
	if entry.GenerationStartedAt != nil {
		started = *entry.GenerationStartedAt
	}
	return now.Sub(started) > r.settings.PollTimeout
}

// fail writes the failure history for the current attempt, then moves the
// entry to failed. If a history record already exists it wins.
func (r *Reconciler) fail(ctx context.Context, entry *models.QueueEntry, phase string, cause error) (string, error) {
	kind := failure.KindOf(cause)
	message := failure.Message(cause)

	created, err := r.store.AppendHistory(ctx, &models.History{
		QueueEntryID: entry.ID,
		Attempt:      entry.RetryCount,
		WorkflowID:   entry.WorkflowID,
		OwnerID:      entry.OwnerID,
		Phase:        phase,
		Success:      false,
		ErrorMessage: message,
		ErrorKind:    string(kind),
	})
	if err != nil {
		return "", err
	}
	if !created {
		record, err := r.store.GetHistory(ctx, entry.ID, entry.RetryCount)
		if err != nil {
			return "", err
		}
		return r.applyHistory(ctx, entry, record)
	}

	ok, err := r.store.MarkFailed(ctx, entry.ID, entry.Status, string(kind), message, !failure.Retryable(cause), r.now())
	if err != nil || !ok {
		return ActionUnchanged, err
	}
	if r.sink != nil {
		r.sink.RecordFailure(ctx, "reconciler", entry, cause)
	}
	return ActionFailed, nil
}

// Package pipeline moves queue entries through generation and publishing.
//
// Admission decides whether a workflow run may enter the queue. The Worker
// drives admitted entries through the state machine, and the Reconciler
// repairs entries left behind by a crash or a lost driver.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/config"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/publisher"
	"github.com/ifuryst/autoreel/internal/store"
	"github.com/ifuryst/autoreel/pkg/util"
)

// Rejected is returned when admission refuses a run. It is an expected
// outcome, not an operational error.
type Rejected struct {
	Reason string
}

func (r *Rejected) Error() string {
	return "run rejected: " + r.Reason
}

func reject(format string, args ...any) *Rejected {
	return &Rejected{Reason: fmt.Sprintf(format, args...)}
}

type Admission struct {
	store      *store.Store
	validate   *validator.Validate
	ownerLimit int
	maxRetries int
	loc        *time.Location
	now        func() time.Time
	logger     *zap.Logger
}

func NewAdmission(s *store.Store, cfg config.PipelineConfig, logger *zap.Logger) *Admission {
	ownerLimit := cfg.OwnerConcurrency
	if ownerLimit <= 0 {
		ownerLimit = 4
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Admission{
		store:      s,
		validate:   validator.New(),
		ownerLimit: ownerLimit,
		maxRetries: maxRetries,
		loc:        cfg.Location(),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.Named("admission"),
	}
}

// Validate checks the fields a run depends on.
func (a *Admission) Validate(wf *models.Workflow) error {
	if err := a.validate.Struct(wf); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("field %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	if wf.Active && len(wf.Platforms) == 0 {
		return errors.New("an active workflow needs at least one platform")
	}
	return nil
}

// TryEnqueue creates a pending entry for wf, or returns *Rejected.
func (a *Admission) TryEnqueue(ctx context.Context, wf *models.Workflow, trigger string) (*models.QueueEntry, error) {
	if !wf.Active {
		return nil, reject("workflow is not active")
	}
	if err := a.Validate(wf); err != nil {
		return nil, reject("workflow is invalid: %v", err)
	}

	now := a.now()
	vars := util.BuiltinVars(now.In(a.loc), wf.Name)
	for key, value := range wf.Parameters {
		vars[key] = fmt.Sprint(value)
	}

	entry := &models.QueueEntry{
		ID:                uuid.NewString(),
		WorkflowID:        wf.ID,
		OwnerID:           wf.OwnerID,
		ContentKind:       wf.ContentKind,
		Prompt:            util.ExpandTemplate(wf.PromptTemplate, vars),
		Caption:           util.TruncateRunes(util.ExpandTemplate(wf.CaptionTemplate, vars), publisher.MaxCaptionRunes),
		Platforms:         append([]string(nil), wf.Platforms...),
		DurationSeconds:   wf.DurationSeconds,
		AspectRatio:       wf.AspectRatio,
		ReferenceImageURL: wf.ReferenceImageURL,
		Model:             wf.Model,
		Trigger:           trigger,
		Status:            models.StatusPending,
		MaxRetries:        a.maxRetries,
	}
	if err := a.admit(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Reenqueue admits a fresh copy of a terminally failed entry. The original
// entry and its history are left untouched.
func (a *Admission) Reenqueue(ctx context.Context, failed *models.QueueEntry) (*models.QueueEntry, error) {
	entry := &models.QueueEntry{
		ID:                uuid.NewString(),
		WorkflowID:        failed.WorkflowID,
		OwnerID:           failed.OwnerID,
		ContentKind:       failed.ContentKind,
		Prompt:            failed.Prompt,
		Caption:           failed.Caption,
		Platforms:         append([]string(nil), failed.Platforms...),
		DurationSeconds:   failed.DurationSeconds,
		AspectRatio:       failed.AspectRatio,
		ReferenceImageURL: failed.ReferenceImageURL,
		Model:             failed.Model,
		Trigger:           models.TriggerManual,
		Status:            models.StatusPending,
		MaxRetries:        a.maxRetries,
	}
	if err := a.admit(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// admit runs the check-then-insert under the store's slot lock, so it cannot
// interleave with a requeue or a claim of the same process.
func (a *Admission) admit(ctx context.Context, entry *models.QueueEntry) error {
	if err := a.store.Exclusive(func() error {
		return a.insert(ctx, entry)
	}); err != nil {
		return err
	}

	a.logger.Info("Queue entry admitted",
		zap.String("entry_id", entry.ID),
		zap.String("workflow_id", entry.WorkflowID),
		zap.String("trigger", entry.Trigger))
	return nil
}

func (a *Admission) insert(ctx context.Context, entry *models.QueueEntry) error {
	active, err := a.store.CountActiveForWorkflow(ctx, entry.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to count active entries: %w", err)
	}
	if active > 0 {
		return reject("workflow already has an active run")
	}

	running, err := a.store.CountOwnerRunning(ctx, entry.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to count running entries: %w", err)
	}
	if running >= int64(a.ownerLimit) {
		return reject("owner has %d runs in progress (limit %d)", running, a.ownerLimit)
	}

	if err := a.store.CreateEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to create queue entry: %w", err)
	}
	return nil
}

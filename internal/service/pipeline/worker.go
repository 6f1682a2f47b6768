package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/ifuryst/autoreel/internal/config"
	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/generation"
	"github.com/ifuryst/autoreel/internal/service/publisher"
	"github.com/ifuryst/autoreel/internal/store"
)

var (
	// ErrNotRetryable is returned by Retry for entries that are not failed.
	ErrNotRetryable = errors.New("only failed entries can be retried")
	// ErrInFlight is returned by Delete for entries a driver may still touch.
	ErrInFlight = errors.New("entry is in flight")
)

// ErrorSink receives pipeline failures for the operator error log.
type ErrorSink interface {
	RecordFailure(ctx context.Context, source string, entry *models.QueueEntry, err error)
}

// Settings are the parsed pipeline tunables.
type Settings struct {
	BatchSize        int
	OwnerConcurrency int
	MaxActive        int
	PollInterval     time.Duration
	PollTimeout      time.Duration
	StaleAfter       time.Duration
	RetryBaseDelay   time.Duration
}

func SettingsFrom(cfg config.PipelineConfig) Settings {
	return Settings{
		BatchSize:        cfg.BatchSize,
		OwnerConcurrency: cfg.OwnerConcurrency,
		MaxActive:        cfg.MaxActive,
		PollInterval:     config.Duration(cfg.PollInterval),
		PollTimeout:      config.Duration(cfg.PollTimeout),
		StaleAfter:       config.Duration(cfg.StaleAfter),
		RetryBaseDelay:   config.Duration(cfg.RetryBaseDelay),
	}
}

func (s *Settings) applyDefaults() {
	if s.BatchSize <= 0 {
		s.BatchSize = 5
	}
	if s.OwnerConcurrency <= 0 {
		s.OwnerConcurrency = 4
	}
	if s.MaxActive <= 0 {
		s.MaxActive = 20
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 4 * time.Second
	}
	if s.PollTimeout <= 0 {
		s.PollTimeout = 5 * time.Minute
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = 2 * time.Minute
	}
	if s.RetryBaseDelay <= 0 {
		s.RetryBaseDelay = 30 * time.Second
	}
}

type Option func(*options)

type options struct {
	sink ErrorSink
	now  func() time.Time
}

func WithErrorSink(sink ErrorSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Worker drives queue entries from pending to a terminal state. Each entry
// gets its own goroutine; a tick only starts drivers and never waits for
// them.
type Worker struct {
	store      *store.Store
	admission  *Admission
	generator  generation.Adapter
	publishers *publisher.Manager
	settings   Settings
	sink       ErrorSink
	now        func() time.Time
	logger     *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	driving map[string]struct{}
}

func NewWorker(
	s *store.Store,
	admission *Admission,
	generator generation.Adapter,
	publishers *publisher.Manager,
	settings Settings,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	settings.applyDefaults()
	o := buildOptions(opts)

	group := new(errgroup.Group)
	group.SetLimit(settings.MaxActive)
	base, cancel := context.WithCancel(context.Background())

	return &Worker{
		store:      s,
		admission:  admission,
		generator:  generator,
		publishers: publishers,
		settings:   settings,
		sink:       o.sink,
		now:        o.now,
		logger:     logger.Named("worker"),
		base:       base,
		cancel:     cancel,
		group:      group,
		driving:    make(map[string]struct{}),
	}
}

// TickReport summarizes one worker tick. Dispatched counts drivers handed
// an entry; a driver whose claim then loses leaves the entry untouched.
type TickReport struct {
	Retried    int `json:"retried"`
	Loaded     int `json:"loaded"`
	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
}

// Tick requeues failed entries whose backoff elapsed, then starts a driver
// for each runnable entry not already being driven.
func (w *Worker) Tick(ctx context.Context) (*TickReport, error) {
	report := &TickReport{}

	retried, err := w.retryFailed(ctx)
	if err != nil {
		return report, err
	}
	report.Retried = retried

	entries, err := w.store.LoadRunnable(ctx, w.settings.BatchSize, w.settings.OwnerConcurrency)
	if err != nil {
		return report, err
	}
	report.Loaded = len(entries)

	for i := range entries {
		entry := entries[i]
		if !w.acquire(entry.ID) {
			report.Skipped++
			continue
		}
		started := w.group.TryGo(func() error {
			defer w.release(entry.ID)
			w.drive(w.base, &entry)
			return nil
		})
		if !started {
			w.release(entry.ID)
			report.Skipped++
			continue
		}
		report.Dispatched++
	}

	if report.Dispatched > 0 || report.Retried > 0 {
		w.logger.Info("Worker tick finished",
			zap.Int("retried", report.Retried),
			zap.Int("loaded", report.Loaded),
			zap.Int("dispatched", report.Dispatched),
			zap.Int("skipped", report.Skipped))
	}
	return report, nil
}

func (w *Worker) retryFailed(ctx context.Context) (int, error) {
	entries, err := w.store.ListRetryable(ctx, w.settings.BatchSize)
	if err != nil {
		return 0, err
	}
	now := w.now()
	retried := 0
	for _, entry := range entries {
		if now.Before(entry.UpdatedAt.Add(computeBackoff(w.settings.RetryBaseDelay, entry.RetryCount))) {
			continue
		}
		ok, err := w.store.Requeue(ctx, entry.ID)
		if err != nil {
			return retried, err
		}
		if ok {
			retried++
			w.logger.Info("Entry requeued after transient failure",
				zap.String("entry_id", entry.ID),
				zap.Int("retry_count", entry.RetryCount+1))
		}
	}
	return retried, nil
}

// computeBackoff doubles base per attempt up to an hour, with +/-25% jitter.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	maxDelay := time.Hour
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	d := base * time.Duration(1<<shift)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	if d < 4 {
		return d
	}
	jitter := time.Duration(rand.Int63n(int64(d/2))) - d/4
	return d + jitter
}

func (w *Worker) acquire(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.driving[id]; ok {
		return false
	}
	w.driving[id] = struct{}{}
	return true
}

func (w *Worker) release(id string) {
	w.mu.Lock()
	delete(w.driving, id)
	w.mu.Unlock()
}

// IsDriving reports whether this process currently runs a driver for id.
func (w *Worker) IsDriving(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.driving[id]
	return ok
}

// Wait blocks until every started driver has returned.
func (w *Worker) Wait() {
	_ = w.group.Wait()
}

// Shutdown cancels running drivers and waits for them. Entries they leave
// in generating or posting are picked up by the reconciler.
func (w *Worker) Shutdown() {
	w.cancel()
	w.Wait()
}

func (w *Worker) drive(ctx context.Context, entry *models.QueueEntry) {
	switch entry.Status {
	case models.StatusPending:
		w.generate(ctx, entry)
	case models.StatusReady:
		w.publish(ctx, entry)
	}
}

func (w *Worker) generate(ctx context.Context, entry *models.QueueEntry) {
	logger := w.logger.With(zap.String("entry_id", entry.ID), zap.String("workflow_id", entry.WorkflowID))

	claimed, err := w.store.ClaimGeneration(ctx, entry.ID, w.settings.OwnerConcurrency, w.now())
	if err != nil {
		logger.Error("Failed to claim entry", zap.Error(err))
		return
	}
	if !claimed {
		logger.Debug("Entry not claimable, leaving it for a later tick")
		return
	}
	entry.Status = models.StatusGenerating

	if _, err := w.resolveTargets(ctx, entry); err != nil {
		w.fail(ctx, entry, models.PhaseGeneration, err, nil)
		return
	}

	if entry.ContentURL != nil && *entry.ContentURL != "" {
		logger.Info("Reusing asset from a previous attempt", zap.String("content_url", *entry.ContentURL))
		w.finishGeneration(ctx, entry, *entry.ContentURL)
		return
	}

	handle, err := w.generator.Submit(ctx, generation.RequestFor(entry))
	if err != nil {
		w.failUnlessStopped(ctx, entry, models.PhaseGeneration, err)
		return
	}
	if _, err := w.store.SetJobHandle(ctx, entry.ID, handle); err != nil {
		logger.Error("Failed to store job handle", zap.String("handle", handle), zap.Error(err))
	}
	logger.Info("Generation submitted", zap.String("handle", handle))

	progress, err := generation.Await(ctx, w.generator, handle, generation.AwaitOptions{
		Interval: w.settings.PollInterval,
		Timeout:  w.settings.PollTimeout,
		OnProgress: func(percentage int) {
			if err := w.store.RecordProgress(ctx, entry.ID, percentage, w.now()); err != nil {
				logger.Warn("Failed to record progress", zap.Error(err))
			}
		},
		Logger: logger,
	})
	if err != nil {
		w.failUnlessStopped(ctx, entry, models.PhaseGeneration, err)
		return
	}

	w.finishGeneration(ctx, entry, progress.AssetURL)
}

func (w *Worker) finishGeneration(ctx context.Context, entry *models.QueueEntry, assetURL string) {
	ok, err := w.store.MarkReady(ctx, entry.ID, assetURL, w.now())
	if err != nil {
		w.logger.Error("Failed to mark entry ready", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	if !ok {
		w.logger.Warn("Entry left generating before it could be marked ready", zap.String("entry_id", entry.ID))
		return
	}
	entry.Status = models.StatusReady
	entry.ContentURL = &assetURL
	entry.JobHandle = nil
	w.logger.Info("Generation finished", zap.String("entry_id", entry.ID), zap.String("content_url", assetURL))

	w.publish(ctx, entry)
}

func (w *Worker) publish(ctx context.Context, entry *models.QueueEntry) {
	logger := w.logger.With(zap.String("entry_id", entry.ID), zap.String("workflow_id", entry.WorkflowID))

	ok, err := w.store.BeginPublish(ctx, entry.ID, w.settings.OwnerConcurrency, w.now())
	if err != nil {
		logger.Error("Failed to begin publishing", zap.Error(err))
		return
	}
	if !ok {
		logger.Debug("Entry not publishable now, leaving it ready")
		return
	}
	entry.Status = models.StatusPosting

	targets, err := w.resolveTargets(ctx, entry)
	if err != nil {
		w.fail(ctx, entry, models.PhasePublish, err, nil)
		return
	}

	content := publisher.Content{Kind: entry.ContentKind, Caption: entry.Caption}
	if entry.ContentURL != nil {
		content.AssetURL = *entry.ContentURL
	}

	receipts, err := w.publishers.PublishAll(ctx, targets, content)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("Publishing interrupted by shutdown", zap.Error(err))
			return
		}
		w.fail(ctx, entry, models.PhasePublish, err, receipts)
		return
	}

	record := &models.History{
		QueueEntryID:   entry.ID,
		Attempt:        entry.RetryCount,
		WorkflowID:     entry.WorkflowID,
		OwnerID:        entry.OwnerID,
		Phase:          models.PhasePublish,
		Success:        true,
		ExternalPostID: firstPostID(receipts),
		Response:       encodeReceipts(receipts),
	}
	if _, err := w.store.AppendHistory(ctx, record); err != nil {
		logger.Error("Failed to record publish history", zap.Error(err))
		return
	}

	if _, err := w.store.MarkCompleted(ctx, entry.ID, w.now()); err != nil {
		logger.Error("Failed to mark entry completed", zap.Error(err))
		return
	}
	entry.Status = models.StatusCompleted
	logger.Info("Entry completed", zap.String("post_id", record.ExternalPostID))
}

func (w *Worker) resolveTargets(ctx context.Context, entry *models.QueueEntry) ([]publisher.Target, error) {
	accounts, err := w.store.ListAccounts(ctx, entry.OwnerID)
	if err != nil {
		return nil, failure.Wrap(failure.Transient, err, "failed to load platform accounts")
	}
	return w.publishers.Targets(entry.Platforms, accounts)
}

// failUnlessStopped leaves the entry in place when the worker is shutting
// down, so the reconciler can resume it.
func (w *Worker) failUnlessStopped(ctx context.Context, entry *models.QueueEntry, phase string, err error) {
	if ctx.Err() != nil {
		w.logger.Warn("Driver stopped", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	w.fail(ctx, entry, phase, err, nil)
}

// fail records the failed attempt in history and then moves the entry to
// failed. Non-retryable failures exhaust the retry budget.
func (w *Worker) fail(ctx context.Context, entry *models.QueueEntry, phase string, cause error, receipts []publisher.Receipt) {
	kind := failure.KindOf(cause)
	message := failure.Message(cause)

	record := &models.History{
		QueueEntryID: entry.ID,
		Attempt:      entry.RetryCount,
		WorkflowID:   entry.WorkflowID,
		OwnerID:      entry.OwnerID,
		Phase:        phase,
		Success:      false,
		ErrorMessage: message,
		ErrorKind:    string(kind),
	}
	if len(receipts) > 0 {
		record.Response = encodeReceipts(receipts)
	}
	if _, err := w.store.AppendHistory(ctx, record); err != nil {
		w.logger.Error("Failed to record failure history", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}

	from := entry.Status
	if _, err := w.store.MarkFailed(ctx, entry.ID, from, string(kind), message, !failure.Retryable(cause), w.now()); err != nil {
		w.logger.Error("Failed to mark entry failed", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	entry.Status = models.StatusFailed

	w.logger.Warn("Entry failed",
		zap.String("entry_id", entry.ID),
		zap.String("phase", phase),
		zap.String("kind", string(kind)),
		zap.String("from", string(from)),
		zap.String("error", message))
	if w.sink != nil {
		w.sink.RecordFailure(ctx, "worker", entry, cause)
	}
}

// Retry re-runs a failed entry. Within the retry budget the entry itself
// goes back to pending; past it a new entry is admitted for the workflow.
func (w *Worker) Retry(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := w.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.StatusFailed {
		return nil, ErrNotRetryable
	}

	if entry.RetryCount < entry.MaxRetries {
		ok, err := w.store.Requeue(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, store.ErrConflict
		}
		w.logger.Info("Entry requeued manually", zap.String("entry_id", id))
		return w.store.GetEntry(ctx, id)
	}

	return w.admission.Reenqueue(ctx, entry)
}

// Delete removes an entry unless it is in flight.
func (w *Worker) Delete(ctx context.Context, id string) error {
	entry, err := w.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if w.IsDriving(id) {
		return ErrInFlight
	}
	for _, status := range models.InFlightStatuses {
		if entry.Status == status {
			return ErrInFlight
		}
	}
	ok, err := w.store.DeleteEntry(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInFlight
	}
	w.logger.Info("Entry deleted", zap.String("entry_id", id), zap.String("status", string(entry.Status)))
	return nil
}

func firstPostID(receipts []publisher.Receipt) string {
	for _, r := range receipts {
		if !r.Skipped && r.PostID != "" {
			return r.PostID
		}
	}
	return ""
}

func encodeReceipts(receipts []publisher.Receipt) datatypes.JSON {
	raw, err := json.Marshal(receipts)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/config"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/generation"
	"github.com/ifuryst/autoreel/internal/service/publisher"
	"github.com/ifuryst/autoreel/internal/service/publisher/stub"
	"github.com/ifuryst/autoreel/internal/service/publisher/telegram"
	"github.com/ifuryst/autoreel/internal/store"
	"github.com/ifuryst/autoreel/internal/store/storetest"
)

// fakeGenerator replays scripted poll results, repeating the last one.
type fakeGenerator struct {
	mu        sync.Mutex
	submits   int
	submitErr error
	steps     []generation.Progress
	pollErr   error
	polls     int
	onPoll    func()
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Submit(ctx context.Context, req generation.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	if g.submitErr != nil {
		err := g.submitErr
		g.submitErr = nil
		return "", err
	}
	return "J1", nil
}

func (g *fakeGenerator) Poll(ctx context.Context, handle string) (*generation.Progress, error) {
	g.mu.Lock()
	onPoll := g.onPoll
	g.mu.Unlock()
	if onPoll != nil {
		onPoll()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pollErr != nil {
		return nil, g.pollErr
	}
	i := g.polls
	if i >= len(g.steps) {
		i = len(g.steps) - 1
	}
	g.polls++
	p := g.steps[i]
	return &p, nil
}

func (g *fakeGenerator) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits
}

func succeeded(url string) generation.Progress {
	return generation.Progress{State: generation.StateSucceeded, Percentage: 100, AssetURL: url}
}

func running(pct int) generation.Progress {
	return generation.Progress{State: generation.StateInProgress, Percentage: pct}
}

// fakeTelegram answers Bot API calls with queued responses, repeating the last.
type fakeTelegram struct {
	mu        sync.Mutex
	responses []tgResponse
	calls     int
}

type tgResponse struct {
	status int
	body   string
}

func (f *fakeTelegram) respond(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, tgResponse{status: status, body: body})
}

func (f *fakeTelegram) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	resp := f.responses[i]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

const tgOK = `{"ok":true,"result":{"message_id":42}}`

// testClock is a settable clock shared by worker and test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store     *store.Store
	admission *Admission
	gen       *fakeGenerator
	telegram  *fakeTelegram
	worker    *Worker
	clock     *testClock
	settings  Settings
}

func testSettings() Settings {
	return Settings{
		BatchSize:        5,
		OwnerConcurrency: 4,
		MaxActive:        20,
		PollInterval:     time.Millisecond,
		PollTimeout:      2 * time.Second,
		StaleAfter:       time.Minute,
		RetryBaseDelay:   time.Hour,
	}
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()

	s := storetest.New(t)
	logger := zap.NewNop()

	tg := &fakeTelegram{}
	srv := httptest.NewServer(tg)
	t.Cleanup(srv.Close)

	pubs := publisher.NewPublishManager(logger)
	require.NoError(t, pubs.RegisterPublisher(telegram.NewTelegramPublisher(logger, telegram.WithAPIBase(srv.URL))))
	require.NoError(t, stub.RegisterAll(pubs, logger))

	clock := &testClock{t: time.Now().UTC()}
	gen := &fakeGenerator{steps: []generation.Progress{succeeded("https://cdn.example/U.mp4")}}
	admission := NewAdmission(s, config.PipelineConfig{Timezone: "UTC", OwnerConcurrency: settings.OwnerConcurrency, MaxRetries: 3}, logger)
	worker := NewWorker(s, admission, gen, pubs, settings, logger, WithClock(clock.Now))
	t.Cleanup(worker.Shutdown)

	return &harness{
		store:     s,
		admission: admission,
		gen:       gen,
		telegram:  tg,
		worker:    worker,
		clock:     clock,
		settings:  settings,
	}
}

// seed stores an active workflow with a connected telegram account.
func (h *harness) seed(t *testing.T, ownerID string) *models.Workflow {
	t.Helper()
	ctx := context.Background()
	wf := storetest.Workflow(ownerID)
	wf.CaptionTemplate = "{{workflow}} for {{place}}"
	require.NoError(t, h.store.SaveWorkflow(ctx, wf))
	require.NoError(t, h.store.SaveAccount(ctx, &models.PlatformAccount{
		OwnerID:  ownerID,
		Platform: "telegram",
		ChatID:   "-100123",
		BotToken: "TOKEN",
		Enabled:  true,
	}))
	return wf
}

func (h *harness) enqueue(t *testing.T, wf *models.Workflow) *models.QueueEntry {
	t.Helper()
	entry, err := h.admission.TryEnqueue(context.Background(), wf, models.TriggerSchedule)
	require.NoError(t, err)
	return entry
}

// run performs one tick and waits for the drivers it started.
func (h *harness) run(t *testing.T) *TickReport {
	t.Helper()
	report, err := h.worker.Tick(context.Background())
	require.NoError(t, err)
	h.worker.Wait()
	return report
}

func (h *harness) entry(t *testing.T, id string) *models.QueueEntry {
	t.Helper()
	entry, err := h.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return entry
}

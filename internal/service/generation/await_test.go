package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/models"
)

type pollStep struct {
	progress *Progress
	err      error
}

// scriptedAdapter replays a fixed list of poll results, repeating the last.
type scriptedAdapter struct {
	mu    sync.Mutex
	steps []pollStep
	polls int
}

func (s *scriptedAdapter) Name() string { return "scripted" }

func (s *scriptedAdapter) Submit(ctx context.Context, req Request) (string, error) {
	return "J1", nil
}

func (s *scriptedAdapter) Poll(ctx context.Context, handle string) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.polls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.polls++
	step := s.steps[i]
	if step.progress != nil {
		p := *step.progress
		return &p, step.err
	}
	return nil, step.err
}

func (s *scriptedAdapter) pollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func inProgress(pct int) pollStep {
	return pollStep{progress: &Progress{State: StateInProgress, Percentage: pct}}
}

func TestAwaitKeepsHighestPercentage(t *testing.T) {
	adapter := &scriptedAdapter{steps: []pollStep{
		inProgress(10),
		inProgress(45),
		inProgress(80),
		inProgress(60),
		{progress: &Progress{State: StateSucceeded, Percentage: 100, AssetURL: "https://cdn.example/U.mp4"}},
	}}

	var seen []int
	progress, err := Await(context.Background(), adapter, "J1", AwaitOptions{
		Interval:   time.Millisecond,
		Timeout:    time.Second,
		OnProgress: func(p int) { seen = append(seen, p) },
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/U.mp4", progress.AssetURL)
	assert.Equal(t, []int{10, 45, 80, 80, 100}, seen)
}

func TestAwaitIgnoresTransientPollErrors(t *testing.T) {
	adapter := &scriptedAdapter{steps: []pollStep{
		{err: errors.New("connection reset by peer")},
		{err: failure.Transientf("vendor returned 503")},
		{progress: &Progress{State: StateSucceeded, AssetURL: "https://cdn.example/a.png"}},
	}}

	progress, err := Await(context.Background(), adapter, "J1", AwaitOptions{
		Interval: time.Millisecond,
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/a.png", progress.AssetURL)
	assert.Equal(t, 3, adapter.pollCount())
}

func TestAwaitStopsOnRejection(t *testing.T) {
	adapter := &scriptedAdapter{steps: []pollStep{
		{err: failure.Rejectedf("unknown job")},
	}}

	_, err := Await(context.Background(), adapter, "J1", AwaitOptions{
		Interval: time.Millisecond,
		Timeout:  time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, failure.VendorRejection, failure.KindOf(err))
	assert.Equal(t, 1, adapter.pollCount())
}

func TestAwaitVendorFailure(t *testing.T) {
	adapter := &scriptedAdapter{steps: []pollStep{
		{progress: &Progress{State: StateFailed, Reason: "prompt violates content policy"}},
	}}

	_, err := Await(context.Background(), adapter, "J1", AwaitOptions{
		Interval: time.Millisecond,
		Timeout:  time.Second,
	})
	require.Error(t, err)
	assert.Equal(t, "prompt violates content policy", failure.Message(err))
	assert.False(t, failure.Retryable(err))
}

func TestAwaitTimesOut(t *testing.T) {
	adapter := &scriptedAdapter{steps: []pollStep{inProgress(5)}}

	_, err := Await(context.Background(), adapter, "J1", AwaitOptions{
		Interval: 5 * time.Millisecond,
		Timeout:  40 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, failure.Timeout, failure.KindOf(err))
	assert.Contains(t, failure.Message(err), "did not finish")

	polls := adapter.pollCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, polls, adapter.pollCount(), "no polling after timeout")
}

func TestAwaitHonorsCancellation(t *testing.T) {
	adapter := &scriptedAdapter{steps: []pollStep{inProgress(5)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Await(ctx, adapter, "J1", AwaitOptions{Interval: time.Millisecond, Timeout: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRouterPrefixesHandlesScripted(t *testing.T) {
	video := &scriptedAdapter{steps: []pollStep{inProgress(30)}}
	router := NewRouter()
	require.NoError(t, router.Register(video))
	require.Error(t, router.Register(video))
	require.NoError(t, router.Route(models.ContentVideo, "scripted"))
	require.Error(t, router.Route(models.ContentImage, "missing"))

	handle, err := router.Submit(context.Background(), Request{Kind: models.ContentVideo})
	require.NoError(t, err)
	assert.Equal(t, "scripted:J1", handle)

	progress, err := router.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, 30, progress.Percentage)

	_, err = router.Submit(context.Background(), Request{Kind: models.ContentImage})
	assert.Equal(t, failure.MissingPrerequisite, failure.KindOf(err))

	_, err = router.Poll(context.Background(), "other:J1")
	assert.Equal(t, failure.VendorRejection, failure.KindOf(err))
}

package generation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/failure"
)

type AwaitOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnProgress is called after every successful poll with the highest
	// percentage seen so far.
	OnProgress func(percentage int)
	Logger     *zap.Logger
}

// Await polls handle until the job succeeds, fails, or Timeout elapses.
// Only one poll is outstanding at a time. A poll error is logged and the
// next tick tries again, unless the vendor rejected the handle outright.
func Await(ctx context.Context, adapter Adapter, handle string, opts AwaitOptions) (*Progress, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 4 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	highest := 0
	polls := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, failure.Timeoutf("generation did not finish within %s", opts.Timeout)
		case <-ticker.C:
		}

		polls++
		progress, err := adapter.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if failure.KindOf(err) == failure.VendorRejection {
				return nil, err
			}
			logger.Warn("Poll failed, retrying on next tick",
				zap.String("handle", handle),
				zap.Int("poll", polls),
				zap.Error(err))
			continue
		}

		if progress.Percentage > highest {
			highest = progress.Percentage
		}
		if progress.State == StateSucceeded {
			highest = 100
		}
		if opts.OnProgress != nil {
			opts.OnProgress(highest)
		}

		switch progress.State {
		case StateSucceeded:
			if progress.AssetURL == "" {
				return nil, failure.Rejectedf("generation finished without an asset URL")
			}
			progress.Percentage = 100
			return progress, nil
		case StateFailed:
			reason := progress.Reason
			if reason == "" {
				reason = "generation failed"
			}
			return nil, failure.Rejectedf("%s", reason)
		}
	}
}

// Package stub registers platforms that can be selected on a workflow but
// have no delivery integration yet. Publishing to them is a recorded no-op.
package stub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/service/publisher"
)

// Platforms are the stubbed platform names.
var Platforms = []string{"instagram", "tiktok", "youtube"}

type StubPublisher struct {
	platform string
	logger   *zap.Logger
}

func NewStubPublisher(platform string, logger *zap.Logger) *StubPublisher {
	return &StubPublisher{platform: platform, logger: logger}
}

func (p *StubPublisher) GetPlatformName() string {
	return p.platform
}

func (p *StubPublisher) RequiresAccount() bool {
	return false
}

func (p *StubPublisher) ValidateTarget(target publisher.Target) error {
	return nil
}

func (p *StubPublisher) Publish(ctx context.Context, target publisher.Target, content publisher.Content) (*publisher.Receipt, error) {
	p.logger.Info("Platform not integrated, skipping publish", zap.String("platform", p.platform))
	return &publisher.Receipt{
		Platform:    p.platform,
		Skipped:     true,
		PublishedAt: time.Now(),
	}, nil
}

// RegisterAll adds a stub publisher for every stubbed platform.
func RegisterAll(m *publisher.Manager, logger *zap.Logger) error {
	for _, platform := range Platforms {
		if err := m.RegisterPublisher(NewStubPublisher(platform, logger)); err != nil {
			return err
		}
	}
	return nil
}

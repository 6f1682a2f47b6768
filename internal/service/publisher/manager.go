package publisher

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/models"
)

// Manager keeps the registered publishers and fans a publish out to every
// target of an entry.
type Manager struct {
	publishers map[string]Publisher
	logger     *zap.Logger
}

func NewPublishManager(logger *zap.Logger) *Manager {
	return &Manager{
		publishers: make(map[string]Publisher),
		logger:     logger,
	}
}

func (m *Manager) RegisterPublisher(publisher Publisher) error {
	platformName := publisher.GetPlatformName()
	if _, exists := m.publishers[platformName]; exists {
		return fmt.Errorf("publisher for platform %s already registered", platformName)
	}

	m.publishers[platformName] = publisher
	m.logger.Info("Publisher registered", zap.String("platform", platformName))
	return nil
}

func (m *Manager) GetPublisher(platformName string) (Publisher, error) {
	publisher, exists := m.publishers[normalize(platformName)]
	if !exists {
		return nil, fmt.Errorf("publisher for platform %s not found", platformName)
	}
	return publisher, nil
}

// Platforms lists the registered platform names.
func (m *Manager) Platforms() []string {
	names := make([]string, 0, len(m.publishers))
	for name := range m.publishers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Targets resolves an entry's platform list against the owner's connected
// accounts. A platform that needs an account and has none is a missing
// prerequisite, reported before any generation spend happens.
func (m *Manager) Targets(platforms []string, accounts []models.PlatformAccount) ([]Target, error) {
	if len(platforms) == 0 {
		return nil, failure.Missingf("no target platforms configured")
	}

	byPlatform := make(map[string]models.PlatformAccount, len(accounts))
	for _, account := range accounts {
		if account.Enabled {
			byPlatform[normalize(account.Platform)] = account
		}
	}

	targets := make([]Target, 0, len(platforms))
	for _, platform := range platforms {
		name := normalize(platform)
		publisher, err := m.GetPublisher(name)
		if err != nil {
			return nil, failure.Missingf("platform %s is not supported", platform)
		}

		target := Target{Platform: name}
		if account, ok := byPlatform[name]; ok {
			target.ChatID = account.ChatID
			target.BotToken = account.BotToken
		} else if publisher.RequiresAccount() {
			return nil, failure.Missingf("no connected %s account", name)
		}

		if err := publisher.ValidateTarget(target); err != nil {
			return nil, failure.Wrap(failure.MissingPrerequisite, err, err.Error())
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// PublishAll publishes content to every target in order and stops at the
// first failure. Receipts of targets already published are returned with
// the error. When every target was skipped the call fails, since nothing
// was delivered.
func (m *Manager) PublishAll(ctx context.Context, targets []Target, content Content) ([]Receipt, error) {
	receipts := make([]Receipt, 0, len(targets))
	delivered := 0

	for _, target := range targets {
		publisher, err := m.GetPublisher(target.Platform)
		if err != nil {
			return receipts, failure.Missingf("platform %s is not supported", target.Platform)
		}

		receipt, err := publisher.Publish(ctx, target, content)
		if err != nil {
			m.logger.Error("Failed to publish content",
				zap.String("platform", target.Platform),
				zap.Error(err))
			return receipts, err
		}

		receipts = append(receipts, *receipt)
		if !receipt.Skipped {
			delivered++
		}
		m.logger.Info("Publishing completed",
			zap.String("platform", target.Platform),
			zap.Bool("skipped", receipt.Skipped),
			zap.String("post_id", receipt.PostID))
	}

	if delivered == 0 {
		return receipts, failure.Rejectedf("no publishable platform")
	}
	return receipts, nil
}

func normalize(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}

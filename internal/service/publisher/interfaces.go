package publisher

import (
	"context"
	"time"

	"github.com/ifuryst/autoreel/internal/models"
)

// Target is one destination of a publish: a platform plus the account
// credentials the owner connected for it.
type Target struct {
	Platform string `json:"platform"`
	ChatID   string `json:"chat_id"`
	BotToken string `json:"-"`
}

// Content represents the asset to be published
type Content struct {
	Kind     models.ContentKind `json:"kind"`
	AssetURL string             `json:"asset_url"`
	Caption  string             `json:"caption"`
}

// Receipt represents the result of a publish operation
type Receipt struct {
	Platform    string         `json:"platform"`
	Skipped     bool           `json:"skipped,omitempty"`
	PostID      string         `json:"post_id,omitempty"`
	Response    map[string]any `json:"response,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
}

// Publisher is the unified interface for all platform operations. Publish
// must treat the platform's own error payload as authoritative, not just the
// HTTP status.
type Publisher interface {
	GetPlatformName() string

	// RequiresAccount reports whether a connected account is a prerequisite.
	RequiresAccount() bool
	ValidateTarget(target Target) error

	Publish(ctx context.Context, target Target, content Content) (*Receipt, error)
}

// MaxCaptionRunes is the tightest caption limit among supported platforms.
const MaxCaptionRunes = 1024

// Package generation talks to AI generation vendors. Submitting never waits
// for the result; callers poll the returned handle with Await.
package generation

import (
	"context"
	"io"

	"github.com/ifuryst/autoreel/internal/models"
)

type State string

const (
	StateInProgress State = "in_progress"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Request is everything a vendor needs to start one generation.
type Request struct {
	Kind              models.ContentKind
	Prompt            string
	DurationSeconds   int
	AspectRatio       string
	ReferenceImageURL string
	Model             string
}

// Progress is one poll observation. AssetURL is set once State is
// StateSucceeded; Reason explains StateFailed.
type Progress struct {
	Percentage int
	State      State
	AssetURL   string
	Reason     string
}

// Adapter is a generation vendor. Errors returned by Submit and Poll are
// classified with the failure package.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req Request) (string, error)
	Poll(ctx context.Context, handle string) (*Progress, error)
}

// AssetOpener streams generated assets whose URL only the vendor can
// fetch, such as files that need the vendor API key. Publishers upload
// these instead of passing the URL on.
type AssetOpener interface {
	Handles(url string) bool
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// RequestFor builds the vendor request of a queue entry.
func RequestFor(entry *models.QueueEntry) Request {
	return Request{
		Kind:              entry.ContentKind,
		Prompt:            entry.Prompt,
		DurationSeconds:   entry.DurationSeconds,
		AspectRatio:       entry.AspectRatio,
		ReferenceImageURL: entry.ReferenceImageURL,
		Model:             entry.Model,
	}
}

// Package veo generates videos with Google's Veo models through the genai
// long-running operations API.
package veo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/generation"
)

const (
	DefaultModel = "veo-3.0-generate-001"
	// DefaultFetchTimeout bounds reference image fetches and asset downloads.
	DefaultFetchTimeout = 2 * time.Minute
	// FilesHost serves generated videos; downloads need the API key.
	FilesHost = "generativelanguage.googleapis.com"
)

// videoAPI is the part of the genai client the adapter calls.
type videoAPI interface {
	GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
	GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error)
}

type genaiAPI struct {
	client *genai.Client
}

func (g genaiAPI) GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error) {
	return g.client.Models.GenerateVideos(ctx, model, prompt, image, config)
}

func (g genaiAPI) GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error) {
	return g.client.Operations.GetVideosOperation(ctx, op, nil)
}

type Adapter struct {
	api        videoAPI
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Adapter)

// WithHTTPClient replaces the client used for reference images and asset
// downloads.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(a *Adapter) {
		if httpClient != nil {
			a.httpClient = httpClient
		}
	}
}

func New(ctx context.Context, apiKey, model string, logger *zap.Logger, opts ...Option) (*Adapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}
	a := newAdapter(genaiAPI{client: client}, model, logger, opts...)
	a.apiKey = apiKey
	return a, nil
}

func newAdapter(api videoAPI, model string, logger *zap.Logger, opts ...Option) *Adapter {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		api:        api,
		model:      model,
		httpClient: &http.Client{Timeout: DefaultFetchTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return "veo"
}

func (a *Adapter) Submit(ctx context.Context, req generation.Request) (string, error) {
	if req.Kind != models.ContentVideo {
		return "", failure.Rejectedf("veo only generates videos, got %s", req.Kind)
	}

	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    req.AspectRatio,
	}
	if req.DurationSeconds > 0 {
		d := int32(req.DurationSeconds)
		cfg.DurationSeconds = &d
	}

	image, err := a.referenceImage(ctx, req.ReferenceImageURL)
	if err != nil {
		return "", err
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	op, err := a.api.GenerateVideos(ctx, model, req.Prompt, image, cfg)
	if err != nil {
		return "", classify(err)
	}
	if op == nil || op.Name == "" {
		return "", failure.Transientf("veo returned no operation name")
	}

	a.logger.Info("Veo operation started", zap.String("operation", op.Name), zap.String("model", model))
	return op.Name, nil
}

func (a *Adapter) Poll(ctx context.Context, handle string) (*generation.Progress, error) {
	op, err := a.api.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: handle})
	if err != nil {
		return nil, classify(err)
	}

	if !op.Done {
		return &generation.Progress{State: generation.StateInProgress, Percentage: metadataProgress(op.Metadata)}, nil
	}
	if len(op.Error) > 0 {
		return &generation.Progress{State: generation.StateFailed, Reason: operationError(op.Error)}, nil
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 {
		reason := "veo finished without a video"
		if op.Response != nil && len(op.Response.RAIMediaFilteredReasons) > 0 {
			reason = strings.Join(op.Response.RAIMediaFilteredReasons, "; ")
		}
		return &generation.Progress{State: generation.StateFailed, Reason: reason}, nil
	}

	video := op.Response.GeneratedVideos[0].Video
	if video == nil || video.URI == "" {
		return &generation.Progress{State: generation.StateFailed, Reason: "veo returned a video without a URI"}, nil
	}
	return &generation.Progress{State: generation.StateSucceeded, Percentage: 100, AssetURL: video.URI}, nil
}

func (a *Adapter) referenceImage(ctx context.Context, ref string) (*genai.Image, error) {
	if ref == "" {
		return nil, nil
	}
	if strings.HasPrefix(ref, "gs://") {
		return &genai.Image{GCSURI: ref}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, failure.Rejectedf("invalid reference image URL: %v", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, failure.Wrap(failure.Transient, err, fmt.Sprintf("failed to fetch reference image: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, failure.FromStatus(resp.StatusCode, fmt.Sprintf("reference image returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, failure.Wrap(failure.Transient, err, "failed to read reference image")
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return &genai.Image{ImageBytes: data, MIMEType: mime}, nil
}

// Handles reports whether url points at a Gemini file, which cannot be
// fetched without the API key.
func (a *Adapter) Handles(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host == FilesHost
}

// Open downloads a generated video, authenticating with the API key.
func (a *Adapter) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, failure.Rejectedf("invalid asset URL: %v", err)
	}
	req.Header.Set("x-goog-api-key", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Keep the URL out of the message, redirects may carry credentials.
		return nil, failure.Wrap(failure.Transient, err, "failed to download veo asset")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, failure.FromStatus(resp.StatusCode, fmt.Sprintf("veo asset download returned %d", resp.StatusCode))
	}
	return resp.Body, nil
}

// classify maps genai API errors onto the failure taxonomy.
func classify(err error) error {
	var apiErr genai.APIError
	if asAPIError(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = err.Error()
		}
		return failure.Wrap(failure.FromStatus(apiErr.Code, msg).Kind, err, msg)
	}
	return failure.Wrap(failure.Transient, err, err.Error())
}

func asAPIError(err error, target *genai.APIError) bool {
	if errors.As(err, target) {
		return true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		*target = *ptr
		return true
	}
	return false
}

func metadataProgress(meta map[string]any) int {
	for _, key := range []string{"progressPercent", "progress_percent", "progress"} {
		if v, ok := meta[key].(float64); ok {
			return int(v)
		}
	}
	return 0
}

func operationError(e map[string]any) string {
	if msg, ok := e["message"].(string); ok && msg != "" {
		return msg
	}
	return fmt.Sprintf("veo operation failed: %v", e)
}

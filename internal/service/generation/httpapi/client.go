// Package httpapi is a generation adapter for vendors exposing a plain JSON
// job API: POST /generations to submit, GET /generations/{id} to poll.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/service/generation"
	"github.com/ifuryst/autoreel/pkg/util"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 5

	maxVendorMessageRunes = 300
)

type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit sets requests per second towards the vendor.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithModel sets the model used when a request does not name one.
func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string {
	return "http"
}

type submitRequest struct {
	Kind           string `json:"kind"`
	Prompt         string `json:"prompt"`
	Duration       int    `json:"duration,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	ReferenceImage string `json:"reference_image,omitempty"`
	Model          string `json:"model,omitempty"`
}

type submitResponse struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
}

type statusResponse struct {
	Status           string `json:"status"`
	StatusPercentage int    `json:"status_percentage"`
	AssetURL         string `json:"asset_url"`
	Error            string `json:"error"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) Submit(ctx context.Context, req generation.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	payload := submitRequest{
		Kind:           string(req.Kind),
		Prompt:         req.Prompt,
		Duration:       req.DurationSeconds,
		AspectRatio:    req.AspectRatio,
		ReferenceImage: req.ReferenceImageURL,
		Model:          model,
	}

	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/generations", payload, &out); err != nil {
		return "", err
	}

	id := out.ID
	if id == "" {
		id = out.JobID
	}
	if id == "" {
		return "", failure.Rejectedf("vendor accepted the request but returned no job id")
	}

	c.logger.Info("Generation submitted", zap.String("job_id", id), zap.String("kind", payload.Kind))
	return id, nil
}

func (c *Client) Poll(ctx context.Context, handle string) (*generation.Progress, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, "/generations/"+url.PathEscape(handle), nil, &out); err != nil {
		return nil, err
	}

	progress := &generation.Progress{
		Percentage: out.StatusPercentage,
		AssetURL:   out.AssetURL,
		Reason:     out.Error,
	}
	switch strings.ToLower(out.Status) {
	case "completed", "succeeded", "success":
		progress.State = generation.StateSucceeded
	case "failed", "error", "cancelled", "canceled":
		progress.State = generation.StateFailed
	default:
		progress.State = generation.StateInProgress
	}
	return progress, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return failure.Wrap(failure.Transient, err, fmt.Sprintf("generation vendor unreachable: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure.Wrap(failure.Transient, err, "failed to read vendor response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure.FromStatus(resp.StatusCode, vendorMessage(resp.StatusCode, data))
	}

	if err := json.Unmarshal(data, result); err != nil {
		return failure.Wrap(failure.Transient, err, "failed to decode vendor response")
	}
	return nil
}

func vendorMessage(status int, body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		text = http.StatusText(status)
	}
	return fmt.Sprintf("vendor returned %d: %s", status, util.TruncateRunes(text, maxVendorMessageRunes))
}

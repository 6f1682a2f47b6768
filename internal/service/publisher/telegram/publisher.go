package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/generation"
	"github.com/ifuryst/autoreel/internal/service/publisher"
	"github.com/ifuryst/autoreel/pkg/util"
)

const (
	DefaultAPIBase   = "https://api.telegram.org"
	DefaultTimeout   = 60 * time.Second
	DefaultRateLimit = 20
	// CaptionLimit is the Bot API limit for media captions.
	CaptionLimit = 1024
	// UploadLimit is the Bot API limit for files sent by upload.
	UploadLimit = 50 << 20
)

// TelegramPublisher sends generated media to a chat through the Bot API
type TelegramPublisher struct {
	logger       *zap.Logger
	client       *http.Client
	apiBase      string
	defaultToken string
	limiter      *rate.Limiter
	opener       generation.AssetOpener
}

type Option func(*TelegramPublisher)

func WithAPIBase(apiBase string) Option {
	return func(p *TelegramPublisher) {
		p.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// WithBotToken sets the token used when an account carries none.
func WithBotToken(token string) Option {
	return func(p *TelegramPublisher) {
		p.defaultToken = token
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(p *TelegramPublisher) {
		if timeout > 0 {
			p.client = &http.Client{Timeout: timeout}
		}
	}
}

func WithRateLimit(requestsPerSecond int) Option {
	return func(p *TelegramPublisher) {
		if requestsPerSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithAssetOpener uploads assets the opener handles instead of sending
// their URL, for vendor files Telegram cannot fetch.
func WithAssetOpener(opener generation.AssetOpener) Option {
	return func(p *TelegramPublisher) {
		p.opener = opener
	}
}

func NewTelegramPublisher(logger *zap.Logger, opts ...Option) *TelegramPublisher {
	p := &TelegramPublisher{
		logger:  logger,
		client:  &http.Client{Timeout: DefaultTimeout},
		apiBase: DefaultAPIBase,
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *TelegramPublisher) GetPlatformName() string {
	return "telegram"
}

func (p *TelegramPublisher) RequiresAccount() bool {
	return true
}

func (p *TelegramPublisher) ValidateTarget(target publisher.Target) error {
	if strings.TrimSpace(target.ChatID) == "" {
		return fmt.Errorf("telegram account has no chat id")
	}
	if target.BotToken == "" && p.defaultToken == "" {
		return fmt.Errorf("telegram bot token not configured")
	}
	return nil
}

type sendRequest struct {
	ChatID  string `json:"chat_id"`
	Video   string `json:"video,omitempty"`
	Photo   string `json:"photo,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// apiResponse is the Bot API envelope. ok is authoritative even on HTTP 200.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

type message struct {
	MessageID int64 `json:"message_id"`
}

func (p *TelegramPublisher) Publish(ctx context.Context, target publisher.Target, content publisher.Content) (*publisher.Receipt, error) {
	if err := p.ValidateTarget(target); err != nil {
		return nil, failure.Wrap(failure.MissingPrerequisite, err, err.Error())
	}
	if content.AssetURL == "" {
		return nil, failure.Rejectedf("nothing to publish: asset URL is empty")
	}

	req := sendRequest{
		ChatID:  target.ChatID,
		Caption: util.TruncateRunes(content.Caption, CaptionLimit),
	}
	method, field := "sendVideo", "video"
	if content.Kind == models.ContentImage {
		method, field = "sendPhoto", "photo"
		req.Photo = content.AssetURL
	} else {
		req.Video = content.AssetURL
	}

	token := target.BotToken
	if token == "" {
		token = p.defaultToken
	}

	var (
		resp *apiResponse
		err  error
	)
	if p.opener != nil && p.opener.Handles(content.AssetURL) {
		resp, err = p.upload(ctx, token, method, field, req, content)
	} else {
		resp, err = p.call(ctx, token, method, req)
	}
	if err != nil {
		return nil, err
	}

	var msg message
	_ = json.Unmarshal(resp.Result, &msg)
	var raw map[string]any
	_ = json.Unmarshal(resp.Result, &raw)

	p.logger.Info("Telegram message sent",
		zap.String("method", method),
		zap.String("chat_id", target.ChatID),
		zap.Int64("message_id", msg.MessageID))

	return &publisher.Receipt{
		Platform:    p.GetPlatformName(),
		PostID:      strconv.FormatInt(msg.MessageID, 10),
		Response:    raw,
		PublishedAt: time.Now(),
	}, nil
}

func (p *TelegramPublisher) call(ctx context.Context, token, method string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	return p.send(ctx, token, method, bytes.NewReader(body), "application/json")
}

// upload streams the asset through the opener and sends it as a
// multipart file instead of a URL.
func (p *TelegramPublisher) upload(ctx context.Context, token, method, field string, req sendRequest, content publisher.Content) (*apiResponse, error) {
	asset, err := p.opener.Open(ctx, content.AssetURL)
	if err != nil {
		return nil, err
	}
	defer asset.Close()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	_ = form.WriteField("chat_id", req.ChatID)
	if req.Caption != "" {
		_ = form.WriteField("caption", req.Caption)
	}
	filename := "video.mp4"
	if content.Kind == models.ContentImage {
		filename = "photo.jpg"
	}
	part, err := form.CreateFormFile(field, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload part: %w", err)
	}
	n, err := io.Copy(part, io.LimitReader(asset, UploadLimit+1))
	if err != nil {
		return nil, failure.Wrap(failure.Transient, err, "failed to read asset for upload")
	}
	if n > UploadLimit {
		return nil, failure.Rejectedf("asset exceeds the %d MB upload limit", UploadLimit>>20)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish upload body: %w", err)
	}

	p.logger.Debug("Uploading asset to telegram", zap.String("method", method), zap.Int64("bytes", n))
	return p.send(ctx, token, method, &buf, form.FormDataContentType())
}

func (p *TelegramPublisher) send(ctx context.Context, token, method string, body io.Reader, contentType string) (*apiResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", p.apiBase, token, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// The URL embeds the bot token, keep it out of stored messages.
		return nil, failure.Wrap(failure.Transient, err, fmt.Sprintf("telegram %s request failed", method))
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, failure.Wrap(failure.Transient, err, "failed to read telegram response")
	}

	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		if httpResp.StatusCode >= 300 {
			return nil, failure.FromStatus(httpResp.StatusCode, fmt.Sprintf("telegram returned %d", httpResp.StatusCode))
		}
		return nil, failure.Wrap(failure.Transient, err, "failed to decode telegram response")
	}

	if !resp.OK {
		reason := resp.Description
		if reason == "" {
			reason = fmt.Sprintf("telegram %s failed", method)
		}
		code := resp.ErrorCode
		if code == 0 {
			code = httpResp.StatusCode
		}
		if code == http.StatusOK {
			code = http.StatusBadRequest
		}
		p.logger.Warn("Telegram rejected message",
			zap.String("method", method),
			zap.Int("error_code", code),
			zap.String("description", reason))
		return nil, failure.FromStatus(code, reason)
	}

	return &resp, nil
}

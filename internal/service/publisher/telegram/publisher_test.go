package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/publisher"
)

type captured struct {
	path string
	body sendRequest
}

func newServer(t *testing.T, status int, response string, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got.body))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func target() publisher.Target {
	return publisher.Target{Platform: "telegram", ChatID: "-100123", BotToken: "TOKEN"}
}

func TestPublishVideo(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusOK, `{"ok":true,"result":{"message_id":42}}`, &got)
	p := NewTelegramPublisher(zap.NewNop(), WithAPIBase(srv.URL))

	receipt, err := p.Publish(context.Background(), target(), publisher.Content{
		Kind:     models.ContentVideo,
		AssetURL: "https://cdn.example/U.mp4",
		Caption:  "Morning clip",
	})
	require.NoError(t, err)
	assert.Equal(t, "/botTOKEN/sendVideo", got.path)
	assert.Equal(t, "https://cdn.example/U.mp4", got.body.Video)
	assert.Equal(t, "-100123", got.body.ChatID)
	assert.Equal(t, "42", receipt.PostID)
	assert.EqualValues(t, 42, receipt.Response["message_id"])
}

func TestPublishImageUsesSendPhoto(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusOK, `{"ok":true,"result":{"message_id":7}}`, &got)
	p := NewTelegramPublisher(zap.NewNop(), WithAPIBase(srv.URL))

	_, err := p.Publish(context.Background(), target(), publisher.Content{
		Kind:     models.ContentImage,
		AssetURL: "https://cdn.example/a.png",
		Caption:  strings.Repeat("é", 2000),
	})
	require.NoError(t, err)
	assert.Equal(t, "/botTOKEN/sendPhoto", got.path)
	assert.Equal(t, "https://cdn.example/a.png", got.body.Photo)
	assert.Equal(t, CaptionLimit, utf8.RuneCountInString(got.body.Caption))
}

func TestOkFalseWithHTTP200IsFailure(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusOK, `{"ok":false,"description":"chat not found"}`, &got)
	p := NewTelegramPublisher(zap.NewNop(), WithAPIBase(srv.URL))

	receipt, err := p.Publish(context.Background(), target(), publisher.Content{
		Kind:     models.ContentVideo,
		AssetURL: "https://cdn.example/U.mp4",
	})
	require.Error(t, err)
	assert.Nil(t, receipt)
	assert.Equal(t, "chat not found", failure.Message(err))
	assert.Equal(t, failure.VendorRejection, failure.KindOf(err))
}

func TestRateLimitedIsTransient(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusTooManyRequests,
		`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`, &got)
	p := NewTelegramPublisher(zap.NewNop(), WithAPIBase(srv.URL))

	_, err := p.Publish(context.Background(), target(), publisher.Content{
		Kind:     models.ContentVideo,
		AssetURL: "https://cdn.example/U.mp4",
	})
	require.Error(t, err)
	assert.True(t, failure.Retryable(err))
}

func TestValidateTarget(t *testing.T) {
	p := NewTelegramPublisher(zap.NewNop())
	assert.Error(t, p.ValidateTarget(publisher.Target{Platform: "telegram"}))
	assert.Error(t, p.ValidateTarget(publisher.Target{Platform: "telegram", ChatID: "1"}))
	assert.NoError(t, p.ValidateTarget(target()))

	withDefault := NewTelegramPublisher(zap.NewNop(), WithBotToken("GLOBAL"))
	assert.NoError(t, withDefault.ValidateTarget(publisher.Target{Platform: "telegram", ChatID: "1"}))
}

type fakeOpener struct {
	prefix string
	opened []string
}

func (o *fakeOpener) Handles(url string) bool { return strings.HasPrefix(url, o.prefix) }

func (o *fakeOpener) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	o.opened = append(o.opened, url)
	return io.NopCloser(strings.NewReader("VIDEO-BYTES")), nil
}

func TestPublishUploadsVendorAssets(t *testing.T) {
	var (
		path, chatID, caption, filename, file string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		chatID = r.FormValue("chat_id")
		caption = r.FormValue("caption")
		f, header, err := r.FormFile("video")
		require.NoError(t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		filename, file = header.Filename, string(data)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":9}}`))
	}))
	t.Cleanup(srv.Close)

	opener := &fakeOpener{prefix: "https://generativelanguage.googleapis.com/"}
	p := NewTelegramPublisher(zap.NewNop(), WithAPIBase(srv.URL), WithAssetOpener(opener))

	asset := "https://generativelanguage.googleapis.com/v1beta/files/abc:download?alt=media"
	receipt, err := p.Publish(context.Background(), target(), publisher.Content{
		Kind:     models.ContentVideo,
		AssetURL: asset,
		Caption:  "Morning clip",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{asset}, opener.opened)
	assert.Equal(t, "/botTOKEN/sendVideo", path)
	assert.Equal(t, "-100123", chatID)
	assert.Equal(t, "Morning clip", caption)
	assert.Equal(t, "video.mp4", filename)
	assert.Equal(t, "VIDEO-BYTES", file)
	assert.Equal(t, "9", receipt.PostID)
}

func TestPublicAssetsAreSentByURL(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusOK, `{"ok":true,"result":{"message_id":3}}`, &got)
	opener := &fakeOpener{prefix: "https://generativelanguage.googleapis.com/"}
	p := NewTelegramPublisher(zap.NewNop(), WithAPIBase(srv.URL), WithAssetOpener(opener))

	_, err := p.Publish(context.Background(), target(), publisher.Content{
		Kind:     models.ContentVideo,
		AssetURL: "https://cdn.example/U.mp4",
	})
	require.NoError(t, err)
	assert.Empty(t, opener.opened)
	assert.Equal(t, "https://cdn.example/U.mp4", got.body.Video)
}

package veo

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/models"
	"github.com/ifuryst/autoreel/internal/service/generation"
)

type fakeAPI struct {
	model   string
	prompt  string
	config  *genai.GenerateVideosConfig
	op      *genai.GenerateVideosOperation
	pollErr error
}

func (f *fakeAPI) GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error) {
	f.model, f.prompt, f.config = model, prompt, config
	return &genai.GenerateVideosOperation{Name: "models/veo/operations/op-1"}, nil
}

func (f *fakeAPI) GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error) {
	return f.op, f.pollErr
}

func TestSubmitStartsOperation(t *testing.T) {
	api := &fakeAPI{}
	a := newAdapter(api, "", nil)

	handle, err := a.Submit(context.Background(), generation.Request{
		Kind:            models.ContentVideo,
		Prompt:          "waves at dusk",
		DurationSeconds: 8,
		AspectRatio:     "16:9",
	})
	require.NoError(t, err)
	assert.Equal(t, "models/veo/operations/op-1", handle)
	assert.Equal(t, DefaultModel, api.model)
	require.NotNil(t, api.config.DurationSeconds)
	assert.EqualValues(t, 8, *api.config.DurationSeconds)
	assert.Equal(t, "16:9", api.config.AspectRatio)
}

func TestSubmitRejectsImages(t *testing.T) {
	a := newAdapter(&fakeAPI{}, "", nil)
	_, err := a.Submit(context.Background(), generation.Request{Kind: models.ContentImage})
	assert.Equal(t, failure.VendorRejection, failure.KindOf(err))
}

func TestPollStates(t *testing.T) {
	api := &fakeAPI{}
	a := newAdapter(api, "", nil)

	api.op = &genai.GenerateVideosOperation{Done: false}
	p, err := a.Poll(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, generation.StateInProgress, p.State)

	api.op = &genai.GenerateVideosOperation{
		Done: true,
		Response: &genai.GenerateVideosResponse{
			GeneratedVideos: []*genai.GeneratedVideo{{Video: &genai.Video{URI: "https://files.example/v.mp4"}}},
		},
	}
	p, err = a.Poll(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, generation.StateSucceeded, p.State)
	assert.Equal(t, "https://files.example/v.mp4", p.AssetURL)

	api.op = &genai.GenerateVideosOperation{
		Done:     true,
		Response: &genai.GenerateVideosResponse{RAIMediaFilteredReasons: []string{"unsafe content"}},
	}
	p, err = a.Poll(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, generation.StateFailed, p.State)
	assert.Equal(t, "unsafe content", p.Reason)

	api.op = &genai.GenerateVideosOperation{Done: true, Error: map[string]any{"message": "quota exceeded"}}
	p, err = a.Poll(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, "quota exceeded", p.Reason)
}

func TestPollClassifiesAPIErrors(t *testing.T) {
	api := &fakeAPI{pollErr: genai.APIError{Code: 503, Message: "backend unavailable"}}
	a := newAdapter(api, "", nil)

	_, err := a.Poll(context.Background(), "op-1")
	require.Error(t, err)
	assert.True(t, failure.Retryable(err))
	assert.Equal(t, "backend unavailable", failure.Message(err))

	api.pollErr = genai.APIError{Code: 404, Message: "operation not found"}
	_, err = a.Poll(context.Background(), "op-1")
	assert.Equal(t, failure.VendorRejection, failure.KindOf(err))
}

func TestReferenceImageFetchIsBounded(t *testing.T) {
	assert.Equal(t, DefaultFetchTimeout, newAdapter(&fakeAPI{}, "", nil).httpClient.Timeout)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	a := newAdapter(&fakeAPI{}, "", nil, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	_, err := a.Submit(context.Background(), generation.Request{
		Kind:              models.ContentVideo,
		Prompt:            "waves",
		ReferenceImageURL: srv.URL + "/ref.png",
	})
	require.Error(t, err)
	assert.True(t, failure.Retryable(err))
}

func TestOpenDownloadsWithAPIKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("VIDEO"))
	}))
	defer srv.Close()

	a := newAdapter(&fakeAPI{}, "", nil)
	a.apiKey = "KEY"

	body, err := a.Open(context.Background(), srv.URL+"/v1beta/files/abc:download?alt=media")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "VIDEO", string(data))
	assert.Equal(t, "KEY", gotKey)

	_, err = a.Open(context.Background(), srv.URL+"/missing")
	assert.Equal(t, failure.VendorRejection, failure.KindOf(err))
}

func TestHandlesOnlyGeminiFiles(t *testing.T) {
	a := newAdapter(&fakeAPI{}, "", nil)
	assert.True(t, a.Handles("https://generativelanguage.googleapis.com/v1beta/files/abc:download?alt=media"))
	assert.False(t, a.Handles("https://cdn.example/v.mp4"))
	assert.False(t, a.Handles("::not a url"))
}

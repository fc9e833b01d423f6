package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"genplane/internal/poller"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestGenerateImage(t *testing.T) {
	png := []byte("\x89PNG fake image bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/models/imagen:predict", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("x-goog-api-key"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "a red fox", gjson.GetBytes(body, "instances.0.prompt").String())

		fmt.Fprintf(w, `{"predictions":[{"bytesBase64Encoded":%q,"mimeType":"image/png"}]}`,
			base64.StdEncoding.EncodeToString(png))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/", ImageModel: "imagen", VideoModel: "veo"})
	img, err := c.GenerateImage(context.Background(), "key-1", "a red fox")
	require.NoError(t, err)
	assert.Equal(t, png, img.Data)
	assert.Equal(t, "image/png", img.MimeType)
}

func TestGenerateImage_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"predictions":[]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ImageModel: "imagen"})
	_, err := c.GenerateImage(context.Background(), "k", "p")
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestGenerateImage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"code":400,"message":"prompt blocked by safety filter"}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, ImageModel: "imagen"})
	_, err := c.GenerateImage(context.Background(), "k", "p")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "prompt blocked by safety filter", apiErr.Message)
}

func TestVideoOperation_SubmitAndPoll(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-2", r.Header.Get("x-goog-api-key"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/veo:predictLongRunning":
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "a fox running", gjson.GetBytes(body, "instances.0.prompt").String())
			assert.Equal(t, "image/png", gjson.GetBytes(body, "instances.0.image.mimeType").String())
			assert.Equal(t, "16:9", gjson.GetBytes(body, "parameters.aspectRatio").String())
			fmt.Fprint(w, `{"name":"models/veo/operations/op-1"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/models/veo/operations/op-1":
			polls++
			if polls == 1 {
				fmt.Fprint(w, `{"name":"models/veo/operations/op-1"}`)
				return
			}
			fmt.Fprint(w, `{"name":"models/veo/operations/op-1","done":true,"response":{"videos":[{"bytesBase64Encoded":"AAAA"}]}}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, VideoModel: "veo"})
	op := c.VideoOperation("key-2", VideoRequest{
		Prompt:      "a fox running",
		Image:       Image{Data: []byte("img"), MimeType: "image/png"},
		AspectRatio: "16:9",
	})

	ctx := context.Background()
	h, err := op.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, poller.Handle("models/veo/operations/op-1"), h)

	st, err := op.Poll(ctx, h)
	require.NoError(t, err)
	assert.False(t, st.Done)

	st, err = op.Poll(ctx, h)
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.NoError(t, st.Err)
	assert.Equal(t, "AAAA", gjson.GetBytes(st.Result, "response.videos.0.bytesBase64Encoded").String())
}

func TestVideoOperation_PollRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"done":true,"error":{"code":3,"message":"image violates usage guidelines"}}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, VideoModel: "veo"})
	st, err := c.VideoOperation("k", VideoRequest{}).Poll(context.Background(), "operations/x")
	require.NoError(t, err)
	assert.True(t, st.Done)
	require.Error(t, st.Err)
	assert.Equal(t, "image violates usage guidelines", st.Err.Error())
}

func TestVideoOperation_SubmitWithoutName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, VideoModel: "veo"})
	_, err := c.VideoOperation("k", VideoRequest{}).Submit(context.Background())
	assert.Error(t, err)
}

func TestDownloader(t *testing.T) {
	payload := bytes.Repeat([]byte{1}, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-3", r.Header.Get("x-goog-api-key"))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: "http://unused"})
	got, err := c.Downloader("key-3").Download(context.Background(), srv.URL+"/files/v:download")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloader_RejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{1}, 2049))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: "http://unused"})
	c.MaxResponseBytes = 2048

	got, err := c.Downloader("key-3").Download(context.Background(), srv.URL+"/files/v:download")
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Nil(t, got)

	c.MaxResponseBytes = 2049
	got, err = c.Downloader("key-3").Download(context.Background(), srv.URL+"/files/v:download")
	require.NoError(t, err)
	assert.Len(t, got, 2049)
}

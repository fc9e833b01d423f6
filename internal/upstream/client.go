// Package upstream talks to the generative AI vendor: a direct image
// synthesis call and a long-running video operation driven by the poller.
package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"genplane/internal/poller"

	"github.com/tidwall/gjson"
)

const apiKeyHeader = "x-goog-api-key"

// maxResponseBytes bounds responses that carry inline media.
const maxResponseBytes = 256 << 20

type Config struct {
	BaseURL    string
	ImageModel string
	VideoModel string
	Timeout    time.Duration
}

// APIError is a non-2xx response from the vendor.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error (%d): %s", e.StatusCode, e.Message)
}

// ErrEmptyImage means the image call succeeded without returning an image.
var ErrEmptyImage = errors.New("upstream returned no image")

// ErrResponseTooLarge means a response body exceeded the client's limit.
var ErrResponseTooLarge = errors.New("upstream response too large")

type Client struct {
	cfg        Config
	HTTPClient *http.Client
	// MaxResponseBytes caps every response body. Larger bodies are rejected,
	// never truncated.
	MaxResponseBytes int64
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:              cfg,
		HTTPClient:       &http.Client{Timeout: cfg.Timeout},
		MaxResponseBytes: maxResponseBytes,
	}
}

// Image is a synthesized still.
type Image struct {
	Data     []byte
	MimeType string
}

func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// GenerateImage runs one synchronous image synthesis call.
func (c *Client) GenerateImage(ctx context.Context, apiKey, prompt string) (Image, error) {
	body := map[string]any{
		"instances":  []map[string]any{{"prompt": prompt}},
		"parameters": map[string]any{"sampleCount": 1},
	}
	endpoint := fmt.Sprintf("%s/models/%s:predict", c.cfg.BaseURL, c.cfg.ImageModel)

	raw, err := c.do(ctx, http.MethodPost, endpoint, apiKey, body)
	if err != nil {
		return Image{}, fmt.Errorf("generate image: %w", err)
	}

	encoded := gjson.GetBytes(raw, "predictions.0.bytesBase64Encoded").String()
	if encoded == "" {
		return Image{}, ErrEmptyImage
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Image{}, fmt.Errorf("decode image: %w", err)
	}

	mime := gjson.GetBytes(raw, "predictions.0.mimeType").String()
	if mime == "" {
		mime = "image/png"
	}
	return Image{Data: data, MimeType: mime}, nil
}

// VideoRequest is the input of an image-to-video operation.
type VideoRequest struct {
	Prompt          string
	NegativePrompt  string
	Image           Image
	AspectRatio     string
	DurationSeconds int
}

// VideoOperation binds req and apiKey into a poller.Operation.
func (c *Client) VideoOperation(apiKey string, req VideoRequest) poller.Operation {
	return &videoOperation{client: c, apiKey: apiKey, req: req}
}

type videoOperation struct {
	client *Client
	apiKey string
	req    VideoRequest
}

func (o *videoOperation) Submit(ctx context.Context) (poller.Handle, error) {
	instance := map[string]any{
		"prompt": o.req.Prompt,
		"image": map[string]any{
			"bytesBase64Encoded": base64.StdEncoding.EncodeToString(o.req.Image.Data),
			"mimeType":           o.req.Image.MimeType,
		},
	}
	params := map[string]any{"sampleCount": 1}
	if o.req.AspectRatio != "" {
		params["aspectRatio"] = o.req.AspectRatio
	}
	if o.req.DurationSeconds > 0 {
		params["durationSeconds"] = o.req.DurationSeconds
	}
	if o.req.NegativePrompt != "" {
		params["negativePrompt"] = o.req.NegativePrompt
	}

	endpoint := fmt.Sprintf("%s/models/%s:predictLongRunning", o.client.cfg.BaseURL, o.client.cfg.VideoModel)
	raw, err := o.client.do(ctx, http.MethodPost, endpoint, o.apiKey, map[string]any{
		"instances":  []map[string]any{instance},
		"parameters": params,
	})
	if err != nil {
		return "", err
	}

	name := gjson.GetBytes(raw, "name").String()
	if name == "" {
		return "", fmt.Errorf("submit video: response has no operation name")
	}
	return poller.Handle(name), nil
}

func (o *videoOperation) Poll(ctx context.Context, h poller.Handle) (poller.Status, error) {
	endpoint := fmt.Sprintf("%s/%s", o.client.cfg.BaseURL, strings.TrimLeft(string(h), "/"))
	raw, err := o.client.do(ctx, http.MethodGet, endpoint, o.apiKey, nil)
	if err != nil {
		return poller.Status{}, err
	}

	doc := gjson.ParseBytes(raw)
	if !doc.Get("done").Bool() {
		return poller.Status{}, nil
	}
	if e := doc.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.Raw
		}
		return poller.Status{Done: true, Err: errors.New(msg)}, nil
	}
	return poller.Status{Done: true, Result: raw}, nil
}

// Downloader returns a poller.Downloader that authenticates with apiKey.
func (c *Client) Downloader(apiKey string) poller.Downloader {
	return keyedDownloader{client: c, apiKey: apiKey}
}

type keyedDownloader struct {
	client *Client
	apiKey string
}

func (d keyedDownloader) Download(ctx context.Context, uri string) ([]byte, error) {
	return d.client.do(ctx, http.MethodGet, uri, d.apiKey, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint, apiKey string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(respBody)) > c.MaxResponseBytes {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrResponseTooLarge, c.MaxResponseBytes, endpoint)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(respBody, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return respBody, nil
}

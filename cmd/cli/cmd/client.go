package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"genplane/internal/progress"
	"genplane/pkg/api"
)

// GenClient handles API calls to the genplane controller.
type GenClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// StreamClient has no overall timeout; generation streams run for minutes.
	StreamClient *http.Client
}

// NewGenClient creates a new client with the given base URL and token.
func NewGenClient(baseURL, token string) *GenClient {
	return &GenClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		StreamClient: &http.Client{},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func newAPIError(status int, body []byte) *APIError {
	var envelope api.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return &APIError{StatusCode: status, Message: envelope.Error, Code: envelope.Code}
	}
	return &APIError{StatusCode: status, Message: string(body)}
}

// do sends one JSON request and decodes a JSON response into out (if non-nil).
func (c *GenClient) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		bodyBytes, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// GetBalance sends GET /credits.
func (c *GenClient) GetBalance() (*api.BalanceResponse, error) {
	var result api.BalanceResponse
	if err := c.do(http.MethodGet, "/credits", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetHistory sends GET /credits/history.
func (c *GenClient) GetHistory(page, pageSize int) (*api.HistoryResponse, error) {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("page_size", fmt.Sprint(pageSize))

	var result api.HistoryResponse
	if err := c.do(http.MethodGet, "/credits/history?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetUsage sends GET /credits/usage.
func (c *GenClient) GetUsage() (*api.UsageResponse, error) {
	var result api.UsageResponse
	if err := c.do(http.MethodGet, "/credits/usage", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetBalance sends PUT /admin/credits/{user}.
func (c *GenClient) SetBalance(userID string, req api.SetBalanceRequest) (*api.BalanceResponse, error) {
	var result api.BalanceResponse
	if err := c.do(http.MethodPut, "/admin/credits/"+url.PathEscape(userID), req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateUser sends POST /admin/users.
func (c *GenClient) CreateUser(req api.CreateUserRequest) (*api.CreateUserResponse, error) {
	var result api.CreateUserResponse
	if err := c.do(http.MethodPost, "/admin/users", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// KeyPoolStatus sends GET /admin/keys.
func (c *GenClient) KeyPoolStatus() (*api.KeyPoolStatusResponse, error) {
	var result api.KeyPoolStatusResponse
	if err := c.do(http.MethodGet, "/admin/keys", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SidecarStatus sends GET /admin/avatar.
func (c *GenClient) SidecarStatus() (*api.SidecarStatusResponse, error) {
	var result api.SidecarStatusResponse
	if err := c.do(http.MethodGet, "/admin/avatar", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SidecarCommand sends POST /admin/avatar/{start|stop|restart}.
func (c *GenClient) SidecarCommand(action string) (*api.SidecarCommandResponse, error) {
	var result api.SidecarCommandResponse
	if err := c.do(http.MethodPost, "/admin/avatar/"+action, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Generate sends POST /generate/image-to-video and calls onEvent for every
// streamed event until the stream ends.
func (c *GenClient) Generate(req api.GenerateRequest, onEvent func(progress.Event) error) error {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.BaseURL+"/generate/image-to-video", bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("Content-Type", "application/json")
	httpReq.Header.Add("Accept", "text/event-stream")

	resp, err := c.StreamClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, respBody)
	}

	reader := progress.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
}

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/ankisho/TeamCloud/pkg/api"
	"github.com/ankisho/TeamCloud/pkg/engine"
)

// apiClient calls the orchestration API.
type apiClient struct {
	baseURL string
	client  *retryablehttp.Client
}

func newAPIClient(baseURL string) *apiClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = engine.LeveledLogger{Logger: log.Logger}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (c *apiClient) submit(ctx context.Context, cmd *engine.Command) (*engine.StatusResult, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, "/api/commands", body)
}

func (c *apiClient) status(ctx context.Context, trackingID, project string) (*engine.StatusResult, error) {
	path := "/api/status/" + url.PathEscape(trackingID)
	if project != "" {
		path = "/api/projects/" + url.PathEscape(project) + "/status/" + url.PathEscape(trackingID)
	}
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) cancel(ctx context.Context, trackingID string) (*engine.StatusResult, error) {
	return c.do(ctx, http.MethodDelete, "/api/status/"+url.PathEscape(trackingID), nil)
}

// do sends a request and decodes a status answer. Error answers are
// returned as errors carrying the server's code and message.
func (c *apiClient) do(ctx context.Context, method, path string, body []byte) (*engine.StatusResult, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if resp == nil {
		return nil, fmt.Errorf("failed to reach %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var status engine.StatusResult
	if json.Unmarshal(data, &status) == nil && status.Status != "" {
		if status.Location == "" {
			status.Location = resp.Header.Get("Location")
		}
		return &status, nil
	}

	var apiErr api.ErrorResult
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
		return nil, &responseError{StatusCode: resp.StatusCode, Result: apiErr}
	}
	return nil, fmt.Errorf("unexpected response %d from %s", resp.StatusCode, path)
}

// responseError is an error answer of the API.
type responseError struct {
	StatusCode int
	Result     api.ErrorResult
}

func (e *responseError) Error() string {
	msg := fmt.Sprintf("%s (%d %s)", e.Result.Message, e.StatusCode, e.Result.Code)
	for _, ce := range e.Result.Errors {
		msg += "; " + ce.Message
	}
	return msg
}

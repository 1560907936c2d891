package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// HTTPKeyAdmin manages callback keys through the host's administrative
// HTTP surface.
type HTTPKeyAdmin struct {
	baseURL   string
	masterKey string
	client    *retryablehttp.Client
}

// HTTPKeyAdminConfig configures an HTTPKeyAdmin.
type HTTPKeyAdminConfig struct {
	BaseURL   string
	MasterKey string
	RetryMax  int
	Timeout   time.Duration
	Logger    zerolog.Logger
}

type keyDocument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewHTTPKeyAdmin creates a key admin client.
func NewHTTPKeyAdmin(cfg HTTPKeyAdminConfig) *HTTPKeyAdmin {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.Logger = LeveledLogger{Logger: cfg.Logger.With().Str("component", "keyadmin").Logger()}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	return &HTTPKeyAdmin{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		masterKey: cfg.MasterKey,
		client:    client,
	}
}

func (a *HTTPKeyAdmin) keyURL(name string) string {
	u := a.baseURL + "/admin/functions/callback/keys"
	if name != "" {
		u += "/" + url.PathEscape(name)
	}
	return u + "?code=" + url.QueryEscape(a.masterKey)
}

// GetKey implements KeyAdmin.
func (a *HTTPKeyAdmin) GetKey(ctx context.Context, name string) (string, error) {
	var doc keyDocument
	status, err := a.do(ctx, http.MethodGet, a.keyURL(name), &doc)
	if status == http.StatusNotFound {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.Value, nil
}

// CreateKey implements KeyAdmin.
func (a *HTTPKeyAdmin) CreateKey(ctx context.Context, name string) (string, error) {
	var doc keyDocument
	if _, err := a.do(ctx, http.MethodPost, a.keyURL(name), &doc); err != nil {
		return "", err
	}
	return doc.Value, nil
}

// DeleteKey implements KeyAdmin. Deleting a missing key succeeds.
func (a *HTTPKeyAdmin) DeleteKey(ctx context.Context, name string) error {
	status, err := a.do(ctx, http.MethodDelete, a.keyURL(name), nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

func (a *HTTPKeyAdmin) do(ctx context.Context, method, target string, out any) (int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build key request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("key request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, fmt.Errorf("key request %s returned %d: %s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode key response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// LeveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type LeveledLogger struct {
	Logger zerolog.Logger
}

func (l LeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l LeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l LeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l LeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Warn().Fields(keysAndValues).Msg(msg)
}

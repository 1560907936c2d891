package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ankisho/TeamCloud/pkg/engine"
	"github.com/ankisho/TeamCloud/pkg/telemetry"
)

var _ engine.ProviderTransport = (*Client)(nil)

// Request headers understood by providers.
const (
	HeaderFunctionsKey = "X-Functions-Key"
	HeaderCommandID    = "X-TeamCloud-Command"
	HeaderProviderID   = "X-TeamCloud-Provider"
	HeaderRequestID    = "X-Request-Id"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 2048

// Client posts provider commands over HTTP.
type Client struct {
	client    *retryablehttp.Client
	headers   map[string]string
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger
}

// Config contains client configuration options.
type Config struct {
	// RetryMax is the number of retries after the first attempt. Defaults to
	// none: the workflow send policy retries provider commands.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the backoff between attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// RequestTimeout bounds a single attempt. Defaults to 30s.
	RequestTimeout time.Duration

	// Headers are sent with every request. Per-request headers win.
	Headers map[string]string

	// Telemetry, when set, records a span and metrics per request.
	Telemetry *telemetry.Telemetry

	Logger zerolog.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		RetryMax:       0,
		RetryWaitMin:   500 * time.Millisecond,
		RetryWaitMax:   10 * time.Second,
		RequestTimeout: 30 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

// NewClient creates a provider client.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "providers").Logger()

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	client.Logger = engine.LeveledLogger{Logger: logger}
	client.HTTPClient.Timeout = cfg.RequestTimeout
	client.HTTPClient.Transport = otelhttp.NewTransport(client.HTTPClient.Transport)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		client:    client,
		headers:   cfg.Headers,
		telemetry: cfg.Telemetry,
		logger:    logger,
	}
}

// Send implements engine.ProviderTransport. A 200 response carries the
// provider's result. A 202 response means the provider reports through the
// command's callback URL, and Send returns a nil result.
func (c *Client) Send(ctx context.Context, provider engine.Provider, command *engine.ProviderCommand) (*engine.CommandResult, error) {
	if provider.URL == "" {
		return nil, engine.NewValidationError(fmt.Sprintf("provider %s has no url", provider.ID), nil)
	}

	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider command: %w", err)
	}

	if c.telemetry != nil && telemetry.FromTelemetryContext(ctx) == nil {
		ctx = c.telemetry.WithContext(ctx)
	}

	var result *engine.CommandResult
	err = telemetry.RecordProviderOperation(ctx, provider.ID, command.CommandID, func(ctx context.Context) error {
		var err error
		result, err = c.post(ctx, provider, command, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, provider engine.Provider, command *engine.ProviderCommand, body []byte) (*engine.CommandResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, provider.URL, bytes.NewReader(body))
	if err != nil {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid url for provider %s", provider.ID), err)
	}

	headers := engine.MergeMaps(c.headers, map[string]string{
		"Content-Type":   "application/json",
		"Accept":         "application/json",
		HeaderCommandID:  command.CommandID,
		HeaderProviderID: provider.ID,
		HeaderRequestID:  uuid.NewString(),
	})
	if provider.AuthCode != "" {
		headers[HeaderFunctionsKey] = provider.AuthCode
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	log := c.logger.With().
		Str("provider_id", provider.ID).
		Str("command_id", command.CommandID).
		Logger()
	log.Debug().Str("url", provider.URL).Msg("Sending command to provider")

	// With the passthrough error handler a response is returned whenever
	// the last attempt got one, even when err is set.
	resp, err := c.client.Do(req)
	if resp == nil {
		return nil, engine.NewTransientError(fmt.Sprintf("provider %s unreachable", provider.ID), err).
			WithCode(engine.ErrCodeProviderFailed)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		_, _ = io.Copy(io.Discard, resp.Body)
		log.Debug().Msg("Provider accepted command for asynchronous processing")
		return nil, nil

	case resp.StatusCode == http.StatusOK:
		var result engine.CommandResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, engine.NewProviderFailure(fmt.Sprintf("provider %s returned an unreadable result", provider.ID), err)
		}
		if result.CommandID == "" {
			result.CommandID = command.CommandID
		}
		log.Debug().Str("status", string(result.RuntimeStatus)).Msg("Provider answered synchronously")
		return &result, nil

	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, engine.NewTransientError(statusMessage(provider.ID, resp), nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithDetail("status", resp.StatusCode)

	default:
		return nil, engine.NewProviderFailure(statusMessage(provider.ID, resp), nil).
			WithDetail("status", resp.StatusCode)
	}
}

func statusMessage(providerID string, resp *http.Response) string {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(bytes.TrimSpace(msg)) == 0 {
		return fmt.Sprintf("provider %s returned %d", providerID, resp.StatusCode)
	}
	return fmt.Sprintf("provider %s returned %d: %s", providerID, resp.StatusCode, bytes.TrimSpace(msg))
}

// ABOUTME: Minimal REST client for the endpoints the shard manager needs at startup
// ABOUTME: GatewayBot fetches the recommended shard count and the identify quota

package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/coven-discord/internal/protocol"
)

const (
	DefaultBaseURL    = "https://discord.com"
	DefaultAPIVersion = 10

	userAgent = "DiscordBot (https://github.com/2389/coven-discord, 1.0)"
)

// APIError is a non-2xx response.
type APIError struct {
	Status     int
	Code       int    // JSON error code, when the body has one
	Message    string
	RetryAfter time.Duration // set on 429
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("discord api returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("discord api returned status %d", e.Status)
}

// Client talks to the REST API with a bot token.
type Client struct {
	baseURL    string
	apiVersion int
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Options configures a Client. Zero values use the defaults.
type Options struct {
	BaseURL    string
	APIVersion int
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a REST client for the given bot token.
func NewClient(token string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.APIVersion == 0 {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiVersion: opts.APIVersion,
		token:      strings.TrimPrefix(token, "Bot "),
		httpClient: opts.HTTPClient,
		logger:     opts.Logger.With("component", "rest"),
	}
}

// GatewayBot returns the gateway URL, the recommended shard count and the
// session start limit for the bot.
func (c *Client) GatewayBot(ctx context.Context) (*protocol.GatewayBot, error) {
	var out protocol.GatewayBot
	if err := c.get(ctx, "/gateway/bot", &out); err != nil {
		return nil, err
	}
	if out.URL == "" || out.Shards < 1 {
		return nil, fmt.Errorf("incomplete gateway info: url=%q shards=%d", out.URL, out.Shards)
	}
	if out.SessionStartLimit.MaxConcurrency < 1 {
		out.SessionStartLimit.MaxConcurrency = 1
	}
	c.logger.Debug("fetched gateway info",
		"url", out.URL,
		"shards", out.Shards,
		"remaining", out.SessionStartLimit.Remaining,
		"max_concurrency", out.SessionStartLimit.MaxConcurrency,
	)
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	url := fmt.Sprintf("%s/api/v%d%s", c.baseURL, c.apiVersion, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	if gjson.ValidBytes(body) {
		res := gjson.GetManyBytes(body, "message", "code", "retry_after")
		apiErr.Message = res[0].String()
		apiErr.Code = int(res[1].Int())
		if res[2].Exists() {
			apiErr.RetryAfter = time.Duration(res[2].Float() * float64(time.Second))
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

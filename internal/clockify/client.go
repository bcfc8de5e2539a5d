package clockify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hillplain/clocksync/internal/clocksync"
)

const DefaultBaseURL = "https://api.clockify.me/api"

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Path       string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("clockify %s: http %d %s: %s", e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("clockify %s: http %d: %s", e.Path, e.StatusCode, e.Message)
}

type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     zerolog.Logger
}

// Client reads listings from the time-tracking API. It satisfies
// clocksync.RemoteSource.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	log        zerolog.Logger
}

var _ clocksync.RemoteSource = (*Client)(nil)

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		log:        opts.Logger.With().Str("component", "clockify").Logger(),
	}
}

func (c *Client) Workspaces(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	err := c.getJSON(ctx, "/v1/workspaces", nil, &out)
	return out, err
}

// ListPage reads one page of a workspace listing. Pages count from 1.
func (c *Client) ListPage(ctx context.Context, workspaceID string, resource clocksync.Resource, page, pageSize int, query url.Values) ([]map[string]any, error) {
	q := url.Values{}
	for key, values := range query {
		q[key] = append([]string(nil), values...)
	}
	if page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	if pageSize > 0 {
		q.Set("page-size", strconv.Itoa(pageSize))
	}
	var out []map[string]any
	err := c.getJSON(ctx, workspacePath(workspaceID, string(resource)), q, &out)
	return out, err
}

func (c *Client) ApprovalEntries(ctx context.Context, workspaceID, timesheetID string) ([]map[string]any, error) {
	var out []map[string]any
	err := c.getJSON(ctx, workspacePath(workspaceID, "approval-requests/"+url.PathEscape(timesheetID)+"/entries"), nil, &out)
	return out, err
}

func (c *Client) ApprovalExpenses(ctx context.Context, workspaceID, timesheetID string) ([]map[string]any, error) {
	var out []map[string]any
	err := c.getJSON(ctx, workspacePath(workspaceID, "approval-requests/"+url.PathEscape(timesheetID)+"/expenses"), nil, &out)
	return out, err
}

func workspacePath(workspaceID, rest string) string {
	return fmt.Sprintf("/v1/workspaces/%s/%s", url.PathEscape(workspaceID), rest)
}

func (c *Client) getJSON(ctx context.Context, requestPath string, query url.Values, out any) error {
	target := c.baseURL + requestPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Api-Key", c.apiKey)
		req.Header.Set("X-Correlation-Id", correlationID())
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				c.log.Warn().Err(err).Str("path", requestPath).Int("attempt", attempt+1).Msg("request failed, retrying")
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("decode %s: %w", requestPath, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			delay := c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))
			c.log.Warn().Int("status", resp.StatusCode).Str("path", requestPath).Dur("retryIn", delay).Msg("remote throttled or failing, retrying")
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    any    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		code := ""
		if errPayload.Code != nil {
			code = fmt.Sprint(errPayload.Code)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    errPayload.Message,
			Path:       requestPath,
		}
	}
}

func correlationID() string {
	return fmt.Sprintf("clocksync_%d", time.Now().UnixNano())
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

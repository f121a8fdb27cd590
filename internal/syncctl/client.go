// Package syncctl is a client for the relaysync control API.
package syncctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match a 409 on /sync/trigger against relaysync.ErrSweepInProgress.
func (e *HTTPError) Is(target error) bool {
	return target == relaysync.ErrSweepInProgress && e.StatusCode == http.StatusConflict && e.Code == "sweep_in_progress"
}

type TriggerResult struct {
	Status        string `json:"status"`
	Trigger       string `json:"trigger"`
	CorrelationID string `json:"correlationId"`
}

type StoreHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthReport struct {
	Status string                 `json:"status"`
	Stores map[string]StoreHealth `json:"stores"`
}

type EventsQuery struct {
	Limit int
	Type  relaysync.BusEventType
	Since time.Time
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Trigger(ctx context.Context, triggerType string) (TriggerResult, error) {
	var out TriggerResult
	err := c.doJSON(ctx, http.MethodPost, "/sync/trigger", map[string]string{"type": triggerType}, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (relaysync.Status, error) {
	var out relaysync.Status
	err := c.doJSON(ctx, http.MethodGet, "/sync/status", nil, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, query EventsQuery) ([]relaysync.BusEvent, error) {
	q := url.Values{}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Type != "" {
		q.Set("type", string(query.Type))
	}
	if !query.Since.IsZero() {
		q.Set("since", query.Since.UTC().Format(time.RFC3339Nano))
	}
	path := "/sync/events"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out struct {
		Events []relaysync.BusEvent `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Health reports per-store health. A degraded service answers 503 with a report, so
// that status is decoded rather than treated as an error.
func (c *Client) Health(ctx context.Context) (HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthReport{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthReport{}, err
	}
	defer resp.Body.Close()
	var report HealthReport
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return HealthReport{}, &HTTPError{StatusCode: resp.StatusCode, Message: "unexpected health response"}
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return HealthReport{}, fmt.Errorf("decode health report: %w", err)
	}
	return report, nil
}

// Follow streams live bus events until ctx ends, the server closes the stream or handle
// returns an error. An empty eventType follows every type.
func (c *Client) Follow(ctx context.Context, eventType relaysync.BusEventType, handle func(relaysync.BusEvent) error) error {
	streamURL, err := url.Parse(c.baseURL + "/sync/events/stream")
	if err != nil {
		return err
	}
	switch streamURL.Scheme {
	case "https":
		streamURL.Scheme = "wss"
	default:
		streamURL.Scheme = "ws"
	}
	if eventType != "" {
		q := streamURL.Query()
		q.Set("type", string(eventType))
		streamURL.RawQuery = q.Encode()
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	// websocket.Dial refuses clients with a Timeout; the stream is bounded by ctx instead.
	dialClient := *c.httpClient
	dialClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, streamURL.String(), &websocket.DialOptions{HTTPClient: &dialClient, HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return &HTTPError{StatusCode: resp.StatusCode, Message: "event stream rejected"}
		}
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		var event relaysync.BusEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return fmt.Errorf("decode bus event: %w", err)
		}
		if err := handle(event); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", "ctl_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
	}
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
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
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

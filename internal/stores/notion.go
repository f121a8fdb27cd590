package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const (
	DefaultNotionBaseURL    = "https://api.notion.com"
	DefaultNotionAPIVersion = "2022-06-28"
	notionMaxPageSize       = 100
)

type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider for a fixed integration token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type NotionOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	APIVersion    string
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Collections   relaysync.CollectionResolver
	Logger        logrus.FieldLogger
}

// NotionAdapter is the workspace store adapter. Each entity type lives in one Notion
// database; records are pages and fields are page properties.
type NotionAdapter struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	apiVersion    string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	collections   relaysync.CollectionResolver
	logger        logrus.FieldLogger
}

func NewNotionAdapter(opts NotionOptions) *NotionAdapter {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultNotionBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultNotionAPIVersion
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NotionAdapter{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		apiVersion:    apiVersion,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		collections:   opts.Collections,
		logger:        logger,
	}
}

func (a *NotionAdapter) Kind() relaysync.StoreKind {
	return relaysync.StoreWorkspace
}

type notionPage struct {
	Object         string         `json:"object"`
	ID             string         `json:"id"`
	LastEditedTime string         `json:"last_edited_time"`
	Archived       bool           `json:"archived"`
	InTrash        bool           `json:"in_trash"`
	Parent         map[string]any `json:"parent"`
	Properties     map[string]any `json:"properties"`
}

type notionQueryResponse struct {
	Results    []notionPage `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor *string      `json:"next_cursor"`
}

func (a *NotionAdapter) FetchByID(ctx context.Context, entityType, nativeID string) (relaysync.NativeRecord, error) {
	database, err := a.database(entityType, OpFetch)
	if err != nil {
		return relaysync.NativeRecord{}, err
	}
	var page notionPage
	if err := a.do(ctx, OpFetch, http.MethodGet, "/v1/pages/"+url.PathEscape(nativeID), nil, &page); err != nil {
		return relaysync.NativeRecord{}, err
	}
	if parent := pageDatabase(page); parent != "" && parent != database {
		return relaysync.NativeRecord{}, relaysync.NotFoundError(relaysync.StoreWorkspace, OpFetch, nativeID)
	}
	return toNativeRecord(page, database)
}

// QueryChangedSince asks Notion for pages edited on or after query.Since, oldest first,
// and applies the (time, id) cursor locally since Notion cannot order by id.
func (a *NotionAdapter) QueryChangedSince(ctx context.Context, entityType string, query relaysync.ChangeQuery) ([]relaysync.NativeRecord, error) {
	database, err := a.database(entityType, OpQuery)
	if err != nil {
		return nil, err
	}
	pageSize := notionMaxPageSize
	if query.Limit > 0 && query.Limit < pageSize {
		pageSize = query.Limit
	}
	body := map[string]any{
		"page_size": pageSize,
		"sorts": []any{
			map[string]any{"timestamp": "last_edited_time", "direction": "ascending"},
		},
	}
	if !query.Since.IsZero() {
		body["filter"] = map[string]any{
			"timestamp":        "last_edited_time",
			"last_edited_time": map[string]any{"on_or_after": query.Since.UTC().Format(time.RFC3339)},
		}
	}

	var out []relaysync.NativeRecord
	for {
		var resp notionQueryResponse
		if err := a.do(ctx, OpQuery, http.MethodPost, "/v1/databases/"+url.PathEscape(database)+"/query", body, &resp); err != nil {
			return nil, err
		}
		var lastSeen time.Time
		for _, page := range resp.Results {
			record, err := toNativeRecord(page, database)
			if err != nil {
				return nil, err
			}
			lastSeen = record.LastModifiedAt
			if query.After(record.LastModifiedAt, record.NativeID) {
				out = append(out, record)
			}
		}
		if !resp.HasMore || resp.NextCursor == nil || *resp.NextCursor == "" {
			break
		}
		if query.Limit > 0 && len(out) >= query.Limit && lastSeen.After(out[query.Limit-1].LastModifiedAt) {
			break
		}
		body["start_cursor"] = *resp.NextCursor
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModifiedAt.Equal(out[j].LastModifiedAt) {
			return out[i].LastModifiedAt.Before(out[j].LastModifiedAt)
		}
		return out[i].NativeID < out[j].NativeID
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// Upsert creates a page when nativeID is empty. Otherwise it patches only the given
// properties, skipping the write when the page already carries the same values.
func (a *NotionAdapter) Upsert(ctx context.Context, entityType, nativeID string, fields relaysync.NativePayload) (relaysync.UpsertResult, error) {
	database, err := a.database(entityType, OpUpsert)
	if err != nil {
		return relaysync.UpsertResult{}, err
	}
	if nativeID == "" {
		var page notionPage
		body := map[string]any{
			"parent":     map[string]any{"database_id": database},
			"properties": map[string]any(fields),
		}
		if err := a.do(ctx, OpUpsert, http.MethodPost, "/v1/pages", body, &page); err != nil {
			return relaysync.UpsertResult{}, err
		}
		record, err := toNativeRecord(page, database)
		if err != nil {
			return relaysync.UpsertResult{}, err
		}
		return relaysync.UpsertResult{NativeID: record.NativeID, Created: true, Changed: true, ModifiedAt: record.LastModifiedAt}, nil
	}

	current, err := a.FetchByID(ctx, entityType, nativeID)
	if err != nil {
		return relaysync.UpsertResult{}, err
	}
	if !current.Archived && propertiesMatch(current.Properties, fields) {
		return relaysync.UpsertResult{NativeID: current.NativeID, ModifiedAt: current.LastModifiedAt}, nil
	}
	var page notionPage
	body := map[string]any{"properties": map[string]any(fields)}
	if current.Archived {
		body["archived"] = false
	}
	if err := a.do(ctx, OpUpsert, http.MethodPatch, "/v1/pages/"+url.PathEscape(nativeID), body, &page); err != nil {
		return relaysync.UpsertResult{}, err
	}
	record, err := toNativeRecord(page, database)
	if err != nil {
		return relaysync.UpsertResult{}, err
	}
	return relaysync.UpsertResult{NativeID: record.NativeID, Changed: true, ModifiedAt: record.LastModifiedAt}, nil
}

func (a *NotionAdapter) Archive(ctx context.Context, entityType, nativeID string) error {
	if _, err := a.database(entityType, OpArchive); err != nil {
		return err
	}
	body := map[string]any{"archived": true}
	return a.do(ctx, OpArchive, http.MethodPatch, "/v1/pages/"+url.PathEscape(nativeID), body, nil)
}

func (a *NotionAdapter) HealthCheck(ctx context.Context) error {
	return a.do(ctx, OpHealth, http.MethodGet, "/v1/users/me", nil, nil)
}

func (a *NotionAdapter) database(entityType, op string) (string, error) {
	if a.collections == nil {
		return "", relaysync.ValidationError(relaysync.StoreWorkspace, op, errors.New("no collection resolver configured"))
	}
	database, ok := a.collections.Collection(relaysync.StoreWorkspace, entityType)
	if !ok || database == "" {
		return "", relaysync.ValidationError(relaysync.StoreWorkspace, op, fmt.Errorf("entity %q has no workspace database", entityType))
	}
	return compactID(database), nil
}

// do sends one API request, retrying network errors, 429 and 5xx responses with
// exponential backoff that honors Retry-After. Failures come back as classified
// AdapterErrors.
func (a *NotionAdapter) do(ctx context.Context, op, method, path string, payload, out any) error {
	if a.tokenProvider == nil {
		return relaysync.AuthError(relaysync.StoreWorkspace, op, errors.New("notion token provider is required"))
	}
	token, err := a.tokenProvider(ctx)
	if err != nil {
		return relaysync.AuthError(relaysync.StoreWorkspace, op, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return relaysync.AuthError(relaysync.StoreWorkspace, op, errors.New("notion token is empty"))
	}
	var bodyBytes []byte
	if payload != nil {
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return relaysync.ValidationError(relaysync.StoreWorkspace, op, err)
		}
	}
	endpoint := a.baseURL + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return relaysync.ValidationError(relaysync.StoreWorkspace, op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Notion-Version", a.apiVersion)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if a.userAgent != "" {
			req.Header.Set("User-Agent", a.userAgent)
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return relaysync.TransientError(relaysync.StoreWorkspace, op, ctx.Err())
			}
			if attempt < a.maxRetries {
				if waitErr := sleepContext(ctx, a.retryDelay(attempt+1, "")); waitErr != nil {
					return relaysync.TransientError(relaysync.StoreWorkspace, op, waitErr)
				}
				continue
			}
			return relaysync.TransientError(relaysync.StoreWorkspace, op, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return relaysync.TransientError(relaysync.StoreWorkspace, op, readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return relaysync.TransientError(relaysync.StoreWorkspace, op, fmt.Errorf("decode notion response: %w", err))
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < a.maxRetries {
			delay := a.retryDelay(attempt+1, resp.Header.Get("Retry-After"))
			a.logger.WithFields(logrus.Fields{"status": resp.StatusCode, "path": path, "delay": delay}).Debug("retrying notion request")
			if waitErr := sleepContext(ctx, delay); waitErr != nil {
				return relaysync.TransientError(relaysync.StoreWorkspace, op, waitErr)
			}
			continue
		}
		return classifyNotionResponse(op, path, resp.StatusCode, respBody)
	}
}

func classifyNotionResponse(op, path string, status int, body []byte) error {
	errCode := ""
	errMessage := strings.TrimSpace(string(body))
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			errCode = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			errMessage = message
		}
	}
	var err error
	if errCode != "" {
		err = fmt.Errorf("notion request failed: status=%d code=%s message=%s", status, errCode, errMessage)
	} else {
		err = fmt.Errorf("notion request failed: status=%d message=%s", status, errMessage)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return relaysync.AuthError(relaysync.StoreWorkspace, op, err)
	case status == http.StatusNotFound:
		return relaysync.NewAdapterError(relaysync.StoreWorkspace, op, relaysync.ErrorClassNotFound, fmt.Errorf("%w: %s: %v", relaysync.ErrNotFound, path, err))
	case status == http.StatusTooManyRequests:
		return relaysync.RateLimitedError(relaysync.StoreWorkspace, op, err)
	case status == http.StatusConflict || status >= 500:
		return relaysync.TransientError(relaysync.StoreWorkspace, op, err)
	default:
		return relaysync.ValidationError(relaysync.StoreWorkspace, op, err)
	}
}

func (a *NotionAdapter) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > a.maxDelay {
			return a.maxDelay
		}
		return retryAfter
	}
	delay := a.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= a.maxDelay {
			return a.maxDelay
		}
	}
	if delay > a.maxDelay {
		return a.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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

func toNativeRecord(page notionPage, database string) (relaysync.NativeRecord, error) {
	if page.ID == "" {
		return relaysync.NativeRecord{}, relaysync.TransientError(relaysync.StoreWorkspace, "decode", errors.New("notion page without id"))
	}
	modifiedAt, err := time.Parse(time.RFC3339Nano, page.LastEditedTime)
	if err != nil {
		return relaysync.NativeRecord{}, relaysync.TransientError(relaysync.StoreWorkspace, "decode", fmt.Errorf("page %s last_edited_time %q: %w", page.ID, page.LastEditedTime, err))
	}
	properties := relaysync.NativePayload{}
	for name, value := range page.Properties {
		properties[name] = value
	}
	return relaysync.NativeRecord{
		NativeID:       page.ID,
		Collection:     database,
		Properties:     properties,
		LastModifiedAt: modifiedAt.UTC(),
		Archived:       page.Archived || page.InTrash,
	}, nil
}

func pageDatabase(page notionPage) string {
	for _, key := range []string{"database_id", "data_source_id"} {
		if id, ok := page.Parent[key].(string); ok && id != "" {
			return compactID(id)
		}
	}
	return ""
}

func compactID(id string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
}

// propertiesMatch reports whether every desired property already holds the same plain
// value on the page.
func propertiesMatch(current, desired relaysync.NativePayload) bool {
	for name, want := range desired {
		have, ok := current[name]
		if !ok {
			return false
		}
		if comparableValue(relaysync.WorkspacePropertyValue(have)) != comparableValue(relaysync.WorkspacePropertyValue(want)) {
			return false
		}
	}
	return true
}

func comparableValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts.UTC().Format(time.RFC3339Nano)
		}
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, comparableValue(item))
		}
		return strings.Join(parts, "\x1f")
	default:
		return fmt.Sprint(v)
	}
}

var _ relaysync.StoreAdapter = (*NotionAdapter)(nil)

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/stores"
)

const testSecret = "test-jwt-secret"

type fakeEngine struct {
	mu       sync.Mutex
	status   relaysync.Status
	startErr error
	started  []relaysync.SweepOptions
}

func (e *fakeEngine) Status() relaysync.Status { return e.status }

func (e *fakeEngine) StartSweep(opts relaysync.SweepOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.started = append(e.started, opts)
	return nil
}

type fakeWebhooks struct {
	err      error
	received []relaysync.WorkspaceWebhook
}

func (f *fakeWebhooks) HandleWorkspaceWebhook(_ context.Context, hook relaysync.WorkspaceWebhook) (relaysync.ChangeEvent, error) {
	f.received = append(f.received, hook)
	if f.err != nil {
		return relaysync.ChangeEvent{}, f.err
	}
	return relaysync.ChangeEvent{ID: "evt-1", EntityType: "task"}, nil
}

type fixture struct {
	server    *Server
	engine    *fakeEngine
	webhooks  *fakeWebhooks
	bus       *relaysync.EventBus
	workspace *stores.MemoryAdapter
	now       time.Time
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return now }
	}
	workspace := stores.NewMemoryAdapter(relaysync.StoreWorkspace)
	adapters, err := relaysync.NewAdapterSet(stores.NewMemoryAdapter(relaysync.StoreRelational), workspace)
	require.NoError(t, err)
	f := &fixture{
		engine:    &fakeEngine{},
		webhooks:  &fakeWebhooks{},
		bus:       relaysync.NewEventBus(relaysync.EventBusOptions{Logger: logger, HistorySize: 50}),
		workspace: workspace,
		now:       now,
	}
	f.server = NewServer(Dependencies{
		Engine:   f.engine,
		Webhooks: f.webhooks,
		Bus:      f.bus,
		Adapters: adapters,
		Logger:   logger,
	}, cfg)
	return f
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    string
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, strings.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealthReportsEachStore(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	rec := doRequest(t, f.server, request{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))

	f.workspace.FailNext(stores.OpHealth, relaysync.AuthError(relaysync.StoreWorkspace, "health", errors.New("token revoked")), 1)
	rec = doRequest(t, f.server, request{method: http.MethodGet, path: "/health"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	storesBody := body["stores"].(map[string]any)
	assert.Equal(t, "healthy", storesBody["relational"].(map[string]any)["status"])
	assert.Equal(t, "unhealthy", storesBody["workspace"].(map[string]any)["status"])
}

func TestSyncRoutesRequireTokenWhenSecretConfigured(t *testing.T) {
	f := newFixture(t, ServerConfig{JWTSecret: testSecret})
	future := f.now.Add(time.Hour)

	cases := []struct {
		name    string
		method  string
		path    string
		headers map[string]string
		want    int
	}{
		{name: "no token", method: http.MethodGet, path: "/sync/status", want: http.StatusUnauthorized},
		{name: "bad signature", method: http.MethodGet, path: "/sync/status", headers: bearer(mustTestJWT(t, "other", "ops", []string{scopeRead}, tokenAudience, future)), want: http.StatusUnauthorized},
		{name: "wrong audience", method: http.MethodGet, path: "/sync/status", headers: bearer(mustTestJWT(t, testSecret, "ops", []string{scopeRead}, "billing", future)), want: http.StatusUnauthorized},
		{name: "expired", method: http.MethodGet, path: "/sync/status", headers: bearer(mustTestJWT(t, testSecret, "ops", []string{scopeRead}, tokenAudience, f.now.Add(-time.Minute))), want: http.StatusUnauthorized},
		{name: "missing scope", method: http.MethodPost, path: "/sync/trigger", headers: bearer(mustTestJWT(t, testSecret, "ops", []string{scopeRead}, tokenAudience, future)), want: http.StatusForbidden},
		{name: "read scope", method: http.MethodGet, path: "/sync/status", headers: bearer(mustTestJWT(t, testSecret, "ops", []string{scopeRead}, tokenAudience, future)), want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, f.server, request{method: tc.method, path: tc.path, headers: tc.headers})
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	rec := doRequest(t, f.server, request{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, f.server, request{method: http.MethodGet, path: "/sync/nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSweep(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	rec := doRequest(t, f.server, request{method: http.MethodPost, path: "/sync/trigger", body: `{"type":"incremental-to-neo4j"}`})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "incremental-to-neo4j", decodeBody(t, rec)["trigger"])
	require.Len(t, f.engine.started, 1)
	assert.Equal(t, []relaysync.StoreKind{relaysync.StoreGraph}, f.engine.started[0].Targets)

	rec = doRequest(t, f.server, request{method: http.MethodPost, path: "/sync/trigger"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, relaysync.TriggerIncremental, f.engine.started[1].Trigger)

	rec = doRequest(t, f.server, request{method: http.MethodPost, path: "/sync/trigger", body: `{"type":"sideways"}`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, f.server, request{method: http.MethodPost, path: "/sync/trigger", body: `{"type":`})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.engine.startErr = relaysync.ErrSweepInProgress
	rec = doRequest(t, f.server, request{method: http.MethodPost, path: "/sync/trigger", body: `{"type":"full"}`})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "sweep_in_progress", decodeBody(t, rec)["code"])
	assert.Len(t, f.engine.started, 2)
}

func TestStatusServesEngineStatus(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	synced := f.now.Add(-time.Minute)
	f.engine.status = relaysync.Status{
		LastSync:   &synced,
		IsRunning:  true,
		Errors:     []relaysync.StatusError{{At: synced, Message: "boom", ErrorClass: relaysync.ErrorClassTransient}},
		Statistics: relaysync.Statistics{EventsProcessed: 7, Succeeded: 6, Failed: 1},
	}

	rec := doRequest(t, f.server, request{method: http.MethodGet, path: "/sync/status"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["isRunning"])
	assert.Equal(t, synced.Format(time.RFC3339), body["lastSync"])
	assert.Len(t, body["errors"], 1)
	assert.Equal(t, float64(7), body["statistics"].(map[string]any)["eventsProcessed"])
}

func TestEventsHistoryFilters(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	base := f.now
	for i, eventType := range []relaysync.BusEventType{
		relaysync.EventSyncCompleted, relaysync.EventSyncError, relaysync.EventSyncCompleted, relaysync.EventSyncCompleted,
	} {
		f.bus.Publish(relaysync.BusEvent{Type: eventType, Timestamp: base.Add(time.Duration(i) * time.Second), CanonicalID: fmt.Sprintf("c%d", i)})
	}

	type eventsBody struct {
		Events []relaysync.BusEvent `json:"events"`
	}
	get := func(query string) (int, eventsBody) {
		rec := doRequest(t, f.server, request{method: http.MethodGet, path: "/sync/events" + query})
		var body eventsBody
		if rec.Code == http.StatusOK {
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		}
		return rec.Code, body
	}

	code, body := get("")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Events, 4)
	assert.Equal(t, "c3", body.Events[0].CanonicalID)

	_, body = get("?limit=2&type=sync_completed")
	require.Len(t, body.Events, 2)
	assert.Equal(t, "c3", body.Events[0].CanonicalID)
	assert.Equal(t, "c2", body.Events[1].CanonicalID)

	_, body = get("?since=" + base.Add(2*time.Second).Format(time.RFC3339))
	assert.Len(t, body.Events, 2)

	for _, bad := range []string{"?limit=0", "?limit=51", "?limit=x", "?type=exploded", "?since=yesterday"} {
		code, _ := get(bad)
		assert.Equal(t, http.StatusBadRequest, code, bad)
	}
}

func signedWebhook(secret string, ts time.Time, body string) map[string]string {
	timestamp := ts.Format(time.RFC3339)
	return map[string]string{
		"X-Relaysync-Timestamp": timestamp,
		"X-Relaysync-Signature": "sha256=" + signWebhook(secret, timestamp, []byte(body)),
	}
}

func TestWorkspaceWebhook(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	body := `{"object":"page","event":"page.properties_updated","page":{"id":"page-1","parent":{"type":"database_id","database_id":"db-1"}}}`

	rec := doRequest(t, f.server, request{method: http.MethodPost, path: "/webhooks/workspace", body: body})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "accepted", decodeBody(t, rec)["status"])
	require.Len(t, f.webhooks.received, 1)
	assert.Equal(t, "page-1", f.webhooks.received[0].Page.ID)
	assert.Equal(t, "db-1", f.webhooks.received[0].Page.ParentID())

	for _, invalid := range []string{`{"event":"page.updated"}`, `{"event":"page.updated","page":{"id":""}}`, `{"page":{"id":"p"}}`, `not json`} {
		rec = doRequest(t, f.server, request{method: http.MethodPost, path: "/webhooks/workspace", body: invalid})
		assert.Equal(t, http.StatusBadRequest, rec.Code, invalid)
	}
	assert.Len(t, f.webhooks.received, 1)

	rec = doRequest(t, f.server, request{method: http.MethodPost, path: "/webhooks/workspace", body: `{"verification_token":"secret_verify"}`})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "verified", decodeBody(t, rec)["status"])
}

func TestWorkspaceWebhookOutcomes(t *testing.T) {
	body := `{"event":"page.updated","page":{"id":"page-1","parent":"db-1"}}`
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "unmapped", err: fmt.Errorf("%w: parent", relaysync.ErrUnmapped), status: http.StatusOK},
		{name: "invalid", err: fmt.Errorf("%w: page", relaysync.ErrInvalidInput), status: http.StatusBadRequest, code: "invalid_webhook"},
		{name: "stopped", err: relaysync.ErrEngineStopped, status: http.StatusServiceUnavailable, code: "unavailable"},
		{name: "transient fetch", err: relaysync.TransientError(relaysync.StoreWorkspace, "fetch", errors.New("502")), status: http.StatusServiceUnavailable, code: "upstream_unavailable"},
		{name: "auth failure", err: relaysync.AuthError(relaysync.StoreWorkspace, "fetch", errors.New("401")), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, ServerConfig{})
			f.webhooks.err = tc.err
			rec := doRequest(t, f.server, request{method: http.MethodPost, path: "/webhooks/workspace", body: body})
			assert.Equal(t, tc.status, rec.Code)
			if tc.code != "" {
				assert.Equal(t, tc.code, decodeBody(t, rec)["code"])
			} else {
				assert.Equal(t, "ignored", decodeBody(t, rec)["status"])
			}
		})
	}
}

func TestWorkspaceWebhookSignature(t *testing.T) {
	const secret = "hook-secret"
	f := newFixture(t, ServerConfig{WebhookSecret: secret, WebhookMaxSkew: time.Minute})
	body := `{"event":"page.created","page":{"id":"page-9","parent":"db-1"}}`
	send := func(headers map[string]string) int {
		return doRequest(t, f.server, request{method: http.MethodPost, path: "/webhooks/workspace", body: body, headers: headers}).Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(nil))
	assert.Equal(t, http.StatusUnauthorized, send(signedWebhook("wrong", f.now, body)))
	assert.Equal(t, http.StatusUnauthorized, send(signedWebhook(secret, f.now.Add(-2*time.Minute), body)))

	headers := signedWebhook(secret, f.now, body)
	assert.Equal(t, http.StatusOK, send(headers))
	assert.Equal(t, http.StatusConflict, send(headers))
	assert.Len(t, f.webhooks.received, 1)
}

func TestWebhookBodyLimit(t *testing.T) {
	f := newFixture(t, ServerConfig{MaxBodyBytes: 32})
	body := `{"event":"page.created","page":{"id":"` + strings.Repeat("x", 64) + `"}}`
	rec := doRequest(t, f.server, request{method: http.MethodPost, path: "/webhooks/workspace", body: body})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimitingPerClient(t *testing.T) {
	f := newFixture(t, ServerConfig{JWTSecret: testSecret, RateLimitMax: 2, RateLimitWindow: time.Minute})
	future := f.now.Add(time.Hour)
	alice := bearer(mustTestJWT(t, testSecret, "alice", []string{scopeRead}, tokenAudience, future))
	bob := bearer(mustTestJWT(t, testSecret, "bob", []string{scopeRead}, tokenAudience, future))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, doRequest(t, f.server, request{method: http.MethodGet, path: "/sync/status", headers: alice}).Code)
	}
	limited := doRequest(t, f.server, request{method: http.MethodGet, path: "/sync/status", headers: alice})
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, doRequest(t, f.server, request{method: http.MethodGet, path: "/sync/status", headers: bob}).Code)
}

func TestDashboardServesHTML(t *testing.T) {
	f := newFixture(t, ServerConfig{JWTSecret: testSecret})
	rec := doRequest(t, f.server, request{method: http.MethodGet, path: "/sync/dashboard"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "/sync/events/stream")
}

func TestEventStreamForwardsFilteredEvents(t *testing.T) {
	f := newFixture(t, ServerConfig{JWTSecret: testSecret})
	srv := httptest.NewServer(f.server)
	defer srv.Close()
	token := mustTestJWT(t, testSecret, "ops", []string{scopeRead}, tokenAudience, f.now.Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/sync/events/stream", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync/events/stream?type=sync_error&access_token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// The subscription is registered after the handshake, so publish until a frame arrives.
	publishCtx, stopPublishing := context.WithCancel(ctx)
	defer stopPublishing()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			f.bus.Publish(relaysync.BusEvent{Type: relaysync.EventSyncCompleted, CanonicalID: "ok"})
			f.bus.Publish(relaysync.BusEvent{Type: relaysync.EventSyncError, CanonicalID: "bad", Message: "exhausted"})
			select {
			case <-publishCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	msgType, data, err := conn.Read(ctx)
	require.NoError(t, err)
	stopPublishing()
	assert.Equal(t, websocket.MessageText, msgType)
	var event relaysync.BusEvent
	require.NoError(t, json.NewDecoder(bytes.NewReader(data)).Decode(&event))
	assert.Equal(t, relaysync.EventSyncError, event.Type)
	assert.Equal(t, "bad", event.CanonicalID)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

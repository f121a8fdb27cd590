package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

// SyncController is the part of the engine the control API drives.
type SyncController interface {
	Status() relaysync.Status
	StartSweep(opts relaysync.SweepOptions) error
}

// WebhookReceiver turns a workspace webhook into a change event.
type WebhookReceiver interface {
	HandleWorkspaceWebhook(ctx context.Context, hook relaysync.WorkspaceWebhook) (relaysync.ChangeEvent, error)
}

type Dependencies struct {
	Engine   SyncController
	Webhooks WebhookReceiver
	Bus      *relaysync.EventBus
	Adapters relaysync.AdapterSet
	Logger   logrus.FieldLogger
}

type ServerConfig struct {
	// JWTSecret enables bearer authentication on /sync/* when set.
	JWTSecret string
	// WebhookSecret enables signature checks on inbound webhooks when set.
	WebhookSecret   string
	WebhookMaxSkew  time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	HealthTimeout   time.Duration
	OriginPatterns  []string
	Clock           func() time.Time
}

type Server struct {
	engine   SyncController
	webhooks WebhookReceiver
	bus      *relaysync.EventBus
	adapters relaysync.AdapterSet
	logger   logrus.FieldLogger
	cfg      ServerConfig
	now      func() time.Time

	rateLimiter *rateLimiter
	replayMu    sync.Mutex
	replaySeen  map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

const defaultEventsLimit = 100

func NewServer(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      deps.Engine,
		webhooks:    deps.Webhooks,
		bus:         deps.Bus,
		adapters:    deps.Adapters,
		logger:      logger.WithField("component", "httpapi"),
		cfg:         cfg,
		now:         now,
		rateLimiter: limiter,
		replaySeen:  map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w, r)
		return
	case r.URL.Path == "/webhooks/workspace" && r.Method == http.MethodPost:
		s.handleWorkspaceWebhook(w, r, correlationID)
		return
	case r.URL.Path == "/sync/dashboard" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
		return
	}

	var requiredScope, route string
	switch {
	case r.URL.Path == "/sync/trigger" && r.Method == http.MethodPost:
		requiredScope, route = scopeTrigger, "trigger"
	case r.URL.Path == "/sync/status" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "status"
	case r.URL.Path == "/sync/events" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "events"
	case r.URL.Path == "/sync/events/stream" && r.Method == http.MethodGet:
		requiredScope, route = scopeRead, "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	client := clientAddress(r)
	if s.cfg.JWTSecret != "" {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" && route == "stream" {
			// Browsers cannot set headers on websocket upgrades.
			if token := r.URL.Query().Get("access_token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, s.now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		client = claims.Subject
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(client, s.now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "trigger":
		s.handleTrigger(w, r, correlationID)
	case "status":
		writeJSON(w, http.StatusOK, s.engine.Status())
	case "events":
		s.handleEvents(w, r, correlationID)
	case "stream":
		s.handleEventStream(w, r, correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	kinds := make([]relaysync.StoreKind, 0, len(s.adapters))
	for kind := range s.adapters {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	type storeHealth struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	stores := make(map[string]storeHealth, len(kinds))
	results := make([]error, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func(i int, adapter relaysync.StoreAdapter) {
			defer wg.Done()
			results[i] = adapter.HealthCheck(ctx)
		}(i, s.adapters[kind])
	}
	wg.Wait()

	status, code := "ok", http.StatusOK
	for i, kind := range kinds {
		if err := results[i]; err != nil {
			stores[kind.String()] = storeHealth{Status: "unhealthy", Error: err.Error()}
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		stores[kind.String()] = storeHealth{Status: "healthy"}
	}
	writeJSON(w, code, map[string]any{"status": status, "stores": stores})
}

func (s *Server) handleWorkspaceWebhook(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if s.cfg.WebhookSecret != "" {
		timestamp := r.Header.Get("X-Relaysync-Timestamp")
		signature := r.Header.Get("X-Relaysync-Signature")
		now := s.now().UTC()
		if authErr := verifyWebhookSignature(s.cfg.WebhookSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if !s.markReplaySeen(timestamp, signature, now) {
			writeError(w, http.StatusConflict, "replay_detected", "webhook already received", correlationID)
			return
		}
	}

	if token, ok := verificationToken(body); ok {
		s.logger.WithField("verification_token", token).Info("workspace webhook subscription verification received")
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
		return
	}
	if err := validateWebhookBody(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_webhook", err.Error(), correlationID)
		return
	}
	var hook relaysync.WorkspaceWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_webhook", "invalid json body", correlationID)
		return
	}

	event, err := s.webhooks.HandleWorkspaceWebhook(r.Context(), hook)
	logger := s.logger.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"page_id":        hook.Page.ID,
		"webhook_event":  hook.Event,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":        "accepted",
			"changeEventId": event.ID,
			"entityType":    event.EntityType,
		})
	case errors.Is(err, relaysync.ErrUnmapped):
		logger.WithError(err).Debug("ignoring workspace webhook")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, relaysync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_webhook", err.Error(), correlationID)
	case errors.Is(err, relaysync.ErrEngineStopped), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync engine is not accepting events", correlationID)
	default:
		logger.WithError(err).Warn("workspace webhook failed")
		switch relaysync.ClassifyError(err) {
		case relaysync.ErrorClassTransient, relaysync.ErrorClassRateLimited:
			writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
	}
}

func verificationToken(body []byte) (string, bool) {
	var handshake struct {
		VerificationToken string          `json:"verification_token"`
		Page              json.RawMessage `json:"page"`
	}
	if err := json.Unmarshal(body, &handshake); err != nil {
		return "", false
	}
	if handshake.VerificationToken == "" || len(handshake.Page) > 0 {
		return "", false
	}
	return handshake.VerificationToken, true
}

type triggerRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req triggerRequest
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	opts, err := relaysync.ParseTrigger(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_trigger", err.Error(), correlationID)
		return
	}
	if err := s.engine.StartSweep(opts); err != nil {
		if errors.Is(err, relaysync.ErrSweepInProgress) {
			writeError(w, http.StatusConflict, "sweep_in_progress", "a sweep is already running", correlationID)
			return
		}
		s.logger.WithError(err).WithField("trigger", opts.Trigger).Error("failed to start sweep")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	s.logger.WithFields(logrus.Fields{"trigger": opts.Trigger, "correlation_id": correlationID}).Info("sweep triggered")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "accepted",
		"trigger":       opts.Trigger,
		"correlationId": correlationID,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	query, err := parseHistoryQuery(r, s.bus.HistoryCapacity())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	events := s.bus.History(query)
	if events == nil {
		events = []relaysync.BusEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func parseHistoryQuery(r *http.Request, capacity int) (relaysync.HistoryQuery, error) {
	values := r.URL.Query()
	limit, err := parseOptionalBoundedInt(values.Get("limit"), defaultEventsLimit, 1, capacity)
	if err != nil {
		return relaysync.HistoryQuery{}, fmt.Errorf("limit must be between 1 and %d", capacity)
	}
	query := relaysync.HistoryQuery{Limit: limit}
	if raw := strings.TrimSpace(values.Get("type")); raw != "" {
		eventType := relaysync.BusEventType(raw)
		if !eventType.Valid() {
			return relaysync.HistoryQuery{}, fmt.Errorf("unknown event type %q", raw)
		}
		query.Type = eventType
	}
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return relaysync.HistoryQuery{}, fmt.Errorf("since must be an RFC 3339 timestamp")
		}
		query.Since = since
	}
	return query, nil
}

func clientAddress(r *http.Request) string {
	if forwarded := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-For"), ",")[0]); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(s.cfg.WebhookMaxSkew)
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

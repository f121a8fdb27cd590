package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

type fakeDaemon struct {
	mu       sync.Mutex
	sweeping bool
	triggers []string
	auth     []string
}

func (f *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, status int, body any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
	mux.HandleFunc("/sync/trigger", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type string `json:"type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		if f.sweeping {
			write(w, http.StatusConflict, map[string]string{"code": "sweep_in_progress", "message": "sweep already in progress"})
			return
		}
		f.triggers = append(f.triggers, body.Type)
		write(w, http.StatusAccepted, map[string]string{"status": "accepted", "trigger": body.Type, "correlationId": "corr-1"})
	})
	mux.HandleFunc("/sync/status", func(w http.ResponseWriter, r *http.Request) {
		synced := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
		write(w, http.StatusOK, relaysync.Status{
			LastSync:   &synced,
			Statistics: relaysync.Statistics{EventsProcessed: 12, Succeeded: 10, Failed: 2},
			Errors:     []relaysync.StatusError{{At: synced, ErrorClass: relaysync.ErrorClassTransient, CanonicalID: "c-9", Message: "graph unavailable"}},
		})
	})
	mux.HandleFunc("/sync/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") != "sync_error" {
			write(w, http.StatusBadRequest, map[string]string{"code": "bad_request", "message": "unexpected query " + r.URL.RawQuery})
			return
		}
		write(w, http.StatusOK, map[string]any{"events": []relaysync.BusEvent{{
			ID:          "evt-1",
			Type:        relaysync.EventSyncError,
			Timestamp:   time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
			EntityType:  "task",
			CanonicalID: "c-9",
			Message:     "graph unavailable",
		}}})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"stores": map[string]any{
				"relational": map[string]string{"status": "healthy"},
				"graph":      map[string]string{"status": "unhealthy", "error": "connection refused"},
			},
		})
	})
	return mux
}

func execute(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--url", server.URL, "--token", "tok-1"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTrigger(t *testing.T) {
	daemon := &fakeDaemon{}
	server := httptest.NewServer(daemon.handler())
	defer server.Close()

	out, err := execute(t, server, "trigger", "full")
	require.NoError(t, err)
	assert.Contains(t, out, "sweep full accepted (correlation corr-1)")

	_, err = execute(t, server, "trigger")
	require.NoError(t, err)
	daemon.mu.Lock()
	assert.Equal(t, []string{"full", "incremental"}, daemon.triggers)
	assert.Equal(t, []string{"Bearer tok-1", "Bearer tok-1"}, daemon.auth)
	daemon.sweeping = true
	daemon.mu.Unlock()
	_, err = execute(t, server, "trigger")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestStatus(t *testing.T) {
	server := httptest.NewServer((&fakeDaemon{}).handler())
	defer server.Close()

	out, err := execute(t, server, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "2026-07-01T12:00:00Z")
	assert.Contains(t, out, "graph unavailable")

	out, err = execute(t, server, "--format", "json", "status")
	require.NoError(t, err)
	var status relaysync.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.EqualValues(t, 12, status.Statistics.EventsProcessed)
}

func TestEvents(t *testing.T) {
	server := httptest.NewServer((&fakeDaemon{}).handler())
	defer server.Close()

	out, err := execute(t, server, "events", "--type", "sync_error")
	require.NoError(t, err)
	assert.Contains(t, out, "sync_error")
	assert.Contains(t, out, "c-9")

	_, err = execute(t, server, "events", "--type", "exploded")
	require.Error(t, err)

	_, err = execute(t, server, "events", "--type", "sync_error", "--since", "yesterday")
	require.Error(t, err)
}

func TestHealthFailsWhenDegraded(t *testing.T) {
	server := httptest.NewServer((&fakeDaemon{}).handler())
	defer server.Close()

	out, err := execute(t, server, "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degraded")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "graph")
	assert.Contains(t, lines[1], "connection refused")
}

func TestRejectsUnknownFormat(t *testing.T) {
	server := httptest.NewServer((&fakeDaemon{}).handler())
	defer server.Close()

	_, err := execute(t, server, "--format", "yaml", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

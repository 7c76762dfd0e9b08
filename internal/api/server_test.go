package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spb-transit/arrival-bot/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHealth struct {
	stops []scheduler.StopHealth
}

func (s stubHealth) Health() []scheduler.StopHealth { return s.stops }

type stubFeed struct {
	loaded bool
}

func (s stubFeed) Loaded() bool { return s.loaded }

func TestHealthz(t *testing.T) {
	server := NewServer(DefaultConfig(), stubHealth{}, stubFeed{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusReportsStops(t *testing.T) {
	health := stubHealth{stops: []scheduler.StopHealth{
		{StopID: "stop-1", LastSuccess: time.Now(), ConsecutiveFailures: 0},
		{StopID: "stop-2", LastError: "HTTP 502", ConsecutiveFailures: 7, Degraded: true},
	}}

	server := NewServer(DefaultConfig(), health, stubFeed{loaded: true})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		FeedLoaded bool `json:"feed_loaded"`
		Stops      []struct {
			StopID              string `json:"stop_id"`
			LastError           string `json:"last_error"`
			ConsecutiveFailures int    `json:"consecutive_failures"`
			Degraded            bool   `json:"degraded"`
		} `json:"stops"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.True(t, resp.FeedLoaded)
	require.Len(t, resp.Stops, 2)
	assert.Equal(t, "stop-2", resp.Stops[1].StopID)
	assert.True(t, resp.Stops[1].Degraded)
	assert.Equal(t, 7, resp.Stops[1].ConsecutiveFailures)
}

func TestStatusWithoutSources(t *testing.T) {
	server := NewServer(DefaultConfig(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stops":[]`)
}

func TestMetricsEndpoint(t *testing.T) {
	server := NewServer(DefaultConfig(), stubHealth{}, stubFeed{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsDisabled(t *testing.T) {
	config := DefaultConfig()
	config.MetricsEnabled = false
	server := NewServer(config, stubHealth{}, stubFeed{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

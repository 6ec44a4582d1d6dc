package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/adapter"
	"github.com/maestro-run/maestro/pkg/batch"
	"github.com/maestro-run/maestro/pkg/cache"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/consensus"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/orchestrator"
	"github.com/maestro-run/maestro/pkg/pool"
	"github.com/maestro-run/maestro/pkg/reputation"
	"github.com/maestro-run/maestro/pkg/router"
	"github.com/maestro-run/maestro/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *reputation.Tracker) {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Initialize(ctx, t.TempDir())
	require.NoError(t, err)
	cfg.Executor.RetryBackoffBase = time.Millisecond

	st, err := store.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	tracker := reputation.NewTracker(*cfg.Reputation, bus)
	orch := orchestrator.New(cfg, orchestrator.Deps{
		Router:     router.New(*cfg.Router, bus),
		Executor:   batch.NewExecutor(*cfg.Executor, bus),
		Cache:      cache.New(*cfg.Cache, st, bus),
		Consensus:  consensus.NewManager(*cfg.Consensus, tracker, bus),
		Reputation: tracker,
		Pools: map[models.UserTier]*pool.Pool{
			models.TierPro: pool.New(models.TierPro, *cfg.Pool, pool.NewStoreFactory(st)),
		},
		Store:   st,
		Adapter: &adapter.Stub{},
	})
	require.NoError(t, orch.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Stop(stopCtx)
	})

	return NewServer(*cfg.Server, orch, tracker), tracker
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestSubmitRequest(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/requests",
		`{"task": "summarize the weekly report", "user_tier": "pro", "priority": "medium"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp orchestrator.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.ModelName)
	assert.Contains(t, resp.Output, "summarize the weekly report")
	assert.False(t, resp.Degraded)
}

func TestSubmitRequestRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/requests", `{"task": 42}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitRequestRejectsUnknownTier(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/requests",
		`{"task": "hello", "user_tier": "platinum"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "platinum")
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var report orchestrator.HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, orchestrator.StatusHealthy, report.Status)
	assert.Contains(t, report.Components, "store")
}

func TestSystemStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/system/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats orchestrator.SystemStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Greater(t, stats.SlotsTotal, 0)
}

func TestQuarantinedEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/agents/quarantined", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"quarantined": []}`, w.Body.String())
}

func TestRehabilitateEndpoint(t *testing.T) {
	s, tracker := newTestServer(t)
	tracker.RegisterAgent(models.AgentIdentity{ID: "agent-1"})

	w := doRequest(t, s, http.MethodPost, "/api/v1/agents/agent-1/rehabilitate",
		`{"reason": "manual review cleared the agent"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "agent-1")

	w = doRequest(t, s, http.MethodPost, "/api/v1/agents/agent-404/rehabilitate",
		`{"reason": "typo"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, s, http.MethodPost, "/api/v1/agents/agent-1/rehabilitate", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "maestro_")
}

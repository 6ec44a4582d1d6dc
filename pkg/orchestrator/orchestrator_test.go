package orchestrator

import (
	"context"
	"fmt"
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
	"github.com/maestro-run/maestro/pkg/pool"
	"github.com/maestro-run/maestro/pkg/reputation"
	"github.com/maestro-run/maestro/pkg/router"
	"github.com/maestro-run/maestro/pkg/store"
)

type testRig struct {
	orch      *Orchestrator
	consensus *consensus.Manager
	tracker   *reputation.Tracker
	cfg       *config.Config
}

func newTestRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Initialize(ctx, t.TempDir())
	require.NoError(t, err)
	cfg.Executor.RetryBackoffBase = time.Millisecond
	cfg.Pool.AcquireTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	tracker := reputation.NewTracker(*cfg.Reputation, bus)
	cons := consensus.NewManager(*cfg.Consensus, tracker, bus)
	pools := map[models.UserTier]*pool.Pool{
		models.TierFree:       pool.New(models.TierFree, *cfg.Pool, pool.NewStoreFactory(st)),
		models.TierPro:        pool.New(models.TierPro, *cfg.Pool, pool.NewStoreFactory(st)),
		models.TierEnterprise: pool.New(models.TierEnterprise, *cfg.Pool, pool.NewStoreFactory(st)),
	}

	orch := New(cfg, Deps{
		Router:     router.New(*cfg.Router, bus),
		Executor:   batch.NewExecutor(*cfg.Executor, bus),
		Cache:      cache.New(*cfg.Cache, st, bus),
		Consensus:  cons,
		Reputation: tracker,
		Pools:      pools,
		Store:      st,
		Adapter:    &adapter.Stub{},
	})
	require.NoError(t, orch.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Stop(stopCtx)
	})

	return &testRig{orch: orch, consensus: cons, tracker: tracker, cfg: cfg}
}

func TestHandleRequestEndToEnd(t *testing.T) {
	rig := newTestRig(t, nil)

	resp, err := rig.orch.Handle(context.Background(), Request{
		Task:            "summarize the weekly report",
		UserTier:        models.TierPro,
		Priority:        models.PriorityMedium,
		LatencyBudgetMs: 1500,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.ModelName)
	assert.Contains(t, resp.Output, resp.ModelName)
	assert.Contains(t, resp.Output, "summarize the weekly report")
	assert.False(t, resp.Degraded)
	assert.False(t, resp.FromCache)
	assert.Greater(t, resp.Confidence, 0.0)
}

func TestResponseServedFromCacheOnRepeat(t *testing.T) {
	rig := newTestRig(t, nil)
	req := Request{
		Task:            "summarize the weekly report",
		UserTier:        models.TierPro,
		Priority:        models.PriorityMedium,
		LatencyBudgetMs: 1500,
	}

	first, err := rig.orch.Handle(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.FromCache)

	second, err := rig.orch.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, first.ModelName, second.ModelName)
	assert.NotEqual(t, first.RequestID, second.RequestID)
}

func TestSkipCacheBypassesResponseCache(t *testing.T) {
	rig := newTestRig(t, nil)
	req := Request{
		Task:      "summarize the weekly report",
		UserTier:  models.TierPro,
		Priority:  models.PriorityMedium,
		SkipCache: true,
	}

	_, err := rig.orch.Handle(context.Background(), req)
	require.NoError(t, err)

	second, err := rig.orch.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.FromCache)
}

func TestValidationRejectsBadRequests(t *testing.T) {
	rig := newTestRig(t, nil)

	_, err := rig.orch.Handle(context.Background(), Request{UserTier: models.TierFree})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = rig.orch.Handle(context.Background(), Request{Task: "x", UserTier: "platinum"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = rig.orch.Handle(context.Background(), Request{
		Task: "x", UserTier: models.TierFree, Priority: "urgent",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRateLimitRejectsExcessRequests(t *testing.T) {
	rig := newTestRig(t, nil)

	// Two full budgets cover a minute-boundary rollover mid-loop.
	limit := tierRequestLimits[models.TierFree]
	var rateLimited bool
	for i := int64(0); i <= 2*limit+1; i++ {
		_, err := rig.orch.Handle(context.Background(), Request{
			Task:      fmt.Sprintf("task %d", i),
			UserTier:  models.TierFree,
			SkipCache: true,
		})
		if err != nil {
			require.ErrorIs(t, err, ErrRateLimited)
			rateLimited = true
			break
		}
	}
	assert.True(t, rateLimited, "expected the per-minute budget to reject eventually")
}

func TestConsensusCommitPath(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Consensus.ProposalTimeout = 5 * time.Second
		cfg.Models = []models.ModelConfig{{
			Name:         "gemini-2.0-flash",
			MinTier:      models.TierFree,
			AvgLatencyMs: 400,
			CostPerToken: 5e-7,
			Capabilities: []string{"text", "code"},
			Available:    true,
		}}
	})
	rig.tracker.RegisterAgent(models.AgentIdentity{ID: "agent-1"})
	rig.consensus.RegisterAgent(models.AgentIdentity{ID: "agent-1"})

	// Single trusted member means quorum 1; drive the agreement for the
	// deterministic stub output once the proposal appears.
	expected := "[gemini-2.0-flash] completed: agree on this result"
	digest := consensus.Digest([]byte(expected))
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if _, ok := rig.consensus.StateByDigest(digest); ok {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		for _, mt := range []models.MessageType{models.MsgPrepare, models.MsgCommit} {
			_ = rig.consensus.HandleMessage(models.ConsensusMessage{
				Type:      mt,
				Digest:    digest,
				SenderID:  "agent-1",
				Timestamp: time.Now(),
			})
		}
	}()

	resp, err := rig.orch.Handle(context.Background(), Request{
		Task:             "agree on this result",
		UserTier:         models.TierFree,
		RequireConsensus: true,
		SkipCache:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, expected, resp.Output)
	assert.Equal(t, string(consensus.StateCommitted), resp.ConsensusState)
	assert.False(t, resp.Degraded)
}

func TestConsensusAbortDegradesResponse(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Consensus.ProposalTimeout = 100 * time.Millisecond
	})
	rig.tracker.RegisterAgent(models.AgentIdentity{ID: "agent-1"})
	rig.consensus.RegisterAgent(models.AgentIdentity{ID: "agent-1"})

	resp, err := rig.orch.Handle(context.Background(), Request{
		Task:             "agree on this result",
		UserTier:         models.TierFree,
		RequireConsensus: true,
		SkipCache:        true,
	})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.Reason, "consensus")
	assert.Equal(t, string(consensus.StateAborted), resp.ConsensusState)
}

func TestSpawnedAgentsJoinConsensus(t *testing.T) {
	rig := newTestRig(t, nil)
	for i := 0; i < 3; i++ {
		identity := models.AgentIdentity{ID: fmt.Sprintf("member-%d", i)}
		rig.tracker.RegisterAgent(identity)
		rig.consensus.RegisterAgent(identity)
	}
	require.Equal(t, 1, rig.consensus.Quorum(), "three members tolerate no faults")

	_, err := rig.orch.Handle(context.Background(), Request{
		Task:      "spawned agents vote too",
		UserTier:  models.TierPro,
		SkipCache: true,
	})
	require.NoError(t, err)

	// The spawned agent is the fourth trusted member, so f rises to 1 and
	// the quorum to 2f+1 = 3.
	assert.Equal(t, 3, rig.consensus.Quorum())
}

func TestPoolShutdownReturnsUnavailable(t *testing.T) {
	rig := newTestRig(t, nil)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rig.orch.deps.Pools[models.TierFree].Shutdown(stopCtx))

	_, err := rig.orch.Handle(context.Background(), Request{
		Task:     "anything",
		UserTier: models.TierFree,
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestExecutionErrorMapping(t *testing.T) {
	assert.ErrorIs(t, mapExecutionError(batch.ErrBackpressure), ErrUnavailable)
	assert.ErrorIs(t, mapExecutionError(batch.ErrExecutorStopped), ErrUnavailable)
	assert.ErrorIs(t, mapExecutionError(batch.ErrInsufficientResources), ErrUnavailable)
	assert.ErrorIs(t, mapPoolError(pool.ErrAcquireTimeout), ErrUnavailable)
	assert.ErrorIs(t, mapPoolError(pool.ErrPoolShuttingDown), ErrUnavailable)

	other := fmt.Errorf("boom")
	assert.Equal(t, other, mapExecutionError(other))
	assert.Equal(t, other, mapPoolError(other))
}

func TestAdapterFailureDegradesResponse(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.orch.deps.Adapter = adapter.InvokeFunc(
		func(context.Context, models.ModelConfig, string) (string, error) {
			return "", fmt.Errorf("backend offline")
		})

	resp, err := rig.orch.Handle(context.Background(), Request{
		Task:      "summarize the weekly report",
		UserTier:  models.TierPro,
		SkipCache: true,
	})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.Reason, "backend offline")
	assert.Empty(t, resp.Output)
}

func TestPlanOperationsShape(t *testing.T) {
	ops := planOperations("req-1", Request{Task: "do it", UserTier: models.TierPro},
		models.RoutingDecision{ModelName: "gemini-2.5-flash"})

	require.Len(t, ops, 2)
	assert.Equal(t, models.OpAgentSpawn, ops[0].Type)
	assert.Equal(t, models.OpTaskExecute, ops[1].Type)
	assert.Equal(t, []string{ops[0].ID}, ops[1].DependsOn)
	assert.Equal(t, "gemini-2.5-flash", ops[1].Payload["model"])
	assert.Equal(t, "do it", ops[1].Payload["task"])
}

func TestHealthReportsHealthyRig(t *testing.T) {
	rig := newTestRig(t, nil)

	report := rig.orch.Health(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, StatusHealthy, report.Components["store"].Status)
	assert.Equal(t, StatusHealthy, report.Components["pool_free"].Status)
	assert.Equal(t, StatusHealthy, report.Components["executor"].Status)
}

func TestStatsSnapshot(t *testing.T) {
	rig := newTestRig(t, nil)

	_, err := rig.orch.Handle(context.Background(), Request{
		Task:     "summarize the weekly report",
		UserTier: models.TierPro,
	})
	require.NoError(t, err)

	stats := rig.orch.Stats()
	assert.Len(t, stats.Pools, 3)
	assert.Equal(t, rig.orch.deps.Executor.Slots().Total(), stats.SlotsTotal)
	assert.Equal(t, 1, stats.RoutingCacheSize)
	assert.Empty(t, stats.QuarantinedAgents)
}

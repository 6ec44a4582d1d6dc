// Package orchestrator is the top-level request loop: admission, model
// routing, task planning, batch execution, consensus submission for
// results that must be agreed, and response caching.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/pkg/adapter"
	"github.com/maestro-run/maestro/pkg/batch"
	"github.com/maestro-run/maestro/pkg/cache"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/consensus"
	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/pool"
	"github.com/maestro-run/maestro/pkg/reputation"
	"github.com/maestro-run/maestro/pkg/router"
	"github.com/maestro-run/maestro/pkg/store"
)

// tierRequestLimits is the per-minute admission budget by user tier,
// enforced through persistent counters so limits survive restarts.
var tierRequestLimits = map[models.UserTier]int64{
	models.TierFree:       60,
	models.TierPro:        600,
	models.TierEnterprise: 6000,
}

// Request is one inference request from an external caller.
type Request struct {
	Task             string            `json:"task"`
	UserTier         models.UserTier   `json:"user_tier"`
	Priority         models.Priority   `json:"priority"`
	LatencyBudgetMs  int               `json:"latency_budget_ms,omitempty"`
	TokenBudget      int               `json:"token_budget,omitempty"`
	RequiredCaps     []string          `json:"required_capabilities,omitempty"`
	RequireConsensus bool              `json:"require_consensus,omitempty"`
	SkipCache        bool              `json:"skip_cache,omitempty"`
}

// Response is the envelope returned for one request. Confidence,
// fromCache, and fallbackUsed let clients decide whether to retry;
// degraded results carry the reason string.
type Response struct {
	RequestID      string  `json:"requestId"`
	ModelName      string  `json:"modelName"`
	Output         string  `json:"output,omitempty"`
	Confidence     float64 `json:"confidence"`
	FromCache      bool    `json:"fromCache"`
	FallbackUsed   bool    `json:"fallbackUsed"`
	Reason         string  `json:"reason,omitempty"`
	Degraded       bool    `json:"degraded,omitempty"`
	ConsensusState string  `json:"consensusState,omitempty"`
	DurationMs     int64   `json:"durationMs"`
}

// Deps collects the subsystems the orchestrator coordinates. Router,
// executor, and consensus are owned exclusively by the orchestrator;
// the reputation tracker is shared by reference with consensus.
type Deps struct {
	Router     *router.Router
	Executor   *batch.Executor
	Cache      *cache.Cache
	Consensus  *consensus.Manager
	Reputation *reputation.Tracker
	Pools      map[models.UserTier]*pool.Pool
	Store      *store.Store
	Adapter    adapter.Adapter
}

// Orchestrator is the entry point for external callers.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
}

// New wires an orchestrator and registers its operation handlers on the
// executor.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: slog.With("component", "orchestrator"),
	}
	deps.Executor.RegisterHandler(models.OpAgentSpawn, o.handleAgentSpawn)
	deps.Executor.RegisterHandler(models.OpTaskExecute, o.handleTaskExecute)
	return o
}

// Start brings up the owned subsystems: cache sweep, executor workers,
// and the per-tier connection pools.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.deps.Cache != nil {
		o.deps.Cache.Start(ctx)
	}
	o.deps.Executor.Start(ctx)
	for tier, p := range o.deps.Pools {
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s pool: %w", tier, err)
		}
	}
	return nil
}

// Stop shuts the owned subsystems down. Pools get the remaining context
// budget to drain borrowed handles.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.deps.Executor.Stop()
	if o.deps.Cache != nil {
		o.deps.Cache.Stop()
	}
	for tier, p := range o.deps.Pools {
		if err := p.Shutdown(ctx); err != nil {
			o.logger.Warn("Pool shutdown incomplete", "tier", string(tier), "error", err)
		}
	}
}

// Handle runs one request through the full pipeline.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := o.logger.With("request_id", requestID, "tier", string(req.UserTier))

	if err := validate(req); err != nil {
		metrics.RequestsTotal.WithLabelValues(string(req.UserTier), "rejected").Inc()
		return nil, err
	}

	// Tier admission: a pooled store handle bounds per-tier concurrency.
	if p := o.deps.Pools[req.UserTier]; p != nil {
		h, err := p.Acquire(ctx)
		if err != nil {
			metrics.RequestsTotal.WithLabelValues(string(req.UserTier), "rejected").Inc()
			return nil, mapPoolError(err)
		}
		defer p.Release(h)
	}

	if err := o.checkRateLimit(ctx, req.UserTier); err != nil {
		metrics.RequestsTotal.WithLabelValues(string(req.UserTier), "rejected").Inc()
		return nil, err
	}

	rc := models.RoutingContext{
		Task:            req.Task,
		UserTier:        req.UserTier,
		Priority:        req.Priority,
		LatencyBudgetMs: req.LatencyBudgetMs,
		TokenBudget:     req.TokenBudget,
		RequiredCaps:    req.RequiredCaps,
	}
	respKey := responseCacheKey(rc)

	if !req.SkipCache && o.deps.Cache != nil {
		if cached := o.cachedResponse(ctx, respKey, requestID, start); cached != nil {
			metrics.RequestsTotal.WithLabelValues(string(req.UserTier), "ok").Inc()
			return cached, nil
		}
	}

	decision, err := o.deps.Router.SelectOptimalModel(rc, o.cfg.Models)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(string(req.UserTier), "error").Inc()
		return nil, err
	}

	ops := planOperations(requestID, req, decision)
	results, _, err := o.deps.Executor.ExecuteBatch(ctx, ops)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(string(req.UserTier), "error").Inc()
		return nil, mapExecutionError(err)
	}

	resp := &Response{
		RequestID:    requestID,
		ModelName:    decision.ModelName,
		Confidence:   decision.Confidence,
		FallbackUsed: decision.FallbackUsed,
		Reason:       decision.Reason,
	}
	o.collectResults(resp, requestID, results)

	if req.RequireConsensus {
		o.submitForAgreement(ctx, resp, logger)
	}

	if !resp.Degraded && !req.SkipCache && o.deps.Cache != nil {
		o.storeResponse(ctx, respKey, resp, logger)
	}

	resp.DurationMs = time.Since(start).Milliseconds()
	outcome := "ok"
	if resp.Degraded {
		outcome = "degraded"
		logger.Warn("Request completed degraded", "model", resp.ModelName, "reason", resp.Reason)
	}
	metrics.RequestsTotal.WithLabelValues(string(req.UserTier), outcome).Inc()
	return resp, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Task) == "" {
		return fmt.Errorf("%w: task is required", ErrInvalidRequest)
	}
	if !req.UserTier.Valid() {
		return fmt.Errorf("%w: unknown user tier %q", ErrInvalidRequest, req.UserTier)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, req.Priority)
	}
	return nil
}

// checkRateLimit enforces the per-tier per-minute budget through a
// persistent counter, so restarts do not reset the window.
func (o *Orchestrator) checkRateLimit(ctx context.Context, tier models.UserTier) error {
	if o.deps.Store == nil {
		return nil
	}
	bucket := time.Now().Unix() / 60
	name := fmt.Sprintf("requests:%s:%d", tier, bucket)
	n, err := o.deps.Store.CounterIncr(ctx, name, 1)
	if err != nil {
		// Admission must not fail on a counter error; log and continue.
		o.logger.Warn("Rate limit counter unavailable", "error", err)
		return nil
	}
	if limit, ok := tierRequestLimits[tier]; ok && n > limit {
		return fmt.Errorf("%w: tier %s exceeded %d requests per minute", ErrRateLimited, tier, limit)
	}
	return nil
}

func responseCacheKey(rc models.RoutingContext) string {
	return "resp:" + router.CacheKey(rc)
}

func (o *Orchestrator) cachedResponse(ctx context.Context, key, requestID string, start time.Time) *Response {
	data, ok, err := o.deps.Cache.Get(ctx, key)
	if err != nil || !ok {
		return nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		o.logger.Warn("Discarding undecodable cached response", "key", key, "error", err)
		return nil
	}
	resp.RequestID = requestID
	resp.FromCache = true
	resp.DurationMs = time.Since(start).Milliseconds()
	return &resp
}

func (o *Orchestrator) storeResponse(ctx context.Context, key string, resp *Response, logger *slog.Logger) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := o.deps.Cache.Set(ctx, key, data, cache.WithNamespace("responses")); err != nil {
		logger.Warn("Response cache write failed", "error", err)
	}
}

// collectResults folds per-operation outcomes into the envelope. Failed
// operations degrade the response but never fail the request outright.
func (o *Orchestrator) collectResults(resp *Response, requestID string, results []models.OperationResult) {
	taskID := requestID + "-task"
	var failures []string
	for _, r := range results {
		if r.OperationID == taskID && r.Success {
			if s, ok := r.Output.(string); ok {
				resp.Output = s
			}
			continue
		}
		if !r.Success {
			failures = append(failures, fmt.Sprintf("%s: %s", r.OperationID, r.Error))
		}
	}
	if len(failures) > 0 {
		resp.Degraded = true
		resp.Reason = strings.Join(failures, "; ")
	}
}

func (o *Orchestrator) submitForAgreement(ctx context.Context, resp *Response, logger *slog.Logger) {
	if o.deps.Consensus == nil {
		return
	}
	outcome, err := o.deps.Consensus.Submit(ctx, []byte(resp.Output))
	resp.ConsensusState = string(outcome.State)
	if err != nil {
		resp.Degraded = true
		if resp.Reason != "" {
			resp.Reason += "; "
		}
		resp.Reason += fmt.Sprintf("consensus: %v", err)
		logger.Warn("Consensus submission failed", "error", err)
	}
}

// mapPoolError converts pool saturation into the 503-equivalent.
func mapPoolError(err error) error {
	if errors.Is(err, pool.ErrAcquireTimeout) || errors.Is(err, pool.ErrPoolShuttingDown) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// mapExecutionError converts executor saturation into the 503-equivalent;
// planner bugs and cancellation propagate as-is.
func mapExecutionError(err error) error {
	if errors.Is(err, batch.ErrBackpressure) || errors.Is(err, batch.ErrExecutorStopped) ||
		errors.Is(err, batch.ErrInsufficientResources) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// handleAgentSpawn provisions a worker agent for one request. The agent
// joins the reputation tracker so its behavior is scored from the first
// message, and the consensus member set so its votes count toward quorum.
func (o *Orchestrator) handleAgentSpawn(ctx context.Context, op models.Operation) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	identity := models.AgentIdentity{
		ID:         "agent-" + uuid.NewString(),
		LastActive: time.Now(),
	}
	if o.deps.Reputation != nil {
		o.deps.Reputation.RegisterAgent(identity)
	}
	if o.deps.Consensus != nil {
		o.deps.Consensus.RegisterAgent(identity)
	}
	return identity.ID, nil
}

// handleTaskExecute invokes the routed model through the adapter and
// feeds the observed latency and cost back into the router's performance
// records.
func (o *Orchestrator) handleTaskExecute(ctx context.Context, op models.Operation) (any, error) {
	name, _ := op.Payload["model"].(string)
	task, _ := op.Payload["task"].(string)
	model, ok := o.cfg.ModelByName(name)
	if !ok {
		return nil, batch.Permanent(fmt.Errorf("model %q is not registered", name))
	}

	start := time.Now()
	out, err := o.deps.Adapter.Invoke(ctx, model, task)
	elapsed := time.Since(start)
	cost := model.CostPerToken * float64(len(task))/4
	o.deps.Router.RecordPerformance(model.Name, elapsed, cost, err == nil)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", model.Name, err)
	}
	return out, nil
}

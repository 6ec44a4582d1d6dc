// Package batch executes operation batches as staged DAGs: operations in
// one stage run in parallel on a bounded worker pool, stages run in
// order, and agent spawns go through an optimized path with pre-allocated
// resource slots and a tight per-spawn deadline.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/models"
)

// spawnSampleWindow is how many recent spawn durations feed the p95
// budget check.
const spawnSampleWindow = 100

// Handler executes one operation and returns its output.
type Handler func(ctx context.Context, op models.Operation) (any, error)

type task struct {
	op       models.Operation
	stage    int
	slot     *Slot // pre-allocated for agent spawns, nil otherwise
	ctx      context.Context
	resultCh chan<- models.OperationResult
}

// Executor runs operation batches. Handlers are registered per operation
// type before Start.
type Executor struct {
	cfg    config.ExecutorConfig
	slots  *SlotPool
	bus    *events.Bus
	logger *slog.Logger

	handlerMu sync.RWMutex
	handlers  map[models.OperationType]Handler

	taskCh chan task

	spawnMu      sync.Mutex
	spawnSamples []time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewExecutor creates an executor with an empty handler registry.
func NewExecutor(cfg config.ExecutorConfig, bus *events.Bus) *Executor {
	return &Executor{
		cfg:      cfg,
		slots:    NewSlotPool(cfg.MaxConcurrency),
		bus:      bus,
		logger:   slog.With("component", "batch"),
		handlers: make(map[models.OperationType]Handler),
		taskCh:   make(chan task, cfg.QueueHighWater),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler installs the handler for an operation type, replacing
// any previous one.
func (e *Executor) RegisterHandler(t models.OperationType, h Handler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handlers[t] = h
}

// Start spawns the worker goroutines. Safe to call multiple times;
// subsequent calls are no-ops.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.logger.Info("Starting batch executor",
		"max_workers", e.cfg.MaxWorkers,
		"max_concurrency", e.cfg.MaxConcurrency)

	for i := 0; i < e.cfg.MaxWorkers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runWorker()
		}()
	}
}

// Stop drains the workers. In-flight operations finish; queued tasks are
// abandoned with executor-stopped results.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.failQueued()
	e.logger.Info("Batch executor stopped")
}

// failQueued empties the task queue, releasing pre-allocated slots and
// delivering executor-stopped results so no dispatcher waits on a task
// no worker will run. Result channels are buffered for the full stage,
// so the sends never block.
func (e *Executor) failQueued() {
	for {
		select {
		case t := <-e.taskCh:
			if t.slot != nil {
				e.slots.Release(*t.slot)
			}
			t.resultCh <- models.OperationResult{
				OperationID: t.op.ID,
				Error:       ErrExecutorStopped.Error(),
				Stage:       t.stage,
			}
		default:
			return
		}
	}
}

// Slots exposes the resource pool for callers that pre-reserve capacity.
func (e *Executor) Slots() *SlotPool {
	return e.slots
}

// ExecuteBatch runs the operations as a staged DAG and returns per-op
// results in input order plus batch metrics. Graph cycles, unknown
// dependencies, resource exhaustion, and queue backpressure abort the
// whole batch; individual operation failures do not.
func (e *Executor) ExecuteBatch(ctx context.Context, ops []models.Operation) ([]models.OperationResult, models.BatchMetrics, error) {
	start := time.Now()

	select {
	case <-e.stopCh:
		return nil, models.BatchMetrics{}, ErrExecutorStopped
	default:
	}

	stages, err := planStages(ops)
	if err != nil {
		return nil, models.BatchMetrics{}, err
	}

	batchCtx, cancel := context.WithTimeout(ctx, e.cfg.BatchTimeout)
	defer cancel()

	byID := make(map[string]models.Operation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}

	resultsByID := make(map[string]models.OperationResult, len(ops))
	for stageIdx, stage := range stages {
		stageResults, err := e.runStage(batchCtx, stageIdx, stage, byID)
		for _, r := range stageResults {
			resultsByID[r.OperationID] = r
		}
		if err != nil {
			return nil, models.BatchMetrics{}, fmt.Errorf("stage %d: %w", stageIdx, err)
		}
	}

	results := make([]models.OperationResult, 0, len(ops))
	m := models.BatchMetrics{
		TotalOperations: len(ops),
		Stages:          len(stages),
		BatchDuration:   time.Since(start),
	}
	var spawnTotal time.Duration
	var spawnCount int
	for _, op := range ops {
		r := resultsByID[op.ID]
		results = append(results, r)
		if r.Success {
			m.SuccessfulOperations++
		} else {
			m.FailedOperations++
		}
		if op.Type == models.OpAgentSpawn {
			spawnTotal += r.Duration
			spawnCount++
		}
	}
	if spawnCount > 0 {
		m.AvgSpawnTime = spawnTotal / time.Duration(spawnCount)
	}
	m.P95SpawnTime = e.spawnP95()

	metrics.BatchDuration.Observe(m.BatchDuration.Seconds())
	if spawnCount > 0 && m.P95SpawnTime > e.cfg.SpawnTimeout {
		e.publish(events.EventSpawnBudgetExceeded, map[string]any{
			"p95_spawn_ms": m.P95SpawnTime.Milliseconds(),
			"target_ms":    e.cfg.SpawnTimeout.Milliseconds(),
		})
		e.logger.Warn("Spawn p95 above budget",
			"p95", m.P95SpawnTime,
			"target", e.cfg.SpawnTimeout)
	}

	return results, m, nil
}

// planStages builds the dependency graph and returns its stage order.
func planStages(ops []models.Operation) ([][]string, error) {
	g := NewGraph()
	for _, op := range ops {
		g.AddNode(op.ID, op)
	}
	for _, op := range ops {
		for _, dep := range op.DependsOn {
			if err := g.AddDependency(op.ID, dep); err != nil {
				return nil, err
			}
		}
	}
	return g.ExecutionOrder()
}

// runStage dispatches every operation of one stage and waits for all of
// them. Agent spawns get slots reserved up front so the spawn path never
// waits on the semaphore.
func (e *Executor) runStage(ctx context.Context, stageIdx int, ids []string, byID map[string]models.Operation) ([]models.OperationResult, error) {
	var spawnIDs []string
	for _, id := range ids {
		if byID[id].Type == models.OpAgentSpawn {
			spawnIDs = append(spawnIDs, id)
		}
	}
	reserved, err := e.slots.AllocateBatch(len(spawnIDs))
	if err != nil {
		return nil, fmt.Errorf("reserve %d spawn slots: %w", len(spawnIDs), err)
	}
	slotFor := make(map[string]*Slot, len(spawnIDs))
	for i, id := range spawnIDs {
		s := reserved[i]
		slotFor[id] = &s
	}

	resultCh := make(chan models.OperationResult, len(ids))
	dispatched := 0
	var dispatchErr error
	for i, id := range ids {
		t := task{
			op:       byID[id],
			stage:    stageIdx,
			slot:     slotFor[id],
			ctx:      ctx,
			resultCh: resultCh,
		}
		select {
		case e.taskCh <- t:
			dispatched++
			continue
		default:
		}

		dispatchErr = ErrBackpressure
		// Return the reservations of this and every remaining spawn op;
		// already-dispatched tasks release theirs on completion.
		for _, rest := range ids[i:] {
			if s := slotFor[rest]; s != nil {
				e.slots.Release(*s)
			}
		}
		break
	}

	results := make([]models.OperationResult, 0, dispatched)
	for len(results) < dispatched {
		select {
		case r := <-resultCh:
			results = append(results, r)
		case <-e.stopCh:
			// Workers drain the queue on their way out, but a task
			// handed off in the shutdown window can slip past them.
			// Drain here too; the in-flight remainder still completes.
			e.failQueued()
			for len(results) < dispatched {
				results = append(results, <-resultCh)
			}
		}
	}
	return results, dispatchErr
}

func (e *Executor) runWorker() {
	for {
		select {
		case <-e.stopCh:
			e.failQueued()
			return
		case t := <-e.taskCh:
			t.resultCh <- e.runTask(t)
		}
	}
}

func (e *Executor) runTask(t task) models.OperationResult {
	slot := t.slot
	if slot == nil {
		s, err := e.slots.Acquire(t.ctx)
		if err != nil {
			return models.OperationResult{
				OperationID: t.op.ID,
				Error:       fmt.Sprintf("acquire slot: %v", err),
				TimedOut:    t.ctx.Err() == context.DeadlineExceeded,
				Stage:       t.stage,
			}
		}
		slot = &s
	}
	defer e.slots.Release(*slot)

	metrics.OperationsInFlight.Inc()
	defer metrics.OperationsInFlight.Dec()

	result := e.runWithRetries(t)
	e.recordResult(t.op, result)
	return result
}

// runWithRetries applies the per-operation deadline and retry policy.
// Deadline misses are recorded and never retried; permanent errors bypass
// retry; everything else retries with exponential backoff.
func (e *Executor) runWithRetries(t task) models.OperationResult {
	budget := t.op.RetryBudget
	if budget <= 0 {
		budget = e.cfg.RetryAttempts
	}
	deadline := e.cfg.OperationTimeout
	if t.op.Type == models.OpAgentSpawn {
		deadline = e.cfg.SpawnTimeout
	}

	e.handlerMu.RLock()
	h, ok := e.handlers[t.op.Type]
	e.handlerMu.RUnlock()
	if !ok {
		return models.OperationResult{
			OperationID: t.op.ID,
			Error:       fmt.Sprintf("no handler registered for operation type %q", t.op.Type),
			Attempts:    1,
			Stage:       t.stage,
		}
	}

	start := time.Now()
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= budget; attempt++ {
		attempts = attempt
		opCtx, cancel := context.WithTimeout(t.ctx, deadline)
		output, err := h(opCtx, t.op)
		cancel()

		duration := time.Since(start)
		if err == nil {
			if t.op.Type == models.OpAgentSpawn {
				e.recordSpawn(duration)
			}
			return models.OperationResult{
				OperationID: t.op.ID,
				Success:     true,
				Output:      output,
				Attempts:    attempt,
				Duration:    duration,
				Stage:       t.stage,
			}
		}

		if opCtx.Err() == context.DeadlineExceeded || t.ctx.Err() != nil {
			if t.op.Type == models.OpAgentSpawn {
				e.recordSpawn(duration)
			}
			return models.OperationResult{
				OperationID: t.op.ID,
				Error:       "operation timeout",
				TimedOut:    true,
				Attempts:    attempt,
				Duration:    duration,
				Stage:       t.stage,
			}
		}

		lastErr = err
		if IsPermanent(err) || attempt == budget {
			break
		}
		backoff := e.cfg.RetryBackoffBase * (1 << (attempt - 1))
		select {
		case <-time.After(backoff):
		case <-t.ctx.Done():
			duration := time.Since(start)
			if t.op.Type == models.OpAgentSpawn {
				e.recordSpawn(duration)
			}
			return models.OperationResult{
				OperationID: t.op.ID,
				Error:       "operation timeout",
				TimedOut:    true,
				Attempts:    attempt,
				Duration:    duration,
				Stage:       t.stage,
			}
		}
	}

	// Failed spawns count toward the p95 budget check the same as slow
	// ones; an invisible failure would understate the spawn tail.
	duration := time.Since(start)
	if t.op.Type == models.OpAgentSpawn {
		e.recordSpawn(duration)
	}
	return models.OperationResult{
		OperationID: t.op.ID,
		Error:       lastErr.Error(),
		Attempts:    attempts,
		Duration:    duration,
		Stage:       t.stage,
	}
}

func (e *Executor) recordResult(op models.Operation, r models.OperationResult) {
	result := "failure"
	eventType := events.EventOperationFailed
	if r.Success {
		result = "success"
		eventType = events.EventOperationCompleted
	}
	metrics.OperationsCompleted.WithLabelValues(string(op.Type), result).Inc()
	if op.Type == models.OpAgentSpawn {
		metrics.SpawnDuration.Observe(r.Duration.Seconds())
	}
	e.publish(eventType, map[string]any{
		"operation_id": r.OperationID,
		"type":         string(op.Type),
		"duration_ms":  r.Duration.Milliseconds(),
		"error":        r.Error,
	})
}

func (e *Executor) recordSpawn(d time.Duration) {
	e.spawnMu.Lock()
	defer e.spawnMu.Unlock()
	e.spawnSamples = append(e.spawnSamples, d)
	if len(e.spawnSamples) > spawnSampleWindow {
		e.spawnSamples = e.spawnSamples[len(e.spawnSamples)-spawnSampleWindow:]
	}
}

func (e *Executor) spawnP95() time.Duration {
	e.spawnMu.Lock()
	defer e.spawnMu.Unlock()
	if len(e.spawnSamples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), e.spawnSamples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (e *Executor) publish(t events.EventType, payload any) {
	if e.bus != nil {
		e.bus.Publish(t, payload)
	}
}

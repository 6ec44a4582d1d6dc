// Package pool implements a tiered connection pool. Each pool instance is
// sized by the owning user's tier (min/max handle counts), hands out
// exclusive handles, and recovers from transient backend errors by
// reconnecting and retrying with exponential backoff.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/metrics"
	"github.com/maestro-run/maestro/pkg/models"
)

// maxHandleErrors is the error count beyond which an idle handle is
// evicted regardless of idle time.
const maxHandleErrors = 5

// Conn is a pooled backend connection.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates a fresh backend connection.
type Factory func(ctx context.Context) (Conn, error)

// Handle is an exclusively held pooled connection. Handles are never
// shared between concurrent users; Release returns them to the pool.
type Handle struct {
	id         string
	conn       Conn
	createdAt  time.Time
	lastUsed   time.Time
	errorCount int
	inUse      bool
}

// ID returns the handle's pool-unique identifier.
func (h *Handle) ID() string { return h.id }

// Conn returns the underlying connection.
func (h *Handle) Conn() Conn { return h.conn }

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Tier    models.UserTier `json:"tier"`
	Total   int             `json:"total"`
	Idle    int             `json:"idle"`
	InUse   int             `json:"in_use"`
	Waiters int             `json:"waiters"`
	Min     int             `json:"min"`
	Max     int             `json:"max"`
}

// Pool manages connection handles for a single user tier.
type Pool struct {
	tier    models.UserTier
	cfg     config.PoolConfig
	min     int
	max     int
	factory Factory
	logger  *slog.Logger

	mu           sync.Mutex
	handles      []*Handle
	creating     int
	waiters      []chan *Handle
	shuttingDown bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// New creates a pool for the given tier. Initialize must be called before
// Acquire.
func New(tier models.UserTier, cfg config.PoolConfig, factory Factory) *Pool {
	limits := cfg.Limits(tier)
	return &Pool{
		tier:    tier,
		cfg:     cfg,
		min:     limits.Min,
		max:     limits.Max,
		factory: factory,
		logger:  slog.With("component", "pool", "tier", string(tier)),
		stopCh:  make(chan struct{}),
	}
}

// Initialize pre-creates the tier's minimum handle count and starts the
// background eviction loop. Safe to call multiple times; subsequent calls
// are no-ops.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		p.logger.Warn("Pool already initialized, ignoring duplicate Initialize call")
		return nil
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("Initializing connection pool", "min", p.min, "max", p.max)

	for i := 0; i < p.min; i++ {
		h, err := p.newHandle(ctx)
		if err != nil {
			return fmt.Errorf("pre-create handle %d/%d: %w", i+1, p.min, err)
		}
		p.mu.Lock()
		p.handles = append(p.handles, h)
		p.mu.Unlock()
	}
	p.updateGauges()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runEviction()
	}()

	return nil
}

// Acquire returns an exclusive handle. It prefers an idle handle, creates
// a new one while under the tier maximum, and otherwise waits until a
// handle is released or the acquire timeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, ErrPoolShuttingDown
	}

	if h := p.takeIdleLocked(); h != nil {
		p.mu.Unlock()
		p.updateGauges()
		return h, nil
	}

	if len(p.handles)+p.creating < p.max {
		p.creating++
		p.mu.Unlock()

		h, err := p.newHandle(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.shuttingDown {
			p.mu.Unlock()
			_ = h.conn.Close()
			return nil, ErrPoolShuttingDown
		}
		h.inUse = true
		p.handles = append(p.handles, h)
		p.mu.Unlock()
		p.updateGauges()
		return h, nil
	}

	// At capacity: wait for a release.
	waiter := make(chan *Handle, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()
	p.updateGauges()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case h, ok := <-waiter:
		if !ok || h == nil {
			return nil, ErrPoolShuttingDown
		}
		return h, nil
	case <-timer.C:
		return nil, p.abandonWaiter(waiter, ErrAcquireTimeout)
	case <-ctx.Done():
		return nil, p.abandonWaiter(waiter, ctx.Err())
	case <-p.stopCh:
		return nil, p.abandonWaiter(waiter, ErrPoolShuttingDown)
	}
}

// abandonWaiter removes the waiter from the queue, recovering the handle
// if a release already delivered one.
func (p *Pool) abandonWaiter(waiter chan *Handle, cause error) error {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return cause
		}
	}
	p.mu.Unlock()

	// Already dequeued by a concurrent release; put the handle back.
	select {
	case h := <-waiter:
		if h != nil {
			p.Release(h)
		}
	default:
	}
	return cause
}

// Release returns a handle to the pool. Pending waiters are served first.
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	if p.shuttingDown {
		p.removeLocked(h)
		p.mu.Unlock()
		_ = h.conn.Close()
		p.updateGauges()
		return
	}

	h.lastUsed = time.Now()
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		waiter <- h
		p.updateGauges()
		return
	}

	h.inUse = false
	p.mu.Unlock()
	p.updateGauges()
}

// Discard closes a handle that produced a connection error instead of
// returning it, so the next acquire reconnects fresh.
func (p *Pool) Discard(h *Handle) {
	p.mu.Lock()
	h.errorCount++
	p.removeLocked(h)
	p.mu.Unlock()
	_ = h.conn.Close()
	p.updateGauges()
}

// Execute acquires a handle, runs fn, and releases. Transient backend
// errors (per IsConnectionError) trigger a reconnect and a retry with
// exponential backoff; other errors propagate immediately.
func (p *Pool) Execute(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		h, err := p.Acquire(ctx)
		if err != nil {
			return err
		}

		err = fn(ctx, h.conn)
		if err == nil {
			p.Release(h)
			return nil
		}
		if !IsConnectionError(err) {
			p.Release(h)
			return err
		}

		lastErr = err
		p.Discard(h)
		p.logger.Warn("Transient connection error, reconnecting",
			"attempt", attempt,
			"max_attempts", p.cfg.RetryAttempts,
			"error", err)

		if attempt == p.cfg.RetryAttempts {
			break
		}
		backoff := p.cfg.BackoffBase * (1 << (attempt - 1))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrPoolShuttingDown
		}
	}
	return fmt.Errorf("execute failed after %d attempts: %w", p.cfg.RetryAttempts, lastErr)
}

// Shutdown stops the eviction loop, fails pending waiters, closes idle
// handles, and waits for in-use handles to come back until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("Shutting down connection pool")

	p.mu.Lock()
	p.shuttingDown = true
	waiters := p.waiters
	p.waiters = nil

	var idle []*Handle
	kept := p.handles[:0]
	for _, h := range p.handles {
		if h.inUse {
			kept = append(kept, h)
		} else {
			idle = append(idle, h)
		}
	}
	p.handles = kept
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })

	for _, w := range waiters {
		close(w)
	}
	for _, h := range idle {
		_ = h.conn.Close()
	}
	p.wg.Wait()
	p.updateGauges()

	// In-use handles are closed by Release once borrowers return them.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		remaining := len(p.handles)
		p.mu.Unlock()
		if remaining == 0 {
			p.logger.Info("Connection pool shut down")
			return nil
		}
		select {
		case <-ctx.Done():
			p.logger.Warn("Shutdown deadline reached with handles still in use", "remaining", remaining)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Tier: p.tier, Min: p.min, Max: p.max, Waiters: len(p.waiters)}
	for _, h := range p.handles {
		s.Total++
		if h.inUse {
			s.InUse++
		} else {
			s.Idle++
		}
	}
	return s
}

// Health pings one idle handle to verify the backend is reachable.
func (p *Pool) Health(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return ErrPoolShuttingDown
	}
	h := p.takeIdleLocked()
	p.mu.Unlock()
	if h == nil {
		// All handles busy counts as healthy.
		return nil
	}
	err := h.conn.Ping(ctx)
	if err != nil {
		p.Discard(h)
		return fmt.Errorf("ping pooled connection: %w", err)
	}
	p.Release(h)
	return nil
}

func (p *Pool) newHandle(ctx context.Context) (*Handle, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	now := time.Now()
	return &Handle{
		id:        uuid.NewString(),
		conn:      conn,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// takeIdleLocked returns the first usable idle handle, dropping stale or
// error-heavy ones encountered along the way. Caller holds p.mu.
func (p *Pool) takeIdleLocked() *Handle {
	now := time.Now()
	for i := 0; i < len(p.handles); i++ {
		h := p.handles[i]
		if h.inUse {
			continue
		}
		if p.staleLocked(h, now) && len(p.handles) > p.min {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			go h.conn.Close()
			i--
			continue
		}
		h.inUse = true
		h.lastUsed = now
		return h
	}
	return nil
}

func (p *Pool) staleLocked(h *Handle, now time.Time) bool {
	return now.Sub(h.lastUsed) > p.cfg.IdleTimeout || h.errorCount > maxHandleErrors
}

func (p *Pool) removeLocked(h *Handle) {
	for i, cand := range p.handles {
		if cand == h {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			return
		}
	}
}

// runEviction closes idle handles that exceeded the idle timeout or the
// error budget, never dropping below the tier minimum.
func (p *Pool) runEviction() {
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictOnce()
		}
	}
}

func (p *Pool) evictOnce() {
	now := time.Now()
	var evicted []*Handle

	p.mu.Lock()
	for i := 0; i < len(p.handles) && len(p.handles) > p.min; i++ {
		h := p.handles[i]
		if h.inUse || !p.staleLocked(h, now) {
			continue
		}
		p.handles = append(p.handles[:i], p.handles[i+1:]...)
		evicted = append(evicted, h)
		i--
	}
	p.mu.Unlock()

	for _, h := range evicted {
		_ = h.conn.Close()
	}
	if len(evicted) > 0 {
		p.logger.Debug("Evicted stale handles", "count", len(evicted))
		p.updateGauges()
	}
}

func (p *Pool) updateGauges() {
	s := p.Stats()
	tier := string(p.tier)
	metrics.PoolConnections.WithLabelValues(tier, "idle").Set(float64(s.Idle))
	metrics.PoolConnections.WithLabelValues(tier, "in_use").Set(float64(s.InUse))
	metrics.PoolConnections.WithLabelValues(tier, "waiting").Set(float64(s.Waiters))
}

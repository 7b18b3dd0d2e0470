package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// ErrPoolClosed is returned when borrowing from a closed pool.
var ErrPoolClosed = errors.New("connection pool is closed")

// ConnFactory opens a new connection ready to be pooled.
type ConnFactory func(ctx context.Context) (Conn, error)

// connectionPool implements ConnectionPool as a bounded LIFO stack of idle
// connections.
type connectionPool struct {
	id      string
	ctx     context.Context // Logging context
	config  PoolConfig
	factory ConnFactory
	now     func() time.Time

	mu      sync.Mutex
	idle    []*PooledConnection // most recently returned last
	total   int
	active  int
	closed  bool
	changed chan struct{} // closed and replaced on every state change

	// Statistics
	totalCreated int64
	totalEvicted int64
	totalErrors  int64
	totalWaits   int64
	startTime    time.Time

	evictTicker *time.Ticker
	evictStop   chan struct{}
	evictWg     sync.WaitGroup
}

// NewConnectionPool creates a new connection pool. Connections are created
// lazily by factory.
func NewConnectionPool(ctx context.Context, config PoolConfig, factory ConnFactory) (ConnectionPool, error) {
	if factory == nil {
		return nil, errors.New("connection factory cannot be nil")
	}

	if err := configValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}

	pool := &connectionPool{
		id:        uuid.NewString(),
		ctx:       ctx,
		config:    config,
		factory:   factory,
		now:       time.Now,
		changed:   make(chan struct{}),
		startTime: time.Now(),
		evictStop: make(chan struct{}),
	}

	if config.EvictionInterval > 0 {
		pool.startEvictor()
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"pool_id":            pool.id,
		"max_total":          config.MaxTotal,
		"max_idle":           config.maxIdle(),
		"min_evictable_idle": config.MinEvictableIdle.String(),
		"eviction_interval":  config.EvictionInterval.String(),
	})

	return pool, nil
}

// Get borrows a connection, reusing the most recently returned idle one.
// When MaxTotal connections are out, Get blocks until one is returned or ctx
// is done.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	waited := false

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		var stale []*PooledConnection
		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if p.isStale(pc) {
				p.total--
				stale = append(stale, pc)
				continue
			}

			pc.released = false
			pc.lastUsed = p.now()
			p.active++
			p.mu.Unlock()

			p.discard(stale, "idle_evicted")
			LogPoolEvent(ctx, "connection_acquired", map[string]any{"pool_id": p.id, "reused": true})
			return pc, nil
		}

		if p.total < p.config.MaxTotal {
			p.total++
			p.active++
			p.mu.Unlock()

			p.discard(stale, "idle_evicted")
			return p.create(ctx)
		}

		changed := p.changed
		p.mu.Unlock()
		p.discard(stale, "idle_evicted")

		if !waited {
			waited = true
			atomic.AddInt64(&p.totalWaits, 1)
			LogPoolEvent(ctx, "pool_exhausted", map[string]any{
				"pool_id":   p.id,
				"max_total": p.config.MaxTotal,
			})
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// create opens a connection for a slot already reserved by Get.
func (p *connectionPool) create(ctx context.Context) (*PooledConnection, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		atomic.AddInt64(&p.totalErrors, 1)

		p.mu.Lock()
		p.total--
		p.active--
		p.notifyLocked()
		p.mu.Unlock()

		LogPoolEvent(ctx, "connection_failed", map[string]any{
			"pool_id": p.id,
			"error":   err.Error(),
		})
		return nil, err
	}

	atomic.AddInt64(&p.totalCreated, 1)
	now := p.now()

	LogPoolEvent(ctx, "connection_acquired", map[string]any{"pool_id": p.id, "reused": false})

	return &PooledConnection{
		conn:     conn,
		pool:     p,
		created:  now,
		lastUsed: now,
	}, nil
}

// Put returns a borrowed connection. Broken or closing connections, and
// connections beyond MaxIdle, are closed instead of kept.
func (p *connectionPool) Put(pc *PooledConnection) {
	if pc == nil || pc.pool != p {
		return
	}

	p.mu.Lock()
	if pc.released {
		p.mu.Unlock()
		return
	}
	pc.released = true
	p.active--

	reason := ""
	switch {
	case p.closed:
		reason = "pool_closed"
	case pc.broken:
		reason = "broken"
	case pc.conn.IsClosing():
		reason = "closing"
	case len(p.idle) >= p.config.maxIdle():
		reason = "max_idle"
	}

	if reason == "" {
		pc.lastUsed = p.now()
		p.idle = append(p.idle, pc)
	} else {
		p.total--
	}
	p.notifyLocked()
	p.mu.Unlock()

	if reason != "" {
		p.discard([]*PooledConnection{pc}, reason)
		return
	}

	tflog.SubsystemTrace(p.ctx, SubsystemPool, "Connection returned to pool", map[string]any{
		"pool_id": p.id,
	})
}

// Invalidate discards a borrowed connection instead of returning it.
func (p *connectionPool) Invalidate(pc *PooledConnection) {
	if pc == nil {
		return
	}
	pc.broken = true
	p.Put(pc)
}

func (p *connectionPool) isStale(pc *PooledConnection) bool {
	if pc.conn.IsClosing() {
		return true
	}
	return p.now().Sub(pc.lastUsed) >= p.config.MinEvictableIdle
}

// notifyLocked wakes every borrower waiting for a slot. p.mu must be held.
func (p *connectionPool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *connectionPool) discard(conns []*PooledConnection, reason string) {
	for _, pc := range conns {
		if reason == "idle_evicted" {
			atomic.AddInt64(&p.totalEvicted, 1)
		}

		if err := pc.conn.Close(); err != nil {
			tflog.SubsystemDebug(p.ctx, SubsystemPool, "Error closing discarded connection", map[string]any{
				"pool_id": p.id,
				"error":   err.Error(),
			})
		}

		LogPoolEvent(p.ctx, "connection_discarded", map[string]any{
			"pool_id": p.id,
			"reason":  reason,
		})
	}
}

// Close closes all idle connections and refuses further borrows. Connections
// still borrowed are closed when they are returned.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.notifyLocked()
	p.mu.Unlock()

	if p.evictTicker != nil {
		close(p.evictStop)
		p.evictWg.Wait()
		p.evictTicker.Stop()
	}

	var result *multierror.Error
	for _, pc := range idle {
		if err := pc.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	LogPoolEvent(p.ctx, "pool_closed", map[string]any{
		"pool_id":      p.id,
		"closed_idle":  len(idle),
		"close_errors": len(result.WrappedErrors()),
	})

	return result.ErrorOrNil()
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		ID:      p.id,
		Total:   p.total,
		Active:  p.active,
		Idle:    len(p.idle),
		Created: atomic.LoadInt64(&p.totalCreated),
		Evicted: atomic.LoadInt64(&p.totalEvicted),
		Errors:  atomic.LoadInt64(&p.totalErrors),
		Waits:   atomic.LoadInt64(&p.totalWaits),
		Uptime:  time.Since(p.startTime),
	}
}

// startEvictor starts the periodic idle eviction sweep.
func (p *connectionPool) startEvictor() {
	p.evictTicker = time.NewTicker(p.config.EvictionInterval)

	p.evictWg.Go(func() {
		for {
			select {
			case <-p.evictTicker.C:
				p.evictIdle()
			case <-p.evictStop:
				return
			}
		}
	})
}

// evictIdle discards idle connections past MinEvictableIdle, preserving the
// order of the rest.
func (p *connectionPool) evictIdle() {
	p.mu.Lock()
	kept := p.idle[:0]
	var stale []*PooledConnection
	for _, pc := range p.idle {
		if p.isStale(pc) {
			stale = append(stale, pc)
		} else {
			kept = append(kept, pc)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.total -= len(stale)
	if len(stale) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	p.discard(stale, "idle_evicted")
}

// PooledConnection is a connection borrowed from a pool. Close returns it.
type PooledConnection struct {
	conn     Conn
	pool     *connectionPool
	created  time.Time
	lastUsed time.Time
	broken   bool
	released bool
}

var _ Conn = (*PooledConnection)(nil)

// SimpleBind rebinds the underlying connection. The connection's identity no
// longer matches the pool's, so it is discarded on return.
func (pc *PooledConnection) SimpleBind(req *ldap.SimpleBindRequest) (*ldap.SimpleBindResult, error) {
	pc.broken = true
	return pc.conn.SimpleBind(req)
}

func (pc *PooledConnection) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	res, err := pc.conn.Search(req)
	if isNetworkError(err) {
		pc.broken = true
	}
	return res, err
}

func (pc *PooledConnection) IsClosing() bool {
	return pc.conn.IsClosing()
}

// Close returns the connection to its pool.
func (pc *PooledConnection) Close() error {
	pc.pool.Put(pc)
	return nil
}

// PasswordPolicy reports the policy response of the bind that created the
// underlying connection.
func (pc *PooledConnection) PasswordPolicy() *ldap.ControlBeheraPasswordPolicy {
	if r, ok := pc.conn.(policyReporter); ok {
		return r.PasswordPolicy()
	}
	return nil
}

// IsHealthy reports whether the connection can go back to the pool.
func (pc *PooledConnection) IsHealthy() bool {
	return !pc.broken && !pc.conn.IsClosing()
}

package ldap

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// PoolKey identifies a shared pool. Configurations with equal keys share one
// pool of manager connections.
type PoolKey struct {
	Host      string
	Port      int
	UseTLS    bool
	StartTLS  bool
	ManagerDN string
	Password  string

	// TLS fingerprints the TLS settings; empty for plaintext connections.
	TLS string
}

func (k PoolKey) String() string {
	s := fmt.Sprintf("%s:%d tls=%t starttls=%t manager=%q", k.Host, k.Port, k.UseTLS, k.StartTLS, k.ManagerDN)
	if k.TLS != "" {
		s += " tls_settings=" + k.TLS[:12]
	}
	return s
}

// PoolRegistry holds one pool per PoolKey, created on first use.
type PoolRegistry struct {
	mu    sync.Mutex
	pools map[PoolKey]ConnectionPool
}

// DefaultPoolRegistry is the process-wide registry used unless a client is
// given its own.
var DefaultPoolRegistry = NewPoolRegistry()

// NewPoolRegistry creates an empty registry.
func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{pools: make(map[PoolKey]ConnectionPool)}
}

// Pool returns the pool for cfg's key, creating it with cfg's pool settings
// and factory when none exists. An existing pool keeps the settings it was
// created with.
func (r *PoolRegistry) Pool(ctx context.Context, cfg *Configuration, factory ConnFactory) (ConnectionPool, error) {
	key := cfg.PoolKey()

	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.pools[key]; ok {
		return pool, nil
	}

	pool, err := NewConnectionPool(ctx, cfg.Pool, factory)
	if err != nil {
		LogPoolEvent(ctx, "pool_creation_failed", map[string]any{
			"pool_key": key.String(),
			"error":    err.Error(),
		})
		return nil, err
	}

	r.pools[key] = pool
	return pool, nil
}

// Len returns the number of live pools.
func (r *PoolRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Shutdown closes and forgets every pool. Pools are recreated on next use.
func (r *PoolRegistry) Shutdown() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[PoolKey]ConnectionPool)
	r.mu.Unlock()

	var result *multierror.Error
	for key, pool := range pools {
		if err := pool.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing pool %s: %w", key, err))
		}
	}

	return result.ErrorOrNil()
}

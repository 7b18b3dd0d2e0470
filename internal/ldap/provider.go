package ldap

import (
	"context"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// ConnectionProvider hands out connections bound as a principal.
type ConnectionProvider interface {
	// Acquire returns a connection bound as principal with credential. An
	// empty principal means anonymous.
	Acquire(ctx context.Context, cfg *Configuration, principal, credential string) (Conn, error)

	// Release returns conn to its pool or closes it.
	Release(conn Conn)
}

// connector dials and binds dedicated connections.
type connector struct {
	dialer Dialer
}

// open dials, retrying retryable failures with exponential backoff, then
// binds. Bind failures are never retried.
func (c *connector) open(ctx context.Context, cfg *Configuration, principal, credential string) (Conn, error) {
	conn, err := c.dialWithRetry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if principal == "" {
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Using anonymous connection", map[string]any{
			"url": cfg.Endpoint().URL(),
		})
		return &boundConn{Conn: conn}, nil
	}

	LogConnectionEvent(ctx, "authentication_attempt", map[string]any{"dn": principal})

	policy, err := bindWithPolicy(conn, principal, credential)
	if err != nil {
		conn.Close()
		err = classifyBindError(principal, err, policy)
		LogConnectionEvent(ctx, "authentication_failed", map[string]any{
			"dn":    principal,
			"error": err.Error(),
		})
		return nil, err
	}

	LogConnectionEvent(ctx, "authentication_success", map[string]any{"dn": principal})

	return &boundConn{Conn: conn, principal: principal, policy: policy}, nil
}

// dialWithRetry executes a dial with retry logic.
func (c *connector) dialWithRetry(ctx context.Context, cfg *Configuration) (Conn, error) {
	var lastErr error
	backoff := cfg.Pool.InitialBackoff

	for attempt := 0; attempt <= cfg.Pool.MaxRetries; attempt++ {
		if attempt > 0 {
			LogConnectionEvent(ctx, "connection_retry", map[string]any{
				"attempt":    attempt,
				"max_retry":  cfg.Pool.MaxRetries,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*cfg.Pool.BackoffFactor), cfg.Pool.MaxBackoff)
			}
		}

		conn, err := c.dialer.Dial(ctx, cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			break
		}
	}

	LogConnectionEvent(ctx, "connection_failed", map[string]any{
		"url":   cfg.Endpoint().URL(),
		"error": lastErr.Error(),
	})

	return nil, lastErr
}

// PooledProvider serves manager connections from shared pools. Any other
// principal gets a dedicated connection that is closed on release.
type PooledProvider struct {
	registry *PoolRegistry
	connector
}

// NewPooledProvider creates a provider backed by registry. A nil registry
// means DefaultPoolRegistry.
func NewPooledProvider(dialer Dialer, registry *PoolRegistry) *PooledProvider {
	if registry == nil {
		registry = DefaultPoolRegistry
	}
	if dialer == nil {
		dialer = NewDialer()
	}
	return &PooledProvider{registry: registry, connector: connector{dialer: dialer}}
}

func (p *PooledProvider) Acquire(ctx context.Context, cfg *Configuration, principal, credential string) (Conn, error) {
	if !isManager(cfg, principal, credential) {
		return p.open(ctx, cfg, principal, credential)
	}

	pool, err := p.registry.Pool(ctx, cfg, func(ctx context.Context) (Conn, error) {
		return p.open(ctx, cfg, cfg.ManagerDN, cfg.Password)
	})
	if err != nil {
		return nil, err
	}

	pc, err := pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (p *PooledProvider) Release(conn Conn) {
	release(conn)
}

// DirectProvider opens a fresh connection per operation.
type DirectProvider struct {
	connector
}

// NewDirectProvider creates a provider that never pools.
func NewDirectProvider(dialer Dialer) *DirectProvider {
	if dialer == nil {
		dialer = NewDialer()
	}
	return &DirectProvider{connector: connector{dialer: dialer}}
}

func (p *DirectProvider) Acquire(ctx context.Context, cfg *Configuration, principal, credential string) (Conn, error) {
	return p.open(ctx, cfg, principal, credential)
}

func (p *DirectProvider) Release(conn Conn) {
	release(conn)
}

// release closes conn. Healthy pooled connections go back to their pool;
// unhealthy ones are invalidated.
func release(conn Conn) {
	switch c := conn.(type) {
	case nil:
		return
	case *PooledConnection:
		if !c.IsHealthy() {
			c.pool.Invalidate(c)
			return
		}
	}
	_ = conn.Close()
}

// acquireManager borrows a connection bound as the configured manager.
func acquireManager(ctx context.Context, provider ConnectionProvider, cfg *Configuration) (Conn, error) {
	return provider.Acquire(ctx, cfg, cfg.ManagerDN, cfg.Password)
}

func isManager(cfg *Configuration, principal, credential string) bool {
	if !cfg.HasManagerCredentials() {
		return principal == ""
	}
	return principal == cfg.ManagerDN && credential == cfg.Password
}

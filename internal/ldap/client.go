package ldap

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// EnvUseDirectClient selects the direct backend when set to a true value.
const EnvUseDirectClient = "LDAP_AUTH_USE_DIRECT_CLIENT"

// validateFilter matches any entry; Validate only needs the search to run.
const validateFilter = "(objectClass=*)"

// Backend selects how a DirectoryClient obtains connections.
type Backend int

const (
	// BackendPooled shares manager connections through a PoolRegistry.
	BackendPooled Backend = iota
	// BackendDirect opens a new connection for every operation.
	BackendDirect
)

// String returns string representation of the backend.
func (b Backend) String() string {
	switch b {
	case BackendPooled:
		return "pooled"
	case BackendDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// SelectBackend maps the direct-client toggle to a backend. Only a value
// strconv.ParseBool reads as true selects BackendDirect.
func SelectBackend(toggle string) Backend {
	direct, err := strconv.ParseBool(strings.TrimSpace(toggle))
	if err != nil || !direct {
		return BackendPooled
	}
	return BackendDirect
}

// BackendFromEnv reads the toggle from LDAP_AUTH_USE_DIRECT_CLIENT.
func BackendFromEnv() Backend {
	return SelectBackend(os.Getenv(EnvUseDirectClient))
}

// DirectoryClient authenticates and searches users in one directory. Both
// backends implement the same contract and return the same error types.
type DirectoryClient interface {
	// Authenticate verifies username and password. A nil mapper maps the
	// entry with the configured attributes, keeping username as given.
	Authenticate(ctx context.Context, username, password string, mapper Mapper) (*AuthenticationOutcome, error)

	// Search renders filter with args and returns up to maxResults users
	// across the search bases. Entries that fail to map are skipped.
	Search(ctx context.Context, filter string, args []string, mapper Mapper, maxResults int) ([]*User, error)

	// Validate checks that the directory is reachable with the manager
	// credentials.
	Validate(ctx context.Context) error

	// Configuration returns the configuration the client was built with.
	Configuration() *Configuration
}

// ClientOption configures a DirectoryClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	dialer   Dialer
	registry *PoolRegistry
}

// WithDialer replaces the network dialer.
func WithDialer(dialer Dialer) ClientOption {
	return func(o *clientOptions) {
		o.dialer = dialer
	}
}

// WithPoolRegistry makes the pooled backend use registry instead of
// DefaultPoolRegistry.
func WithPoolRegistry(registry *PoolRegistry) ClientOption {
	return func(o *clientOptions) {
		o.registry = registry
	}
}

// client implements the DirectoryClient interface.
type client struct {
	config   *Configuration
	backend  Backend
	provider ConnectionProvider
	engine   *SearchEngine
	auth     *Authenticator
}

// NewDirectoryClient creates a client for cfg, which must come from
// NewConfiguration.
func NewDirectoryClient(cfg *Configuration, backend Backend, opts ...ClientOption) (DirectoryClient, error) {
	if cfg == nil || cfg.Endpoint() == nil {
		return nil, errors.New("configuration must be created with NewConfiguration")
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	var provider ConnectionProvider
	switch backend {
	case BackendDirect:
		provider = NewDirectProvider(o.dialer)
	default:
		backend = BackendPooled
		provider = NewPooledProvider(o.dialer, o.registry)
	}

	return &client{
		config:   cfg,
		backend:  backend,
		provider: provider,
		engine:   NewSearchEngine(provider),
		auth:     NewAuthenticator(provider),
	}, nil
}

func (c *client) Configuration() *Configuration {
	return c.config
}

func (c *client) Authenticate(ctx context.Context, username, password string, mapper Mapper) (*AuthenticationOutcome, error) {
	outcome, err := c.auth.Authenticate(ctx, c.config, username, password, mapper)
	if err != nil {
		return nil, err
	}
	outcome.ConfigID = c.config.ID
	return outcome, nil
}

func (c *client) Search(ctx context.Context, filter string, args []string, mapper Mapper, maxResults int) ([]*User, error) {
	var users []*User

	err := LogOperation(ctx, SubsystemLDAP, "search", map[string]any{
		"request_id":  uuid.NewString(),
		"backend":     c.backend.String(),
		"max_results": maxResults,
	}, func() error {
		rendered, err := BuildFilter(filter, args...)
		if err != nil {
			return err
		}

		entries, err := c.engine.Search(ctx, c.config, rendered, maxResults)
		if err != nil {
			return err
		}

		if mapper == nil {
			mapper = NewUserMapper(c.config)
		}

		users = make([]*User, 0, len(entries))
		for _, entry := range entries {
			user, err := mapper.Map(ctx, entry)
			if err != nil {
				tflog.SubsystemWarn(ctx, SubsystemLDAP, "Skipping entry that could not be mapped", map[string]any{
					"dn":    entry.DN,
					"error": err.Error(),
				})
				continue
			}
			users = append(users, user)
		}

		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Search mapped users", map[string]any{
			"entries_found": len(entries),
			"users_mapped":  len(users),
		})
		return nil
	})

	return users, err
}

func (c *client) Validate(ctx context.Context) error {
	return LogOperation(ctx, SubsystemLDAP, "validate", map[string]any{
		"backend": c.backend.String(),
		"url":     c.config.Endpoint().URL(),
	}, func() error {
		conn, err := acquireManager(ctx, c.provider, c.config)
		if err != nil {
			return err
		}
		defer c.provider.Release(conn)

		if c.backend == BackendDirect {
			// The manager bind on a fresh connection is the check.
			return nil
		}

		base := c.config.SearchBases[0]
		if _, err := searchBase(conn, c.config, base, validateFilter, 1); err != nil && !isLimitExceeded(err) {
			return classifySearchError(base, err)
		}
		return nil
	})
}

package ldap

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// DefaultSearchLimit caps SearchUsers when maxResults is not positive.
const DefaultSearchLimit = 100

// Directories tries several directory configurations in order.
type Directories struct {
	configs []*Configuration
	backend Backend
	opts    []ClientOption

	newClient func(cfg *Configuration, backend Backend, opts ...ClientOption) (DirectoryClient, error)
}

// NewDirectories creates an orchestrator over configs, in priority order.
func NewDirectories(configs []*Configuration, backend Backend, opts ...ClientOption) *Directories {
	return &Directories{
		configs:   configs,
		backend:   backend,
		opts:      opts,
		newClient: NewDirectoryClient,
	}
}

// Authenticate returns the outcome from the first configuration that
// authenticates the user, or nil when none does. Failures are logged and the
// next configuration is tried.
func (d *Directories) Authenticate(ctx context.Context, username, password string) *AuthenticationOutcome {
	for _, cfg := range d.configs {
		client, err := d.newClient(cfg, d.backend, d.opts...)
		if err != nil {
			d.logFailure(ctx, "authenticate", cfg, err)
			continue
		}

		outcome, err := client.Authenticate(ctx, username, password, nil)
		if err != nil {
			d.logFailure(ctx, "authenticate", cfg, err)
			continue
		}

		tflog.SubsystemInfo(ctx, SubsystemLDAP, "User authenticated by configuration", map[string]any{
			"config_id": cfg.ID,
			"username":  outcome.User.Username,
		})
		return outcome
	}

	tflog.SubsystemInfo(ctx, SubsystemLDAP, "No configuration authenticated user", map[string]any{
		"username":       username,
		"configurations": len(d.configs),
	})
	return nil
}

// SearchUsers runs each configuration's user search filter with term and
// returns up to maxResults distinct users overall. Per-configuration failures
// are collected and returned with whatever users were found.
func (d *Directories) SearchUsers(ctx context.Context, term string, maxResults int) ([]*User, error) {
	if maxResults <= 0 {
		maxResults = DefaultSearchLimit
	}
	return d.searchUsers(ctx, term, maxResults)
}

// FindUser returns the first user whose username equals username, ignoring
// case, or nil when no configuration knows it. Every match of the search
// filter is considered.
func (d *Directories) FindUser(ctx context.Context, username string) (*User, error) {
	users, err := d.searchUsers(ctx, username, 0)

	for _, user := range users {
		if strings.EqualFold(user.Username, username) {
			return user, nil
		}
	}

	return nil, err
}

// searchUsers collects distinct users across configurations. A maxResults <= 0
// means no cap.
func (d *Directories) searchUsers(ctx context.Context, term string, maxResults int) ([]*User, error) {
	var (
		users  []*User
		seen   = make(map[userKey]struct{})
		result *multierror.Error
	)

	for _, cfg := range d.configs {
		remaining, ok := remainingResults(maxResults, len(users))
		if !ok {
			break
		}

		client, err := d.newClient(cfg, d.backend, d.opts...)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("configuration %s: %w", cfg.ID, err))
			continue
		}

		found, err := client.Search(ctx, cfg.UserSearchFilter, []string{term}, nil, remaining)
		if err != nil {
			d.logFailure(ctx, "search", cfg, err)
			result = multierror.Append(result, fmt.Errorf("configuration %s: %w", cfg.ID, err))
			continue
		}

		duplicates := 0
		for _, user := range found {
			if maxResults > 0 && len(users) >= maxResults {
				break
			}
			if _, dup := seen[user.key()]; dup {
				duplicates++
				continue
			}
			seen[user.key()] = struct{}{}
			users = append(users, user)
		}

		if duplicates > 0 {
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "Dropped users already found", map[string]any{
				"config_id":  cfg.ID,
				"duplicates": duplicates,
			})
		}
	}

	return users, result.ErrorOrNil()
}

func (d *Directories) logFailure(ctx context.Context, operation string, cfg *Configuration, err error) {
	tflog.SubsystemWarn(ctx, SubsystemLDAP, "Configuration failed, trying next", map[string]any{
		"operation":      operation,
		"config_id":      cfg.ID,
		"error":          err.Error(),
		"error_category": string(GetErrorCategory(err)),
	})
}

package ldap

import (
	"context"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Authenticator verifies credentials by looking the user up as the manager
// and then binding as the user's DN on a dedicated connection.
type Authenticator struct {
	engine   *SearchEngine
	provider ConnectionProvider
}

// NewAuthenticator creates an authenticator using provider for both the
// lookup and the user bind.
func NewAuthenticator(provider ConnectionProvider) *Authenticator {
	return &Authenticator{
		engine:   NewSearchEngine(provider),
		provider: provider,
	}
}

// Authenticate looks username up with the configuration's login filter, binds
// as the single matching entry with password and maps that entry with mapper.
// A nil mapper maps with the configured attributes and username as given.
func (a *Authenticator) Authenticate(ctx context.Context, cfg *Configuration, username, password string, mapper Mapper) (*AuthenticationOutcome, error) {
	var outcome *AuthenticationOutcome

	err := LogOperation(ctx, SubsystemLDAP, "authenticate", map[string]any{
		"request_id": uuid.NewString(),
		"username":   username,
		"url":        cfg.Endpoint().URL(),
	}, func() error {
		var err error
		outcome, err = a.authenticate(ctx, cfg, username, password, mapper)
		return err
	})

	return outcome, err
}

func (a *Authenticator) authenticate(ctx context.Context, cfg *Configuration, username, password string, mapper Mapper) (*AuthenticationOutcome, error) {
	filter, err := BuildFilter(cfg.UserLoginFilter, username)
	if err != nil {
		return nil, err
	}

	lookup, err := a.engine.Lookup(ctx, cfg, filter, 1)
	if err != nil {
		return nil, err
	}

	switch lookup.Status {
	case LookupNotFound:
		return nil, &UserNotFoundError{Username: username, URL: cfg.Endpoint().URL()}
	case LookupAmbiguous:
		return nil, &MultipleUsersFoundError{
			Username:    username,
			SearchBase:  lookup.Base,
			LoginFilter: cfg.UserLoginFilter,
		}
	}

	entry := lookup.Entry()

	if password == "" {
		return nil, &BindError{DN: entry.DN, Reason: BindInvalidCredentials, Detail: "empty password"}
	}

	conn, err := a.provider.Acquire(ctx, cfg, entry.DN, password)
	if err != nil {
		return nil, err
	}

	outcome := &AuthenticationOutcome{DN: entry.DN}
	if r, ok := conn.(policyReporter); ok {
		outcome.Warnings = policyWarnings(r.PasswordPolicy())
	}
	a.provider.Release(conn)

	for _, w := range outcome.Warnings {
		LogConnectionEvent(ctx, "password_policy_warning", map[string]any{
			"dn":      entry.DN,
			"kind":    w.Kind,
			"value":   w.Value,
			"message": w.Message,
		})
	}

	if mapper == nil {
		mapper = NewUserMapper(cfg).WithUsername(username)
	}

	user, err := mapper.Map(ctx, entry)
	if err != nil {
		return nil, err
	}
	outcome.User = user

	tflog.SubsystemInfo(ctx, SubsystemLDAP, "User authenticated", map[string]any{
		"dn":       entry.DN,
		"username": user.Username,
		"warnings": len(outcome.Warnings),
	})

	return outcome, nil
}

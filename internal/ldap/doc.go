/*
Package ldap authenticates and searches users in one or more LDAP directories
and returns normalized user records.

# Architecture Overview

The package is organized into several core components:

  - Configuration: endpoint, manager credentials, ordered search bases and filter templates
  - ConnectionProvider: pooled and direct strategies for bound connections
  - SearchEngine: ordered search across bases with a result cap
  - Authenticator: lookup as the manager, then bind as the user
  - Mapper: entry to User conversion with username resolution
  - DirectoryClient: the facade over both backends
  - Directories: first-match authentication and merged search over several configurations

# Connection Management

The pooled backend keeps manager connections in pools shared by every
configuration with the same host, port, TLS mode, manager DN and password:

  - LIFO reuse of idle connections
  - Bounded total (default 250) and idle (default 50) connections
  - Blocking borrow when the pool is exhausted
  - Idle eviction after 30 minutes, with an optional periodic sweep
  - Dial retry with exponential backoff

User binds never use pooled connections. The direct backend opens and closes
a connection per operation. LDAP_AUTH_USE_DIRECT_CLIENT=true selects it.

# Search Semantics

Search bases are queried in configured order and results keep that order.
Free-text searches skip bases that fail. Authentication lookups fail on any
base error and report an ambiguous result when a base holds more than one
match.

# Error Handling

Failures map to typed errors matching sentinel values with errors.Is:

  - ErrUserNotFound: the login filter matched nothing
  - ErrMultipleUsersFound: the login filter matched more than one entry
  - ErrBindFailed: the directory rejected the credentials
  - ErrConnectionFailed: the server could not be reached
  - ErrTemplate: a filter template references a missing argument
  - ErrInvalidUsername: an entry has neither sAMAccountName nor uid

# Example Usage

	cfg, err := ldap.NewConfiguration(ldap.Configuration{
		URL:             "ldaps://dc.example.com",
		SearchBases:     ldap.ParseSearchBases("ou=people,dc=example,dc=com\nou=staff,dc=example,dc=com"),
		ManagerDN:       "cn=svc,dc=example,dc=com",
		Password:        secret,
		UserLoginFilter: "(sAMAccountName={0})",
	})
	if err != nil {
		return err
	}

	client, err := ldap.NewDirectoryClient(cfg, ldap.BackendFromEnv())
	if err != nil {
		return err
	}

	outcome, err := client.Authenticate(ctx, "bford", password, nil)
	switch {
	case errors.Is(err, ldap.ErrBindFailed):
		// wrong password
	case err != nil:
		return err
	}
	fmt.Println(outcome.User.DisplayName)
*/
package ldap

package ldap

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the subset of *ldap.Conn the directory engine relies on.
// It exists so tests can substitute an in-memory directory.
type Conn interface {
	SimpleBind(req *ldap.SimpleBindRequest) (*ldap.SimpleBindResult, error)
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	IsClosing() bool
	Close() error
}

var _ Conn = (*ldap.Conn)(nil)

// User is the normalized record returned to callers.
type User struct {
	Username    string
	DisplayName string
	Email       string

	// Attributes holds the raw attribute bag when the mapper was asked to keep it.
	// It does not take part in equality.
	Attributes map[string][]string
}

// Equal reports whether two users have the same username, display name and email.
func (u *User) Equal(other *User) bool {
	if u == nil || other == nil {
		return u == other
	}

	return u.Username == other.Username &&
		u.DisplayName == other.DisplayName &&
		u.Email == other.Email
}

// userKey holds the fields that take part in User equality.
type userKey struct {
	username    string
	displayName string
	email       string
}

func (u *User) key() userKey {
	return userKey{u.Username, u.DisplayName, u.Email}
}

// PasswordPolicyWarning is a non-fatal password policy notice returned by the
// directory on a successful bind.
type PasswordPolicyWarning struct {
	Kind    string // "expiry", "grace" or "policy"
	Value   int64
	Message string
}

// AuthenticationOutcome is the result of a successful authentication.
type AuthenticationOutcome struct {
	User     *User
	DN       string
	Warnings []PasswordPolicyWarning

	// ConfigID identifies the configuration that authenticated the user when
	// several configurations were tried.
	ConfigID string
}

// LookupStatus classifies the outcome of a hard-limited lookup.
type LookupStatus int

const (
	LookupNotFound LookupStatus = iota
	LookupFound
	LookupAmbiguous
)

// String returns string representation of the lookup status.
func (s LookupStatus) String() string {
	switch s {
	case LookupNotFound:
		return "not_found"
	case LookupFound:
		return "found"
	case LookupAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// LookupResult is returned by SearchEngine.Lookup.
type LookupResult struct {
	Status  LookupStatus
	Entries []*ldap.Entry

	// Base is the search base of the first hit, or the base where more entries
	// than the limit were found when Status is LookupAmbiguous.
	Base  string
	Limit int
}

// Entry returns the first matched entry, or nil.
func (r *LookupResult) Entry() *ldap.Entry {
	if r == nil || len(r.Entries) == 0 {
		return nil
	}
	return r.Entries[0]
}

// ConnectionPool manages a pool of manager-bound connections.
type ConnectionPool interface {
	// Get borrows a connection, blocking while the pool is exhausted.
	Get(ctx context.Context) (*PooledConnection, error)

	// Put returns a borrowed connection to the pool
	Put(conn *PooledConnection)

	// Invalidate discards a borrowed connection
	Invalidate(conn *PooledConnection)

	// Close closes all idle connections and shuts down the pool
	Close() error

	// Stats returns pool statistics
	Stats() PoolStats
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	ID      string        // Pool instance identifier
	Total   int           // Live connections (active + idle)
	Active  int           // Borrowed connections
	Idle    int           // Idle connections
	Created int64         // Total connections created
	Evicted int64         // Idle connections discarded for age
	Errors  int64         // Total connection errors
	Waits   int64         // Borrows that had to wait for a free slot
	Uptime  time.Duration // Pool uptime
}

package ldap

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
)

const (
	testManagerDN = "cn=manager,dc=example,dc=com"
	testPassword  = "secret"
	testBase1     = "ou=base1,dc=example,dc=com"
	testBase2     = "ou=base2,dc=example,dc=com"
)

// newTestConfig builds a two-base configuration against ldap.example.com.
func newTestConfig(t *testing.T, overrides func(*Configuration)) *Configuration {
	t.Helper()

	raw := Configuration{
		URL:             "ldap://ldap.example.com",
		SearchBases:     []string{testBase1, testBase2},
		ManagerDN:       testManagerDN,
		Password:        testPassword,
		UserLoginFilter: "(uid={0})",
	}
	if overrides != nil {
		overrides(&raw)
	}

	cfg, err := NewConfiguration(raw)
	require.NoError(t, err)
	return cfg
}

func newTestEntry(dn string, attrs map[string][]string) *ldap.Entry {
	return ldap.NewEntry(dn, attrs)
}

type searchKey struct {
	base   string
	filter string
}

type recordedSearch struct {
	Base      string
	Filter    string
	SizeLimit int
	TimeLimit int
}

// fakeDirectory is an in-memory directory. Search results are registered per
// base and exact filter; size limits are enforced the way a server does.
type fakeDirectory struct {
	mu sync.Mutex

	results    map[searchKey][]*ldap.Entry
	searchErrs map[searchKey]error
	passwords  map[string]string
	policies   map[string]*ldap.ControlBeheraPasswordPolicy
	bindErrs   map[string]error
	dialErrs   []error // consumed one per dial

	searches []recordedSearch
	binds    []string
	dials    int
	opened   int
	closed   int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		results:    make(map[searchKey][]*ldap.Entry),
		searchErrs: make(map[searchKey]error),
		passwords:  map[string]string{testManagerDN: testPassword},
		policies:   make(map[string]*ldap.ControlBeheraPasswordPolicy),
		bindErrs:   make(map[string]error),
	}
}

func (d *fakeDirectory) addEntries(base, filter string, entries ...*ldap.Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := searchKey{base, filter}
	d.results[key] = append(d.results[key], entries...)
}

func (d *fakeDirectory) failSearch(base, filter string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.searchErrs[searchKey{base, filter}] = err
}

func (d *fakeDirectory) addUser(dn, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[dn] = password
}

func (d *fakeDirectory) dialer() Dialer {
	return DialerFunc(func(_ context.Context, _ *Configuration) (Conn, error) {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.dials++
		if len(d.dialErrs) > 0 {
			err := d.dialErrs[0]
			d.dialErrs = d.dialErrs[1:]
			if err != nil {
				return nil, err
			}
		}

		d.opened++
		return &fakeConn{dir: d}, nil
	})
}

func (d *fakeDirectory) recordedSearches() []recordedSearch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]recordedSearch(nil), d.searches...)
}

func (d *fakeDirectory) recordedBinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.binds...)
}

// openConns returns the number of connections dialed and not yet closed.
func (d *fakeDirectory) openConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened - d.closed
}

type fakeConn struct {
	dir     *fakeDirectory
	closed  bool
	closing bool
}

func (c *fakeConn) SimpleBind(req *ldap.SimpleBindRequest) (*ldap.SimpleBindResult, error) {
	d := c.dir
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.Password == "" && !req.AllowEmptyPassword {
		return nil, ldap.NewError(ldap.ErrorEmptyPassword, errors.New("ldap: empty password not allowed by the client"))
	}

	d.binds = append(d.binds, req.Username)
	res := &ldap.SimpleBindResult{}

	if err := d.bindErrs[req.Username]; err != nil {
		return res, err
	}

	if pw, ok := d.passwords[req.Username]; !ok || pw != req.Password {
		return res, ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}

	if policy := d.policies[req.Username]; policy != nil {
		res.Controls = append(res.Controls, policy)
	}
	return res, nil
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	d := c.dir
	d.mu.Lock()
	defer d.mu.Unlock()

	d.searches = append(d.searches, recordedSearch{
		Base:      req.BaseDN,
		Filter:    req.Filter,
		SizeLimit: req.SizeLimit,
		TimeLimit: req.TimeLimit,
	})

	key := searchKey{req.BaseDN, req.Filter}
	if err := d.searchErrs[key]; err != nil {
		return nil, err
	}

	entries := d.results[key]
	if req.SizeLimit > 0 && len(entries) > req.SizeLimit {
		return &ldap.SearchResult{Entries: entries[:req.SizeLimit]},
			ldap.NewError(ldap.LDAPResultSizeLimitExceeded, errors.New("size limit exceeded"))
	}

	return &ldap.SearchResult{Entries: entries}, nil
}

func (c *fakeConn) IsClosing() bool {
	return c.closed || c.closing
}

func (c *fakeConn) Close() error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()

	if !c.closed {
		c.closed = true
		c.dir.closed++
	}
	return nil
}

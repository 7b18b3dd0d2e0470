package ldap

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUserPassword = "hunter2"

// newAuthDirectory returns a directory holding bford in base1.
func newAuthDirectory() *fakeDirectory {
	dir := newFakeDirectory()
	dir.addEntries(testBase1, "(uid=bford)", newTestEntry(testUserDN, map[string][]string{
		"uid":  {"bford"},
		"cn":   {"Bob Ford"},
		"mail": {"bford@example.com"},
	}))
	dir.addUser(testUserDN, testUserPassword)
	return dir
}

func TestAuthenticator_Success(t *testing.T) {
	dir := newAuthDirectory()
	auth := NewAuthenticator(NewDirectProvider(dir.dialer()))
	cfg := newTestConfig(t, nil)

	outcome, err := auth.Authenticate(context.Background(), cfg, "bford", testUserPassword, nil)
	require.NoError(t, err)

	assert.Equal(t, testUserDN, outcome.DN)
	assert.True(t, outcome.User.Equal(&User{Username: "bford", DisplayName: "Bob Ford", Email: "bford@example.com"}))
	assert.Empty(t, outcome.Warnings)

	assert.Equal(t, []string{testManagerDN, testUserDN}, dir.recordedBinds())
	searches := dir.recordedSearches()
	require.Len(t, searches, 1)
	assert.Equal(t, 1, searches[0].SizeLimit)
	assert.Equal(t, 0, dir.openConns())
}

func TestAuthenticator_KeepsUsernameAsGiven(t *testing.T) {
	dir := newFakeDirectory()
	dir.addEntries(testBase2, "(uid=BFord)", newTestEntry("uid=bford,"+testBase2, map[string][]string{
		"uid": {"bford"},
	}))
	dir.addUser("uid=bford,"+testBase2, testUserPassword)
	auth := NewAuthenticator(NewDirectProvider(dir.dialer()))
	cfg := newTestConfig(t, nil)

	outcome, err := auth.Authenticate(context.Background(), cfg, "BFord", testUserPassword, nil)
	require.NoError(t, err)
	assert.Equal(t, "BFord", outcome.User.Username)
	assert.Equal(t, "uid=bford,"+testBase2, outcome.DN)
}

func TestAuthenticator_Failures(t *testing.T) {
	tests := []struct {
		name      string
		username  string
		password  string
		setup     func(dir *fakeDirectory)
		wantErr   error
		wantBinds []string
		check     func(t *testing.T, err error)
	}{
		{
			name:      "wrong password",
			username:  "bford",
			password:  "wrong",
			wantErr:   ErrBindFailed,
			wantBinds: []string{testManagerDN, testUserDN},
			check: func(t *testing.T, err error) {
				var bindErr *BindError
				require.ErrorAs(t, err, &bindErr)
				assert.Equal(t, BindInvalidCredentials, bindErr.Reason)
				assert.Equal(t, testUserDN, bindErr.DN)
				assert.Equal(t, ErrorCategoryAuthentication, GetErrorCategory(err))
			},
		},
		{
			name:      "empty password never binds",
			username:  "bford",
			password:  "",
			wantErr:   ErrBindFailed,
			wantBinds: []string{testManagerDN},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "empty password")
			},
		},
		{
			name:      "unknown user",
			username:  "nobody",
			password:  testUserPassword,
			wantErr:   ErrUserNotFound,
			wantBinds: []string{testManagerDN},
			check: func(t *testing.T, err error) {
				assert.EqualError(t, err, "user `nobody` not found in directory ldap://ldap.example.com:389")
			},
		},
		{
			name:     "multiple users",
			username: "bford",
			password: testUserPassword,
			setup: func(dir *fakeDirectory) {
				dir.addEntries(testBase1, "(uid=bford)", newTestEntry("uid=bford2,"+testBase1, nil))
			},
			wantErr:   ErrMultipleUsersFound,
			wantBinds: []string{testManagerDN},
			check: func(t *testing.T, err error) {
				var multiErr *MultipleUsersFoundError
				require.ErrorAs(t, err, &multiErr)
				assert.Equal(t, testBase1, multiErr.SearchBase)
				assert.Equal(t, "(uid={0})", multiErr.LoginFilter)
				assert.Contains(t, err.Error(), "wildcards")
			},
		},
		{
			name:     "disabled account",
			username: "bford",
			password: testUserPassword,
			setup: func(dir *fakeDirectory) {
				dir.bindErrs[testUserDN] = ldap.NewError(ldap.LDAPResultInvalidCredentials,
					errors.New("80090308: LdapErr: DSID-0C09044E, comment: AcceptSecurityContext error, data 533, v4563"))
			},
			wantErr:   ErrBindFailed,
			wantBinds: []string{testManagerDN, testUserDN},
			check: func(t *testing.T, err error) {
				var bindErr *BindError
				require.ErrorAs(t, err, &bindErr)
				assert.Equal(t, BindAccountRestricted, bindErr.Reason)
				assert.Equal(t, "account disabled", bindErr.Detail)
			},
		},
		{
			name:     "manager credentials rejected",
			username: "bford",
			password: testUserPassword,
			setup: func(dir *fakeDirectory) {
				dir.addUser(testManagerDN, "rotated")
			},
			wantErr:   ErrBindFailed,
			wantBinds: []string{testManagerDN},
			check: func(t *testing.T, err error) {
				var bindErr *BindError
				require.ErrorAs(t, err, &bindErr)
				assert.Equal(t, testManagerDN, bindErr.DN)
			},
		},
		{
			name:     "lookup fails",
			username: "bford",
			password: testUserPassword,
			setup: func(dir *fakeDirectory) {
				dir.failSearch(testBase1, "(uid=bford)", ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("access denied")))
			},
			wantBinds: []string{testManagerDN},
			check: func(t *testing.T, err error) {
				assert.Equal(t, ErrorCategoryPermission, GetErrorCategory(err))
				assert.NotErrorIs(t, err, ErrUserNotFound)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newAuthDirectory()
			if tt.setup != nil {
				tt.setup(dir)
			}
			auth := NewAuthenticator(NewDirectProvider(dir.dialer()))
			cfg := newTestConfig(t, nil)

			outcome, err := auth.Authenticate(context.Background(), cfg, tt.username, tt.password, nil)
			require.Error(t, err)
			assert.Nil(t, outcome)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, err)
			}

			assert.Equal(t, tt.wantBinds, dir.recordedBinds())
			assert.Equal(t, 0, dir.openConns())
		})
	}
}

func TestAuthenticator_EscapesUsername(t *testing.T) {
	dir := newAuthDirectory()
	dir.addEntries(testBase1, "(uid=*)(uid=*)", newTestEntry(testUserDN, nil))
	auth := NewAuthenticator(NewDirectProvider(dir.dialer()))
	cfg := newTestConfig(t, nil)

	_, err := auth.Authenticate(context.Background(), cfg, "*)(uid=*", testUserPassword, nil)
	assert.ErrorIs(t, err, ErrUserNotFound)

	for _, s := range dir.recordedSearches() {
		assert.Equal(t, `(uid=\2a\29\28uid=\2a)`, s.Filter)
	}
}

func TestAuthenticator_PasswordPolicyWarnings(t *testing.T) {
	dir := newAuthDirectory()
	dir.policies[testUserDN] = &ldap.ControlBeheraPasswordPolicy{Expire: 86400, Grace: -1, Error: -1}
	auth := NewAuthenticator(NewDirectProvider(dir.dialer()))
	cfg := newTestConfig(t, nil)

	outcome, err := auth.Authenticate(context.Background(), cfg, "bford", testUserPassword, nil)
	require.NoError(t, err)
	require.Len(t, outcome.Warnings, 1)
	assert.Equal(t, "expiry", outcome.Warnings[0].Kind)
	assert.Equal(t, int64(86400), outcome.Warnings[0].Value)
	assert.Equal(t, "password expires in 24h0m0s", outcome.Warnings[0].Message)
}

func TestAuthenticator_CustomMapper(t *testing.T) {
	dir := newAuthDirectory()
	auth := NewAuthenticator(NewDirectProvider(dir.dialer()))
	cfg := newTestConfig(t, nil)

	t.Run("mapper result", func(t *testing.T) {
		mapper := MapperFunc(func(_ context.Context, entry *ldap.Entry) (*User, error) {
			return &User{Username: entry.GetAttributeValue("uid"), Email: "override@example.com"}, nil
		})

		outcome, err := auth.Authenticate(context.Background(), cfg, "bford", testUserPassword, mapper)
		require.NoError(t, err)
		assert.Equal(t, "override@example.com", outcome.User.Email)
	})

	t.Run("mapper failure", func(t *testing.T) {
		mapErr := errors.New("unmappable")
		mapper := MapperFunc(func(context.Context, *ldap.Entry) (*User, error) {
			return nil, mapErr
		})

		outcome, err := auth.Authenticate(context.Background(), cfg, "bford", testUserPassword, mapper)
		assert.ErrorIs(t, err, mapErr)
		assert.Nil(t, outcome)
	})
}

func TestAuthenticator_PooledManagerConnection(t *testing.T) {
	dir := newAuthDirectory()
	registry := NewPoolRegistry()
	t.Cleanup(func() { _ = registry.Shutdown() })
	auth := NewAuthenticator(NewPooledProvider(dir.dialer(), registry))
	cfg := newTestConfig(t, nil)

	for range 2 {
		_, err := auth.Authenticate(context.Background(), cfg, "bford", testUserPassword, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{testManagerDN, testUserDN, testUserDN}, dir.recordedBinds())
	assert.Equal(t, 3, dir.dials)
	assert.Equal(t, 1, dir.openConns())
	assert.Equal(t, 1, registry.Len())
}

func TestAuthenticator_Logging(t *testing.T) {
	var output bytes.Buffer
	ctx := NewLogContext(tflogtest.RootLogger(context.Background(), &output))

	dir := newAuthDirectory()
	auth := NewAuthenticator(NewDirectProvider(dir.dialer()))
	cfg := newTestConfig(t, nil)

	_, err := auth.Authenticate(ctx, cfg, "bford", testUserPassword, nil)
	require.NoError(t, err)
	_, err = auth.Authenticate(ctx, cfg, "bford", "wrong-password", nil)
	require.Error(t, err)

	assert.NotContains(t, output.String(), testUserPassword)
	assert.NotContains(t, output.String(), "wrong-password")
	assert.NotContains(t, output.String(), testPassword)

	entries, err := tflogtest.MultilineJSONDecode(&output)
	require.NoError(t, err)

	var messages []string
	for _, entry := range entries {
		if msg, ok := entry["@message"].(string); ok {
			messages = append(messages, msg)
		}
	}
	assert.Contains(t, messages, "User authenticated")
	assert.Contains(t, messages, "Operation failed")
}

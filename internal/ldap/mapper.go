package ldap

import (
	"context"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Username attributes, in resolution order.
const (
	AttrAccountName = "sAMAccountName"
	AttrUID         = "uid"
)

// Default attribute names for display name and email.
const (
	DefaultDisplayNameAttribute = "cn"
	DefaultEmailAttribute       = "mail"
)

// Mapper converts a directory entry into a User.
type Mapper interface {
	Map(ctx context.Context, entry *ldap.Entry) (*User, error)
}

// MapperFunc adapts a function to the Mapper interface.
type MapperFunc func(ctx context.Context, entry *ldap.Entry) (*User, error)

func (f MapperFunc) Map(ctx context.Context, entry *ldap.Entry) (*User, error) {
	return f(ctx, entry)
}

// UserMapper maps entries using configured attribute names.
type UserMapper struct {
	// Username, when set, is used as is instead of being read from the entry.
	Username string

	DisplayNameAttribute string
	EmailAttribute       string

	// IncludeAttributes keeps the raw attribute bag on the User.
	IncludeAttributes bool
}

// NewUserMapper returns a mapper using cfg's attribute names.
func NewUserMapper(cfg *Configuration) *UserMapper {
	m := &UserMapper{}
	if cfg != nil {
		m.DisplayNameAttribute = cfg.DisplayNameAttribute
		m.EmailAttribute = cfg.EmailAttribute
	}
	return m
}

// WithUsername returns a copy of m that uses username verbatim.
func (m *UserMapper) WithUsername(username string) *UserMapper {
	c := *m
	c.Username = username
	return &c
}

func (m *UserMapper) Map(ctx context.Context, entry *ldap.Entry) (*User, error) {
	username, err := ResolveUsername(entry, m.Username)
	if err != nil {
		return nil, err
	}

	user := &User{
		Username:    username,
		DisplayName: attributeValue(ctx, entry, orDefault(m.DisplayNameAttribute, DefaultDisplayNameAttribute)),
		Email:       attributeValue(ctx, entry, orDefault(m.EmailAttribute, DefaultEmailAttribute)),
	}

	if m.IncludeAttributes {
		user.Attributes = RawAttributes(entry)
	}

	return user, nil
}

// ResolveUsername returns explicit when it is non-blank, otherwise the entry's
// sAMAccountName, otherwise its uid.
func ResolveUsername(entry *ldap.Entry, explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}

	if entry == nil {
		return "", &InvalidUsernameError{}
	}

	for _, attr := range []string{AttrAccountName, AttrUID} {
		if v := strings.TrimSpace(entry.GetEqualFoldAttributeValue(attr)); v != "" {
			return v, nil
		}
	}

	return "", &InvalidUsernameError{DN: entry.DN}
}

// attributeValue returns the first value of attr, or "" when the entry lacks it.
func attributeValue(ctx context.Context, entry *ldap.Entry, attr string) string {
	for _, a := range entry.Attributes {
		if strings.EqualFold(a.Name, attr) && len(a.Values) > 0 {
			return a.Values[0]
		}
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Attribute not present on entry", map[string]any{
		"dn":        entry.DN,
		"attribute": attr,
	})
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

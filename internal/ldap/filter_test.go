package ldap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name     string
		template string
		args     []string
		want     string
	}{
		{
			name:     "single placeholder",
			template: "(uid={0})",
			args:     []string{"bford"},
			want:     "(uid=bford)",
		},
		{
			name:     "default search filter",
			template: DefaultUserSearchFilter,
			args:     []string{"ann"},
			want:     "(|(sAMAccountName=*ann*)(uid=*ann*)(cn=*ann*)(mail=*ann*)(otherMailbox=*ann*))",
		},
		{
			name:     "multiple placeholders",
			template: "(&(uid={0})(ou={1}))",
			args:     []string{"bford", "staff"},
			want:     "(&(uid=bford)(ou=staff))",
		},
		{
			name:     "out of order placeholders",
			template: "(&(ou={1})(uid={0}))",
			args:     []string{"bford", "staff"},
			want:     "(&(ou=staff)(uid=bford))",
		},
		{
			name:     "injection is escaped",
			template: "(uid={0})",
			args:     []string{"*)(uid=*"},
			want:     `(uid=\2a\29\28uid=\2a)`,
		},
		{
			name:     "backslash and nul are escaped",
			template: "(cn={0})",
			args:     []string{"a\\b\x00"},
			want:     `(cn=a\5cb\00)`,
		},
		{
			name:     "non numeric braces kept",
			template: "(description={name})",
			args:     nil,
			want:     "(description={name})",
		},
		{
			name:     "empty braces kept",
			template: "(description={})",
			args:     nil,
			want:     "(description={})",
		},
		{
			name:     "unterminated brace kept",
			template: "(uid={0})(x={",
			args:     []string{"a"},
			want:     "(uid=a)(x={",
		},
		{
			name:     "unused arguments ignored",
			template: "(objectClass=person)",
			args:     []string{"ignored"},
			want:     "(objectClass=person)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildFilter(tt.template, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildFilterMissingArgument(t *testing.T) {
	_, err := BuildFilter("(&(uid={0})(ou={1}))", "bford")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplate)

	var templateErr *TemplateError
	require.ErrorAs(t, err, &templateErr)
	assert.Equal(t, 1, templateErr.Index)
	assert.Equal(t, 1, templateErr.Args)

	_, err = BuildFilter("(uid={0})")
	assert.ErrorIs(t, err, ErrTemplate)
}

func TestEncloseParentheses(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"uid=bford", "(uid=bford)"},
		{"(uid=bford)", "(uid=bford)"},
		{"  uid=bford ", "(uid=bford)"},
		{"&(uid=bford)(mail=*)", "&(uid=bford)(mail=*)"},
		{"(uid=bford", "(uid=bford"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, EncloseParentheses(tt.in))
		})
	}
}

func TestValidateFilterTemplate(t *testing.T) {
	assert.NoError(t, validateFilterTemplate("(uid={0})"))
	assert.NoError(t, validateFilterTemplate(DefaultUserSearchFilter))

	err := validateFilterTemplate("(uid={0}")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTemplate)

	err = validateFilterTemplate("(&(uid={0})(ou={1}))")
	assert.ErrorIs(t, err, ErrTemplate)
}

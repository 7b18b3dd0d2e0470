package ldap

import (
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// DefaultUserSearchFilter matches a search term against the account name,
// uid, common name, mail and alias mail attributes.
const DefaultUserSearchFilter = "(|(sAMAccountName=*{0}*)(uid=*{0}*)(cn=*{0}*)(mail=*{0}*)(otherMailbox=*{0}*))"

// BuildFilter renders a filter template with positional placeholders ({0}, {1}, ...).
//
// Every argument is escaped with ldap.EscapeFilter, so user input such as
// "*)(objectClass=*" is matched literally and cannot widen the filter. A brace
// that does not open a numeric placeholder is copied verbatim. A placeholder
// without a matching argument yields a *TemplateError.
func BuildFilter(template string, args ...string) (string, error) {
	var b strings.Builder
	b.Grow(len(template) + 16)

	for i := 0; i < len(template); {
		if template[i] != '{' {
			b.WriteByte(template[i])
			i++
			continue
		}

		end := strings.IndexByte(template[i+1:], '}')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}

		token := template[i+1 : i+1+end]
		if !isPlaceholderIndex(token) {
			b.WriteByte('{')
			i++
			continue
		}

		index, err := strconv.Atoi(token)
		if err != nil || index >= len(args) {
			return "", &TemplateError{Template: template, Index: index, Args: len(args)}
		}

		b.WriteString(ldap.EscapeFilter(args[index]))
		i += end + 2
	}

	return b.String(), nil
}

func isPlaceholderIndex(token string) bool {
	if token == "" || len(token) > 4 {
		return false
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return false
		}
	}
	return true
}

// EncloseParentheses wraps a bare filter in parentheses. A filter that opens
// or closes with a parenthesis is returned trimmed but otherwise untouched, so
// an unbalanced one still fails compilation.
func EncloseParentheses(filter string) string {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return filter
	}

	if strings.HasPrefix(filter, "(") || strings.HasSuffix(filter, ")") {
		return filter
	}

	return "(" + filter + ")"
}

// validateFilterTemplate renders a template with sample values and compiles the
// result, catching syntax errors at configuration time.
func validateFilterTemplate(template string) error {
	filter, err := BuildFilter(template, "sample")
	if err != nil {
		return err
	}

	if _, err := ldap.CompileFilter(filter); err != nil {
		return &TemplateError{Template: template, Index: -1, Cause: err}
	}

	return nil
}

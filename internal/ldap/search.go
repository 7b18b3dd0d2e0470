package ldap

import (
	"context"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// userAttributes requests every user attribute so mappers see the full bag.
var userAttributes = []string{"*"}

// SearchEngine queries the search bases of a configuration in order,
// accumulating results up to a cap.
type SearchEngine struct {
	provider ConnectionProvider
}

// NewSearchEngine creates a search engine that borrows manager connections
// from provider.
func NewSearchEngine(provider ConnectionProvider) *SearchEngine {
	return &SearchEngine{provider: provider}
}

// Search runs filter against each search base in order and returns at most
// maxResults entries, or every entry when maxResults <= 0. A base that fails
// is logged and contributes nothing. The error is non-nil only when no
// connection could be acquired.
func (e *SearchEngine) Search(ctx context.Context, cfg *Configuration, filter string, maxResults int) ([]*ldap.Entry, error) {
	conn, err := acquireManager(ctx, e.provider, cfg)
	if err != nil {
		return nil, err
	}
	defer e.provider.Release(conn)

	var results []*ldap.Entry
	for _, base := range cfg.SearchBases {
		remaining, ok := remainingResults(maxResults, len(results))
		if !ok {
			break
		}

		entries, err := searchBase(conn, cfg, base, filter, remaining)
		if err != nil && !isLimitExceeded(err) {
			LogLDAPError(ctx, SubsystemLDAP, "search", err, map[string]any{
				"search_base": base,
				"filter":      filter,
			})
			continue
		}

		if remaining > 0 && len(entries) > remaining {
			entries = entries[:remaining]
		}

		tflog.SubsystemTrace(ctx, SubsystemLDAP, "Searched base", map[string]any{
			"search_base":   base,
			"size_limit":    remaining,
			"entries_found": len(entries),
			"limit_reached": err != nil,
		})

		results = append(results, entries...)
	}

	return results, nil
}

// Lookup is Search with a hard limit: finding more than maxResults entries in
// a single base yields LookupAmbiguous instead of truncated results. Failures
// of any base are returned.
func (e *SearchEngine) Lookup(ctx context.Context, cfg *Configuration, filter string, maxResults int) (*LookupResult, error) {
	conn, err := acquireManager(ctx, e.provider, cfg)
	if err != nil {
		return nil, err
	}
	defer e.provider.Release(conn)

	result := &LookupResult{Limit: maxResults}
	for _, base := range cfg.SearchBases {
		remaining, ok := remainingResults(maxResults, len(result.Entries))
		if !ok {
			break
		}

		entries, err := searchBase(conn, cfg, base, filter, remaining)
		switch {
		case err == nil:
		case maxResults > 0 && ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded):
			return ambiguous(ctx, result, base, filter), nil
		case isLimitExceeded(err):
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "Search limit reached, keeping partial results", map[string]any{
				"search_base":   base,
				"entries_found": len(entries),
				"error":         err.Error(),
			})
		default:
			LogLDAPError(ctx, SubsystemLDAP, "lookup", err, map[string]any{
				"search_base": base,
				"filter":      filter,
			})
			return nil, classifySearchError(base, err)
		}

		if remaining > 0 && len(entries) > remaining {
			return ambiguous(ctx, result, base, filter), nil
		}

		if len(entries) > 0 && result.Base == "" {
			result.Base = base
		}
		result.Entries = append(result.Entries, entries...)
	}

	if len(result.Entries) > 0 {
		result.Status = LookupFound
	}

	return result, nil
}

func ambiguous(ctx context.Context, result *LookupResult, base, filter string) *LookupResult {
	tflog.SubsystemWarn(ctx, SubsystemLDAP, "Search results limit exceeded", map[string]any{
		"search_base": base,
		"filter":      filter,
		"limit":       result.Limit,
	})

	result.Status = LookupAmbiguous
	result.Base = base
	return result
}

// remainingResults returns the size limit for the next base. ok is false once
// maxResults entries have been collected. A maxResults <= 0 means no cap and
// yields a zero (unlimited) size limit.
func remainingResults(maxResults, have int) (remaining int, ok bool) {
	if maxResults <= 0 {
		return 0, true
	}
	remaining = maxResults - have
	return remaining, remaining > 0
}

// searchBase runs one subtree search. Entries returned alongside a size or
// time limit error are kept.
func searchBase(conn Conn, cfg *Configuration, base, filter string, sizeLimit int) ([]*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		sizeLimit,
		cfg.searchTimeLimit(),
		false,
		filter,
		userAttributes,
		nil,
	)

	res, err := conn.Search(req)
	if res == nil {
		return nil, err
	}
	return res.Entries, err
}

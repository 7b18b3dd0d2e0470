package ldap

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Sentinel errors for the authentication taxonomy. The typed errors below
// match them with errors.Is.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrMultipleUsersFound = errors.New("multiple users found")
	ErrBindFailed         = errors.New("bind failed")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrTemplate           = errors.New("invalid filter template")
	ErrInvalidUsername    = errors.New("invalid username")
)

// UserNotFoundError reports that the login filter matched no entry.
type UserNotFoundError struct {
	Username string
	URL      string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user `%s` not found in directory %s", e.Username, e.URL)
}

func (e *UserNotFoundError) Is(target error) bool {
	return target == ErrUserNotFound
}

// MultipleUsersFoundError reports that the login filter matched more than one
// entry in a single search base.
type MultipleUsersFoundError struct {
	Username    string
	SearchBase  string
	LoginFilter string
}

func (e *MultipleUsersFoundError) Error() string {
	return fmt.Sprintf("found multiple users matching `%s` in search base `%s` using login filter `%s`: "+
		"a login filter containing wildcards can match unintended users, change it to match exactly one entry",
		e.Username, e.SearchBase, e.LoginFilter)
}

func (e *MultipleUsersFoundError) Is(target error) bool {
	return target == ErrMultipleUsersFound
}

// BindFailureReason distinguishes why the directory rejected a bind.
type BindFailureReason int

const (
	BindInvalidCredentials BindFailureReason = iota
	BindAccountRestricted
	BindPasswordPolicy
	BindRejected
)

// String returns string representation of the bind failure reason.
func (r BindFailureReason) String() string {
	switch r {
	case BindInvalidCredentials:
		return "invalid_credentials"
	case BindAccountRestricted:
		return "account_restricted"
	case BindPasswordPolicy:
		return "password_policy"
	case BindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// BindError reports that the directory rejected the supplied credentials.
type BindError struct {
	DN     string
	Reason BindFailureReason
	Detail string
	Cause  error
}

func (e *BindError) Error() string {
	var msg string
	switch e.Reason {
	case BindInvalidCredentials:
		msg = fmt.Sprintf("invalid credentials for `%s`", e.DN)
	case BindAccountRestricted:
		msg = fmt.Sprintf("account `%s` is not allowed to log in", e.DN)
	case BindPasswordPolicy:
		msg = fmt.Sprintf("password policy rejected bind for `%s`", e.DN)
	default:
		msg = fmt.Sprintf("bind failed for `%s`", e.DN)
	}

	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *BindError) Unwrap() error {
	return e.Cause
}

func (e *BindError) Is(target error) bool {
	return target == ErrBindFailed
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error

	Host        string
	UnknownHost bool
}

func (e *ConnectionError) Error() string {
	if e.cause != nil && !e.UnknownHost {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// TemplateError reports a filter template that cannot be rendered.
type TemplateError struct {
	Template string
	Index    int
	Args     int
	Cause    error
}

func (e *TemplateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid filter template `%s`: %v", e.Template, e.Cause)
	}
	return fmt.Sprintf("filter template `%s` references argument {%d} but %d argument(s) were supplied",
		e.Template, e.Index, e.Args)
}

func (e *TemplateError) Unwrap() error {
	return e.Cause
}

func (e *TemplateError) Is(target error) bool {
	return target == ErrTemplate
}

// InvalidUsernameError reports an entry without a usable username attribute.
type InvalidUsernameError struct {
	DN string
}

func (e *InvalidUsernameError) Error() string {
	return fmt.Sprintf("username cannot be blank for `%s`: failed to resolve username using the attributes `%s` and `%s`",
		e.DN, AttrAccountName, AttrUID)
}

func (e *InvalidUsernameError) Is(target error) bool {
	return target == ErrInvalidUsername
}

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError provides enhanced error information for LDAP operations.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	DN        string        // DN involved in the operation (if applicable)
	Retryable bool          // Whether the error is retryable
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError creates a new LDAP error.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Retryable = isLDAPCodeRetryable(resultErr.ResultCode)
		ldapErr.Message = getLDAPCodeMessage(resultErr.ResultCode)
	} else {
		// Non-LDAP error, categorize by error message
		ldapErr.Category = categorizeGenericError(err)
		ldapErr.Retryable = isGenericErrorRetryable(err)
		ldapErr.Message = err.Error()
	}

	return ldapErr
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.ErrorEmptyPassword:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryNotFound

	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultFilterError,
		ldap.ErrorFilterCompile:
		return ErrorCategoryValidation

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultSizeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError,
		ldap.ErrorNetwork:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes non-LDAP errors.
func categorizeGenericError(err error) ErrorCategory {
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such host") {
		return ErrorCategoryConnection
	}

	if strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "credentials") ||
		strings.Contains(errStr, "password") {
		return ErrorCategoryAuthentication
	}

	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "access") ||
		strings.Contains(errStr, "denied") {
		return ErrorCategoryPermission
	}

	return ErrorCategoryUnknown
}

// isLDAPCodeRetryable determines if an LDAP error code indicates a retryable condition.
func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultConnectError,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

// isGenericErrorRetryable determines if a generic error is retryable.
func isGenericErrorRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"broken pipe",
		"temporary failure",
		"server temporarily unavailable",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// getLDAPCodeMessage returns a human-readable message for an LDAP result code.
func getLDAPCodeMessage(code uint16) string {
	switch code {
	case ldap.LDAPResultOperationsError:
		return "LDAP operations error"
	case ldap.LDAPResultProtocolError:
		return "LDAP protocol error"
	case ldap.LDAPResultTimeLimitExceeded:
		return "LDAP time limit exceeded"
	case ldap.LDAPResultSizeLimitExceeded:
		return "LDAP size limit exceeded"
	case ldap.LDAPResultStrongAuthRequired:
		return "Strong authentication required"
	case ldap.LDAPResultAdminLimitExceeded:
		return "Administrative limit exceeded"
	case ldap.LDAPResultConfidentialityRequired:
		return "Confidentiality required"
	case ldap.LDAPResultNoSuchAttribute:
		return "Requested attribute does not exist"
	case ldap.LDAPResultUndefinedAttributeType:
		return "Attribute type is not defined"
	case ldap.LDAPResultNoSuchObject:
		return "Search base does not exist"
	case ldap.LDAPResultInvalidDNSyntax:
		return "Invalid DN syntax"
	case ldap.LDAPResultInappropriateAuthentication:
		return "Inappropriate authentication method"
	case ldap.LDAPResultInvalidCredentials:
		return "Invalid credentials"
	case ldap.LDAPResultInsufficientAccessRights:
		return "Insufficient access rights"
	case ldap.LDAPResultBusy:
		return "Server is busy"
	case ldap.LDAPResultUnavailable:
		return "Server is unavailable"
	case ldap.LDAPResultUnwillingToPerform:
		return "Server is unwilling to perform the operation"
	case ldap.LDAPResultServerDown:
		return "Server is down"
	case ldap.LDAPResultTimeout:
		return "Operation timed out"
	case ldap.LDAPResultFilterError:
		return "Invalid search filter"
	case ldap.LDAPResultConnectError:
		return "Connection error"
	case ldap.ErrorNetwork:
		return "Network error"
	case ldap.ErrorFilterCompile:
		return "Search filter could not be compiled"
	case ldap.ErrorEmptyPassword:
		return "Empty password"
	default:
		return fmt.Sprintf("Unknown LDAP error (code %d)", code)
	}
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return isLDAPCodeRetryable(resultErr.ResultCode)
	}

	return isGenericErrorRetryable(err)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	switch {
	case errors.Is(err, ErrConnectionFailed):
		return ErrorCategoryConnection
	case errors.Is(err, ErrBindFailed):
		return ErrorCategoryAuthentication
	case errors.Is(err, ErrUserNotFound):
		return ErrorCategoryNotFound
	case errors.Is(err, ErrTemplate), errors.Is(err, ErrInvalidUsername):
		return ErrorCategoryValidation
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return categorizeError(resultErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// classifyConnectError maps a dial failure onto a ConnectionError.
func classifyConnectError(endpoint *Endpoint, err error) *ConnectionError {
	if isUnknownHost(err) {
		return &ConnectionError{
			message:     fmt.Sprintf("unknown host `%s`", endpoint.Host),
			cause:       err,
			Host:        endpoint.Host,
			UnknownHost: true,
		}
	}

	return &ConnectionError{
		message:   fmt.Sprintf("failed to connect to %s", endpoint.URL()),
		retryable: true,
		cause:     err,
		Host:      endpoint.Host,
	}
}

// classifyBindError maps a bind failure onto BindError or ConnectionError.
func classifyBindError(dn string, err error, policy *ldap.ControlBeheraPasswordPolicy) error {
	if err == nil {
		return nil
	}

	if isNetworkError(err) {
		return NewConnectionError("connection failed during bind", true, err)
	}

	if policy != nil && policy.Error >= 0 {
		return &BindError{DN: dn, Reason: BindPasswordPolicy, Detail: policy.ErrorString, Cause: err}
	}

	switch {
	case ldap.IsErrorWithCode(err, ldap.ErrorEmptyPassword):
		return &BindError{DN: dn, Reason: BindInvalidCredentials, Detail: "empty password", Cause: err}
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials):
		reason, detail := activeDirectoryBindReason(diagnosticMessage(err))
		return &BindError{DN: dn, Reason: reason, Detail: detail, Cause: err}
	default:
		return &BindError{DN: dn, Reason: BindRejected, Detail: stripBrackets(diagnosticMessage(err)), Cause: err}
	}
}

// classifySearchError maps a failed search of one base onto a ConnectionError
// or a categorized LDAPError.
func classifySearchError(base string, err error) error {
	if isNetworkError(err) {
		return NewConnectionError(fmt.Sprintf("connection failed while searching `%s`", base), true, err)
	}

	ldapErr := NewLDAPError("search", err)
	ldapErr.DN = base
	return ldapErr
}

var adDataCode = regexp.MustCompile(`(?i)\bdata ([0-9a-f]{3,4})\b`)

// activeDirectoryBindReason interprets the "data NNN" sub-code Active Directory
// appends to invalidCredentials diagnostics.
func activeDirectoryBindReason(diagnostic string) (BindFailureReason, string) {
	match := adDataCode.FindStringSubmatch(diagnostic)
	if match == nil {
		return BindInvalidCredentials, ""
	}

	switch strings.ToLower(match[1]) {
	case "530":
		return BindAccountRestricted, "logon not permitted at this time"
	case "531":
		return BindAccountRestricted, "logon not permitted from this workstation"
	case "532":
		return BindPasswordPolicy, "password expired"
	case "533":
		return BindAccountRestricted, "account disabled"
	case "701":
		return BindAccountRestricted, "account expired"
	case "773":
		return BindPasswordPolicy, "password must be reset"
	case "775":
		return BindAccountRestricted, "account locked"
	default:
		return BindInvalidCredentials, ""
	}
}

func diagnosticMessage(err error) string {
	var resultErr *ldap.Error
	if errors.As(err, &resultErr) && resultErr.Err != nil {
		return resultErr.Err.Error()
	}
	return err.Error()
}

var bracketStripper = strings.NewReplacer("[", "", "]", "")

func stripBrackets(s string) string {
	return strings.TrimSpace(bracketStripper.Replace(s))
}

func isLimitExceeded(err error) bool {
	return ldap.IsErrorAnyOf(err, ldap.LDAPResultSizeLimitExceeded, ldap.LDAPResultTimeLimitExceeded)
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if ldap.IsErrorAnyOf(err, ldap.ErrorNetwork, ldap.LDAPResultServerDown, ldap.LDAPResultConnectError) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isUnknownHost(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) && resultErr.Err != nil && errors.As(resultErr.Err, &dnsErr) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "no such host")
}

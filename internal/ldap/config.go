package ldap

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-ldap/ldap/v3"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

// Configuration describes one directory: where it is, how to bind as the
// manager identity, where users live and how to find them.
//
// Build one with NewConfiguration and do not mutate it afterwards; the same
// value is shared by concurrent operations.
type Configuration struct {
	// ID distinguishes configurations when several are tried in order.
	ID string

	URL         string   `validate:"required"`
	SearchBases []string `validate:"min=1,dive,required"`

	// ManagerDN and Password identify the service account used for searches.
	// Both empty means anonymous.
	ManagerDN string
	Password  string `validate:"required_with=ManagerDN"`

	UserLoginFilter  string `validate:"required"`
	UserSearchFilter string `default:"(|(sAMAccountName=*{0}*)(uid=*{0}*)(cn=*{0}*)(mail=*{0}*)(otherMailbox=*{0}*))"`

	DisplayNameAttribute string `default:"cn"`
	EmailAttribute       string `default:"mail"`

	// SearchTimeout bounds each directory query, server side in whole seconds.
	// The client side read timeout allows clientTimeoutMargin on top so the
	// server's limit fires first.
	SearchTimeout time.Duration `default:"5s" validate:"gt=0"`

	// StartTLS upgrades ldap:// connections before binding.
	StartTLS           bool
	InsecureSkipVerify bool
	CACertificate      string // PEM encoded

	// ConnectionPoolHint enables TCP keep-alive on connections opened by the
	// direct backend. Nil means enabled.
	ConnectionPoolHint *bool `default:"true"`

	TLSConfig *tls.Config `default:"-" validate:"-"`

	Pool PoolConfig

	endpoint  *Endpoint
	tlsConfig *tls.Config
}

// PoolConfig holds connection pool sizing and dial retry settings.
type PoolConfig struct {
	MaxTotal         int           `default:"250" validate:"gte=1"`
	MaxIdle          int           `default:"50" validate:"gte=0"` // capped at MaxTotal
	MinEvictableIdle time.Duration `default:"30m" validate:"gt=0"`
	EvictionInterval time.Duration `validate:"gte=0"` // zero disables the sweep

	DialTimeout time.Duration `default:"10s" validate:"gt=0"`

	MaxRetries     int           `validate:"gte=0"`
	InitialBackoff time.Duration `default:"250ms" validate:"gt=0"`
	MaxBackoff     time.Duration `default:"5s" validate:"gtefield=InitialBackoff"`
	BackoffFactor  float64       `default:"2" validate:"gt=1"`
}

// maxIdle returns the effective idle cap, which never exceeds MaxTotal.
func (c PoolConfig) maxIdle() int {
	return min(c.MaxIdle, c.MaxTotal)
}

// DefaultPoolConfig returns the pool settings applied when none are given.
func DefaultPoolConfig() PoolConfig {
	var cfg PoolConfig
	if err := defaults.Set(&cfg); err != nil {
		panic(fmt.Sprintf("pool defaults: %v", err))
	}
	return cfg
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// NewConfiguration applies defaults to a copy of cfg, normalizes it and
// validates it.
func NewConfiguration(cfg Configuration) (*Configuration, error) {
	out := &Configuration{
		ID:                   strings.TrimSpace(cfg.ID),
		URL:                  strings.TrimSpace(cfg.URL),
		SearchBases:          normalizeSearchBases(cfg.SearchBases),
		ManagerDN:            strings.TrimSpace(cfg.ManagerDN),
		Password:             cfg.Password,
		UserLoginFilter:      EncloseParentheses(cfg.UserLoginFilter),
		UserSearchFilter:     EncloseParentheses(cfg.UserSearchFilter),
		DisplayNameAttribute: strings.TrimSpace(cfg.DisplayNameAttribute),
		EmailAttribute:       strings.TrimSpace(cfg.EmailAttribute),
		SearchTimeout:        cfg.SearchTimeout,
		StartTLS:             cfg.StartTLS,
		InsecureSkipVerify:   cfg.InsecureSkipVerify,
		CACertificate:        cfg.CACertificate,
		ConnectionPoolHint:   cfg.ConnectionPoolHint,
		TLSConfig:            cfg.TLSConfig,
		Pool:                 cfg.Pool,
	}

	if err := defaults.Set(out); err != nil {
		return nil, fmt.Errorf("applying configuration defaults: %w", err)
	}

	if err := out.validate(); err != nil {
		return nil, err
	}

	endpoint, err := ParseEndpoint(out.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	out.endpoint = endpoint

	if out.ID == "" {
		out.ID = endpoint.URL()
	}

	if out.tlsConfig, err = out.buildTLSConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return out, nil
}

func (c *Configuration) validate() error {
	var result *multierror.Error

	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		for _, fe := range verrs {
			result = multierror.Append(result, errors.New(validationMessage(fe)))
		}
	}

	for _, base := range c.SearchBases {
		if _, err := ldap.ParseDN(base); err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid search base `%s`: %w", base, err))
		}
	}

	if c.ManagerDN != "" {
		if _, err := ldap.ParseDN(c.ManagerDN); err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid ManagerDN `%s`: %w", c.ManagerDN, err))
		}
	}

	if c.UserLoginFilter != "" {
		if err := validateFilterTemplate(c.UserLoginFilter); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := validateFilterTemplate(c.UserSearchFilter); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s must not be blank", fe.Field())
	case "required_with":
		return fmt.Sprintf("%s cannot be blank when %s is provided", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s value(s)", fe.Field(), fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be less than %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed the %q check", fe.Namespace(), fe.Tag())
	}
}

// ParseSearchBases splits newline separated search bases, trimming each line
// and dropping blank ones.
func ParseSearchBases(text string) []string {
	return normalizeSearchBases(strings.Split(text, "\n"))
}

func normalizeSearchBases(bases []string) []string {
	out := make([]string, 0, len(bases))
	for _, base := range bases {
		if base = strings.TrimSpace(base); base != "" {
			out = append(out, base)
		}
	}
	return out
}

// Endpoint returns the parsed server endpoint.
func (c *Configuration) Endpoint() *Endpoint {
	return c.endpoint
}

// HasManagerCredentials reports whether searches bind as a manager identity
// rather than anonymously. A password without a ManagerDN is ignored.
func (c *Configuration) HasManagerCredentials() bool {
	return c.ManagerDN != ""
}

// PoolKey returns the identity used to share connection pools.
func (c *Configuration) PoolKey() PoolKey {
	key := PoolKey{
		Host:      c.endpoint.Host,
		Port:      c.endpoint.Port,
		UseTLS:    c.endpoint.UseTLS,
		StartTLS:  c.StartTLS && !c.endpoint.UseTLS,
		ManagerDN: c.ManagerDN,
		Password:  c.Password,
	}
	if key.UseTLS || key.StartTLS {
		key.TLS = c.tlsFingerprint()
	}
	return key
}

// tlsFingerprint digests the settings that shape the TLS handshake. A
// caller-supplied tls.Config is identified by its address.
func (c *Configuration) tlsFingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "insecure=%t\nconfig=%p\nca=%s", c.InsecureSkipVerify, c.TLSConfig, c.CACertificate)
	return hex.EncodeToString(h.Sum(nil))
}

// buildTLSConfig builds the TLS configuration used for ldaps and StartTLS.
func (c *Configuration) buildTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		cfg := c.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = c.endpoint.Host
		}
		return cfg, nil
	}

	cfg := &tls.Config{
		ServerName:         c.endpoint.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in
	}

	if c.CACertificate != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(c.CACertificate)) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func (c *Configuration) keepAlive() bool {
	return c.ConnectionPoolHint == nil || *c.ConnectionPoolHint
}

// clientTimeoutMargin is added to the server side time limit to get the
// connection read timeout.
const clientTimeoutMargin = time.Second

// clientTimeout returns the connection read timeout. Zero means none.
func (c *Configuration) clientTimeout() time.Duration {
	limit := c.searchTimeLimit()
	if limit == 0 {
		return 0
	}
	return time.Duration(limit)*time.Second + clientTimeoutMargin
}

// searchTimeLimit converts the search timeout to the whole-second server side
// limit, rounding up.
func (c *Configuration) searchTimeLimit() int {
	if c.SearchTimeout <= 0 {
		return 0
	}
	return int(math.Ceil(c.SearchTimeout.Seconds()))
}

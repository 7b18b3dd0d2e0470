package ldap

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Default ports for the two LDAP schemes.
const (
	DefaultLDAPPort  = 389
	DefaultLDAPSPort = 636
)

// Endpoint identifies a directory server.
type Endpoint struct {
	Host   string
	Port   int
	UseTLS bool
}

// ParseEndpoint parses an ldap:// or ldaps:// URL into an Endpoint.
// A missing port defaults to 389 for ldap and 636 for ldaps.
func ParseEndpoint(rawURL string) (*Endpoint, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid LDAP URL %q: %w", rawURL, err)
	}

	endpoint := &Endpoint{Host: u.Hostname()}

	switch strings.ToLower(u.Scheme) {
	case "ldaps":
		endpoint.UseTLS = true
		endpoint.Port = DefaultLDAPSPort
	case "ldap":
		endpoint.Port = DefaultLDAPPort
	default:
		return nil, fmt.Errorf("unsupported scheme %q, must be ldap:// or ldaps://", u.Scheme)
	}

	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
		}
		endpoint.Port = port
	}

	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}

	return endpoint, nil
}

// ValidateEndpoint validates endpoint information.
func ValidateEndpoint(endpoint *Endpoint) error {
	if endpoint == nil {
		return fmt.Errorf("endpoint cannot be nil")
	}

	if endpoint.Host == "" {
		return fmt.Errorf("endpoint host cannot be empty")
	}

	if endpoint.Port <= 0 || endpoint.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", endpoint.Port)
	}

	return nil
}

// URL converts the endpoint back to an LDAP URL.
func (e *Endpoint) URL() string {
	scheme := "ldap"
	if e.UseTLS {
		scheme = "ldaps"
	}

	return scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e *Endpoint) String() string {
	return e.URL()
}

package ldap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// keepAlivePeriod is the TCP keep-alive interval applied when the
// configuration's pooling hint is enabled.
const keepAlivePeriod = 30 * time.Second

// Dialer opens unbound connections to the directory described by a configuration.
type Dialer interface {
	Dial(ctx context.Context, cfg *Configuration) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, cfg *Configuration) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, cfg *Configuration) (Conn, error) {
	return f(ctx, cfg)
}

// NewDialer returns the network dialer backed by go-ldap.
func NewDialer() Dialer {
	return DialerFunc(dialLDAP)
}

func dialLDAP(ctx context.Context, cfg *Configuration) (Conn, error) {
	endpoint := cfg.Endpoint()
	url := endpoint.URL()

	netDialer := &net.Dialer{Timeout: cfg.Pool.DialTimeout, KeepAlive: -1}
	if cfg.keepAlive() {
		netDialer.KeepAlive = keepAlivePeriod
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(netDialer)}
	if endpoint.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(cfg.tlsConfig))
	}

	tflog.SubsystemTrace(ctx, SubsystemLDAP, "Dialing directory server", map[string]any{
		"url":        url,
		"start_tls":  cfg.StartTLS && !endpoint.UseTLS,
		"keep_alive": cfg.keepAlive(),
	})

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return nil, classifyConnectError(endpoint, err)
	}

	if !endpoint.UseTLS && cfg.StartTLS {
		if err := conn.StartTLS(cfg.tlsConfig); err != nil {
			conn.Close()
			return nil, NewConnectionError(fmt.Sprintf("StartTLS failed for %s", url), false, err)
		}
	}

	conn.SetTimeout(cfg.clientTimeout())

	LogConnectionEvent(ctx, "connection_established", map[string]any{
		"url": url,
	})

	return conn, nil
}

// bindWithPolicy performs a simple bind carrying the password policy request
// control and returns the policy response control, if any, alongside the
// raw bind error.
func bindWithPolicy(conn Conn, dn, password string) (*ldap.ControlBeheraPasswordPolicy, error) {
	req := ldap.NewSimpleBindRequest(dn, password, []ldap.Control{ldap.NewControlBeheraPasswordPolicy()})

	res, err := conn.SimpleBind(req)

	var policy *ldap.ControlBeheraPasswordPolicy
	if res != nil {
		if ctrl := ldap.FindControl(res.Controls, ldap.ControlTypeBeheraPasswordPolicy); ctrl != nil {
			policy, _ = ctrl.(*ldap.ControlBeheraPasswordPolicy)
		}
	}

	return policy, err
}

// policyWarnings turns a password policy response on a successful bind into
// caller-facing warnings.
func policyWarnings(policy *ldap.ControlBeheraPasswordPolicy) []PasswordPolicyWarning {
	if policy == nil {
		return nil
	}

	var warnings []PasswordPolicyWarning

	if policy.Expire >= 0 {
		warnings = append(warnings, PasswordPolicyWarning{
			Kind:    "expiry",
			Value:   policy.Expire,
			Message: fmt.Sprintf("password expires in %s", time.Duration(policy.Expire)*time.Second),
		})
	}

	if policy.Grace >= 0 {
		warnings = append(warnings, PasswordPolicyWarning{
			Kind:    "grace",
			Value:   policy.Grace,
			Message: fmt.Sprintf("password expired, %d grace login(s) remaining", policy.Grace),
		})
	}

	if policy.Error >= 0 {
		warnings = append(warnings, PasswordPolicyWarning{
			Kind:    "policy",
			Value:   int64(policy.Error),
			Message: policy.ErrorString,
		})
	}

	return warnings
}

// boundConn is a connection that completed its bind. It remembers the
// password policy response of that bind.
type boundConn struct {
	Conn
	principal string
	policy    *ldap.ControlBeheraPasswordPolicy
}

// PasswordPolicy returns the password policy control returned by the bind.
func (c *boundConn) PasswordPolicy() *ldap.ControlBeheraPasswordPolicy {
	return c.policy
}

// policyReporter is implemented by connections that can report the password
// policy response of their bind.
type policyReporter interface {
	PasswordPolicy() *ldap.ControlBeheraPasswordPolicy
}

package verify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// LDAPVerifier attempts a simple bind against a directory. The user DN
// template turns the target username into a bind DN; without one the
// username binds as-is, which suits UPN-style directories.
type LDAPVerifier struct {
	cfg config.VerifyConfig
	log *logger.Logger
}

func NewLDAPVerifier(cfg config.VerifyConfig, log *logger.Logger) *LDAPVerifier {
	return &LDAPVerifier{cfg: cfg, log: log.WithComponent("verify.ldap")}
}

func (v *LDAPVerifier) Name() string { return "ldap" }

func (v *LDAPVerifier) Verify(ctx context.Context, target types.Target, candidate types.Candidate, route core.Route) (types.AttemptResult, error) {
	start := time.Now()
	result := newResult(candidate, route)

	// An empty password turns a simple bind into an anonymous bind, which
	// many directories accept. Never report that as a verified credential.
	if candidate.Secret == "" {
		return finish(result, types.OutcomeRejected, 0, "empty password would bind anonymously", start, ""), nil
	}

	addr, host, useTLS, err := ldapAddr(target.Endpoint)
	if err != nil {
		return result, err
	}

	rawConn, err := route.DialContext(ctx, "tcp", addr)
	if err != nil {
		result.Err = err.Error()
		return finish(result, types.OutcomeTransientError, 0, TransientDetail(err), start, ""), nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		rawConn.SetDeadline(deadline)
	} else if v.cfg.Timeout > 0 {
		rawConn.SetDeadline(time.Now().Add(v.cfg.Timeout))
	}

	// Audited estates run private CAs more often than not; the engagement
	// manifest, not certificate trust, bounds which hosts are contacted.
	tlsCfg := &tls.Config{ServerName: host, InsecureSkipVerify: true}

	var conn *ldap.Conn
	if useTLS {
		conn = ldap.NewConn(tls.Client(rawConn, tlsCfg), true)
	} else {
		conn = ldap.NewConn(rawConn, false)
	}
	conn.Start()
	defer conn.Close()

	if v.cfg.LDAP.StartTLS && !useTLS {
		if err := conn.StartTLS(tlsCfg); err != nil {
			result.Err = err.Error()
			return finish(result, types.OutcomeTransientError, 0, "starttls failed", start, ""), nil
		}
	}

	bindDN := target.Username
	if tmpl := v.cfg.LDAP.UserDNTemplate; tmpl != "" {
		bindDN = fmt.Sprintf(tmpl, target.Username)
	}

	err = conn.Bind(bindDN, candidate.Secret)
	if err == nil {
		return finish(result, types.OutcomeVerified, 0, "bind succeeded as "+bindDN, start, candidate.Secret), nil
	}

	switch {
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials):
		return finish(result, types.OutcomeRejected, 0, "invalid credentials", start, ""), nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultUnwillingToPerform),
		ldap.IsErrorWithCode(err, ldap.LDAPResultConstraintViolation):
		// Lockout policies surface as unwilling-to-perform or constraint
		// violations rather than invalid credentials.
		return finish(result, types.OutcomeBlocked, 0, err.Error(), start, ""), nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultBusy),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable):
		return finish(result, types.OutcomeTransientError, 0, err.Error(), start, ""), nil
	default:
		result.Err = err.Error()
		return finish(result, types.OutcomeTransientError, 0, "bind failed", start, ""), nil
	}
}

func ldapAddr(endpoint string) (addr, host string, useTLS bool, err error) {
	if endpoint == "" {
		return "", "", false, fmt.Errorf("ldap verifier needs a host endpoint")
	}

	port := "389"
	if strings.Contains(endpoint, "://") {
		u, perr := url.Parse(endpoint)
		if perr != nil {
			return "", "", false, fmt.Errorf("endpoint %q is not a usable url: %w", endpoint, perr)
		}
		switch u.Scheme {
		case "ldap":
		case "ldaps":
			useTLS = true
			port = "636"
		default:
			return "", "", false, fmt.Errorf("unsupported ldap scheme %q", u.Scheme)
		}
		endpoint = u.Host
	}

	host = endpoint
	if h, _, serr := net.SplitHostPort(endpoint); serr == nil {
		return endpoint, h, useTLS, nil
	}
	return net.JoinHostPort(host, port), host, useTLS, nil
}

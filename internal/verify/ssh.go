package verify

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/AshfordSecurity/carousel/internal/config"
	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/internal/logger"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// SSHVerifier attempts a password bind against an ssh daemon. Host keys
// are not pinned; the harness verifies credentials, and the engagement
// manifest already bounds which hosts it may touch.
type SSHVerifier struct {
	cfg config.VerifyConfig
	log *logger.Logger
}

func NewSSHVerifier(cfg config.VerifyConfig, log *logger.Logger) *SSHVerifier {
	return &SSHVerifier{cfg: cfg, log: log.WithComponent("verify.ssh")}
}

func (v *SSHVerifier) Name() string { return "ssh" }

func (v *SSHVerifier) Verify(ctx context.Context, target types.Target, candidate types.Candidate, route core.Route) (types.AttemptResult, error) {
	start := time.Now()
	result := newResult(candidate, route)

	addr, err := sshAddr(target.Endpoint, v.cfg.SSH.Port)
	if err != nil {
		return result, err
	}

	conn, err := route.DialContext(ctx, "tcp", addr)
	if err != nil {
		result.Err = err.Error()
		return finish(result, types.OutcomeTransientError, 0, TransientDetail(err), start, ""), nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else if v.cfg.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(v.cfg.Timeout))
	}

	clientCfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(candidate.Secret)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         v.cfg.Timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return finish(result, classifySSHError(err), 0, err.Error(), start, ""), nil
	}
	ssh.NewClient(sshConn, chans, reqs).Close()

	return finish(result, types.OutcomeVerified, 0, "ssh session established", start, candidate.Secret), nil
}

func classifySSHError(err error) types.Outcome {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"):
		return types.OutcomeRejected
	case strings.Contains(msg, "too many authentication failures"),
		strings.Contains(msg, "connection rate"):
		return types.OutcomeBlocked
	default:
		return types.OutcomeTransientError
	}
}

func sshAddr(endpoint string, defaultPort int) (string, error) {
	endpoint = strings.TrimPrefix(endpoint, "ssh://")
	if endpoint == "" {
		return "", fmt.Errorf("ssh verifier needs a host endpoint")
	}
	if defaultPort <= 0 {
		defaultPort = 22
	}
	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return endpoint, nil
	}
	return net.JoinHostPort(endpoint, fmt.Sprintf("%d", defaultPort)), nil
}
